package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gigpay/internal/money"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

func parseSnowflakeID(value string) (snowflake.ID, bool) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		return 0, false
	}
	return parsed, true
}

func pathID(c *gin.Context, name string) (snowflake.ID, error) {
	id, ok := parseSnowflakeID(c.Param(name))
	if !ok {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+name)
	}
	return id, nil
}

func bodyID(field, value string) (snowflake.ID, error) {
	id, ok := parseSnowflakeID(value)
	if !ok {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	return id, nil
}

func parseLimit(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultListLimit, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 {
		return 0, newValidationError("limit", "invalid_limit", "invalid limit")
	}
	if parsed > maxListLimit {
		parsed = maxListLimit
	}
	return parsed, nil
}

// amountRequest is the JSON shape for a money amount in minor units.
type amountRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (a amountRequest) toMoney() (money.Money, error) {
	currency, err := money.ParseCurrency(a.Currency)
	if err != nil {
		return money.Money{}, err
	}
	return money.New(a.Amount, currency), nil
}
