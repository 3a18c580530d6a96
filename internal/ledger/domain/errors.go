package domain

import "errors"

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidOwner         = errors.New("invalid_owner")
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
	ErrMissingIdempotency   = errors.New("missing_idempotency_key")
)

// ValidateBalanced checks that debits equal credits per currency.
func ValidateBalanced(lines []LedgerEntryLine) error {
	totals := map[string]int64{}
	for _, line := range lines {
		switch line.Direction {
		case LedgerEntryDirectionDebit:
			totals[line.Currency] += line.Amount
		case LedgerEntryDirectionCredit:
			totals[line.Currency] -= line.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	for _, total := range totals {
		if total != 0 {
			return ErrUnbalancedEntry
		}
	}
	return nil
}
