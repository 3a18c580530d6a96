package domain

import "errors"

var (
	ErrInvalidOrganization    = errors.New("invalid_organization")
	ErrInvalidEngagement      = errors.New("invalid_engagement")
	ErrInvalidParty           = errors.New("invalid_party")
	ErrPlanNotFound           = errors.New("milestone_plan_not_found")
	ErrInvalidState           = errors.New("invalid_state")
	ErrEmptyPlan              = errors.New("empty_plan")
	ErrInvalidTitle           = errors.New("invalid_milestone_title")
	ErrInvalidMilestoneAmount = errors.New("invalid_milestone_amount")
	ErrInvalidDuration        = errors.New("invalid_duration")
	ErrTotalMismatch          = errors.New("total_mismatch")
	ErrEmptyFeedback          = errors.New("empty_feedback")
	ErrUnknownMilestone       = errors.New("unknown_milestone")
)
