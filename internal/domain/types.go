package domain

import "github.com/google/uuid"

type BalanceResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	Asset     string    `json:"asset"`
	// Balance is in minor units of Asset.
	Balance      int64  `json:"balance"`
	BalanceMajor string `json:"balance_major"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
