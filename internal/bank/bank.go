// Package bank abstracts the external bank integration that deposits and
// withdrawals flow through. Only the mock provider ships here; a real
// provider supplies asynchronous transfer references the same way.
package bank

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferRequest describes a deposit or withdrawal handed to the provider.
type TransferRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Currency  string
	AccountID string
}

// TransferResponse is the provider's acknowledgement.
type TransferResponse struct {
	Status      string
	ProviderRef string
}

// Provider initiates transfers with an external bank.
type Provider interface {
	InitiateDeposit(ctx context.Context, req TransferRequest) (TransferResponse, error)
	InitiateWithdrawal(ctx context.Context, req TransferRequest) (TransferResponse, error)
}

// MockProvider acknowledges every transfer immediately with a synthetic
// reference. Used in development and tests.
type MockProvider struct{}

func (MockProvider) InitiateDeposit(ctx context.Context, req TransferRequest) (TransferResponse, error) {
	return TransferResponse{
		Status:      "completed",
		ProviderRef: fmt.Sprintf("MOCK-DEP-%s", uuid.NewString()[:8]),
	}, nil
}

func (MockProvider) InitiateWithdrawal(ctx context.Context, req TransferRequest) (TransferResponse, error) {
	return TransferResponse{
		Status:      "completed",
		ProviderRef: fmt.Sprintf("MOCK-WD-%s", uuid.NewString()[:8]),
	}, nil
}
