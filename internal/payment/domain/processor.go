package domain

import "context"

const CheckoutPaymentStatusPaid = "paid"

// CheckoutSession is the processor-side view of a checkout used by the
// synchronous confirmation paths.
type CheckoutSession struct {
	ID                string
	Status            string
	PaymentStatus     string
	ClientReferenceID *string
	Metadata          map[string]string
	CustomerEmail     *string
	CustomerID        *string
	AmountTotal       int64
	Currency          string
}

func (s CheckoutSession) Paid() bool {
	return s.PaymentStatus == CheckoutPaymentStatusPaid
}

type PaymentIntentRequest struct {
	Amount       int64
	Currency     string
	Description  string
	ReceiptEmail *string
	Metadata     map[string]string
}

// CheckoutSessionRequest opens an embedded checkout. PriceID selects a
// recurring catalog price; without it the configured one-off amount is used.
type CheckoutSessionRequest struct {
	PriceID           string
	Amount            int64
	Currency          string
	Description       string
	CustomerEmail     *string
	ClientReferenceID *string
	ReturnURL         string
	Metadata          map[string]string
}

type CreatedCheckoutSession struct {
	ID           string
	ClientSecret string
	URL          string
}

type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       string
}

// ProcessorClient talks to the payment processor API.
type ProcessorClient interface {
	Configured() bool
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CreatedCheckoutSession, error)
}
