package testutil

import (
	"context"
	"sync"

	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
)

// FakeProcessor is an in-memory processor client.
type FakeProcessor struct {
	mu       sync.Mutex
	Sessions map[string]*paymentdomain.CheckoutSession
	Intents  []paymentdomain.PaymentIntentRequest
	Checkout []paymentdomain.CheckoutSessionRequest
	Err      error
	Disabled bool
}

func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{Sessions: map[string]*paymentdomain.CheckoutSession{}}
}

func (f *FakeProcessor) Configured() bool {
	return !f.Disabled
}

func (f *FakeProcessor) AddSession(session paymentdomain.CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sessions[session.ID] = &session
}

func (f *FakeProcessor) GetCheckoutSession(_ context.Context, id string) (*paymentdomain.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	session, ok := f.Sessions[id]
	if !ok {
		return nil, paymentdomain.ErrInvalidSession
	}
	copied := *session
	return &copied, nil
}

func (f *FakeProcessor) CreatePaymentIntent(_ context.Context, req paymentdomain.PaymentIntentRequest) (*paymentdomain.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Intents = append(f.Intents, req)
	return &paymentdomain.PaymentIntent{
		ID:           "pi_fake",
		ClientSecret: "pi_fake_secret",
		Status:       "requires_payment_method",
	}, nil
}

func (f *FakeProcessor) CreateCheckoutSession(_ context.Context, req paymentdomain.CheckoutSessionRequest) (*paymentdomain.CreatedCheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Checkout = append(f.Checkout, req)
	return &paymentdomain.CreatedCheckoutSession{
		ID:           "cs_fake",
		ClientSecret: "cs_fake_secret",
		URL:          "https://checkout.example.com/cs_fake",
	}, nil
}

var _ paymentdomain.ProcessorClient = (*FakeProcessor)(nil)
