package stripe

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/curlara/internal/identity"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const SignatureHeader = "Stripe-Signature"

// Adapter verifies and decodes processor deliveries.
type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func NewAdapter(webhookSecret string) *Adapter {
	return &Adapter{
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     webhook.DefaultTolerance,
	}
}

// Verify checks the signature over the raw bytes and returns the processor
// envelope. Nothing is decoded before the signature matches.
func (a *Adapter) Verify(payload []byte, sigHeader string) (stripelib.Event, error) {
	if a.webhookSecret == "" {
		return stripelib.Event{}, &paymentdomain.MissingConfigurationError{Setting: "STRIPE_WEBHOOK_SECRET"}
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripelib.Event{}, paymentdomain.ErrSignatureMissing
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) {
			return stripelib.Event{}, paymentdomain.ErrSignatureMissing
		}
		return stripelib.Event{}, errors.Join(paymentdomain.ErrAuthenticity, err)
	}
	return event, nil
}

// Parse maps a verified envelope into the event union.
func (a *Adapter) Parse(event stripelib.Event) (paymentdomain.Event, error) {
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	meta := paymentdomain.EventMeta{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: timestamp(event.Created),
	}
	if event.Data == nil {
		return paymentdomain.Unhandled{EventMeta: meta}, nil
	}
	raw := event.Data.Raw

	switch meta.Type {
	case "payment_intent.succeeded":
		var intent paymentIntentObject
		if err := json.Unmarshal(raw, &intent); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		amount := intent.AmountReceived
		if amount <= 0 {
			amount = intent.Amount
		}
		return paymentdomain.ChargeSucceeded{
			EventMeta: meta,
			PaymentID: intent.ID,
			Amount:    amount,
			Currency:  normalizeCurrency(intent.Currency),
			Hint: paymentdomain.SubjectHint{
				UserID:     identity.Optional(intent.Metadata["userId"]),
				Email:      firstEmail(intent.Metadata["email"], intent.Metadata["userEmail"], intent.ReceiptEmail),
				CustomerID: identity.Optional(string(intent.Customer)),
			},
		}, nil

	case "charge.succeeded":
		var charge chargeObject
		if err := json.Unmarshal(raw, &charge); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		return paymentdomain.ChargeSucceeded{
			EventMeta: meta,
			PaymentID: charge.ID,
			Amount:    charge.Amount,
			Currency:  normalizeCurrency(charge.Currency),
			Hint: paymentdomain.SubjectHint{
				UserID:     identity.Optional(charge.Metadata["userId"]),
				Email:      firstEmail(charge.Metadata["email"], charge.Metadata["userEmail"], charge.ReceiptEmail, charge.BillingDetails.Email),
				CustomerID: identity.Optional(string(charge.Customer)),
			},
		}, nil

	case "checkout.session.completed":
		var session checkoutSessionObject
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		return paymentdomain.SubscriptionActivated{
			EventMeta: meta,
			ObjectID:  session.ID,
			Amount:    session.AmountTotal,
			Currency:  normalizeCurrency(session.Currency),
			Hint: paymentdomain.SubjectHint{
				UserID:     identity.FirstPresent(optionalRaw(session.Metadata["userId"]), optionalRaw(session.ClientReferenceID)),
				Email:      firstEmail(session.Metadata["email"], session.Metadata["userEmail"], session.CustomerDetails.Email, session.CustomerEmail),
				CustomerID: identity.Optional(string(session.Customer)),
			},
		}, nil

	case "customer.subscription.created":
		var sub subscriptionObject
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		return paymentdomain.SubscriptionActivated{
			EventMeta: meta,
			ObjectID:  sub.ID,
			Hint: paymentdomain.SubjectHint{
				UserID:     identity.Optional(sub.Metadata["userId"]),
				Email:      firstEmail(sub.Metadata["email"], sub.Metadata["userEmail"]),
				CustomerID: identity.Optional(string(sub.Customer)),
			},
		}, nil

	case "invoice.paid":
		var invoice invoiceObject
		if err := json.Unmarshal(raw, &invoice); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		return paymentdomain.SubscriptionActivated{
			EventMeta: meta,
			ObjectID:  invoice.ID,
			Amount:    invoice.AmountPaid,
			Currency:  normalizeCurrency(invoice.Currency),
			Hint: paymentdomain.SubjectHint{
				UserID:     identity.Optional(invoice.Metadata["userId"]),
				Email:      firstEmail(invoice.Metadata["email"], invoice.Metadata["userEmail"], invoice.CustomerEmail),
				CustomerID: identity.Optional(string(invoice.Customer)),
			},
		}, nil

	default:
		return paymentdomain.Unhandled{EventMeta: meta}, nil
	}
}

type paymentIntentObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Customer       expandableID      `json:"customer"`
	ReceiptEmail   string            `json:"receipt_email"`
	Metadata       map[string]string `json:"metadata"`
}

type chargeObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Customer       expandableID      `json:"customer"`
	ReceiptEmail   string            `json:"receipt_email"`
	Metadata       map[string]string `json:"metadata"`
	BillingDetails struct {
		Email string `json:"email"`
	} `json:"billing_details"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Customer          expandableID      `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type subscriptionObject struct {
	ID       string            `json:"id"`
	Customer expandableID      `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID            string            `json:"id"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	Customer      expandableID      `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// expandableID accepts either an object id or the expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*e = expandableID(obj.ID)
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*e = expandableID(id)
	return nil
}

func firstEmail(values ...string) *string {
	for _, value := range values {
		if email := identity.OptionalEmail(value); email != nil {
			return email
		}
	}
	return nil
}

func optionalRaw(value string) *string {
	return &value
}

func normalizeCurrency(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

func timestamp(unix int64) time.Time {
	if unix == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
