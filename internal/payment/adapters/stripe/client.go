package stripe

import (
	"context"
	"strings"

	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// Client implements the processor client on top of stripe-go.
type Client struct {
	secretKey string

	getCheckoutSession    func(id string, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	createPaymentIntent   func(params *stripelib.PaymentIntentParams) (*stripelib.PaymentIntent, error)
}

const uiModeEmbedded = "embedded"

// NewClient configures the stripe-go globals. apiBase overrides the API URL
// and is only set in tests and local stubs.
func NewClient(secretKey, apiBase string) *Client {
	secretKey = strings.TrimSpace(secretKey)
	stripelib.Key = secretKey
	if base := strings.TrimSpace(apiBase); base != "" {
		stripelib.SetBackend(stripelib.APIBackend, stripelib.GetBackendWithConfig(stripelib.APIBackend, &stripelib.BackendConfig{
			URL: stripelib.String(base),
		}))
	}
	return &Client{
		secretKey:             secretKey,
		getCheckoutSession:    stripesession.Get,
		createCheckoutSession: stripesession.New,
		createPaymentIntent:   paymentintent.New,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.secretKey != ""
}

func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*paymentdomain.CheckoutSession, error) {
	if !c.Configured() {
		return nil, &paymentdomain.MissingConfigurationError{Setting: "STRIPE_SECRET_KEY"}
	}
	params := &stripelib.CheckoutSessionParams{}
	params.Context = ctx

	session, err := c.getCheckoutSession(id, params)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, paymentdomain.ErrInvalidSession
	}

	out := &paymentdomain.CheckoutSession{
		ID:            session.ID,
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
		Metadata:      session.Metadata,
		AmountTotal:   session.AmountTotal,
		Currency:      normalizeCurrency(string(session.Currency)),
	}
	if ref := strings.TrimSpace(session.ClientReferenceID); ref != "" {
		out.ClientReferenceID = &ref
	}
	if session.CustomerDetails != nil {
		out.CustomerEmail = firstEmail(session.CustomerDetails.Email, session.CustomerEmail)
	} else {
		out.CustomerEmail = firstEmail(session.CustomerEmail)
	}
	if session.Customer != nil && strings.TrimSpace(session.Customer.ID) != "" {
		customerID := session.Customer.ID
		out.CustomerID = &customerID
	}
	return out, nil
}

func (c *Client) CreatePaymentIntent(ctx context.Context, req paymentdomain.PaymentIntentRequest) (*paymentdomain.PaymentIntent, error) {
	if !c.Configured() {
		return nil, &paymentdomain.MissingConfigurationError{Setting: "STRIPE_SECRET_KEY"}
	}
	params := &stripelib.PaymentIntentParams{
		Amount:   stripelib.Int64(req.Amount),
		Currency: stripelib.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripelib.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripelib.Bool(true),
		},
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripelib.String(desc)
	}
	if req.ReceiptEmail != nil {
		params.ReceiptEmail = stripelib.String(*req.ReceiptEmail)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx

	intent, err := c.createPaymentIntent(params)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
	}, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req paymentdomain.CheckoutSessionRequest) (*paymentdomain.CreatedCheckoutSession, error) {
	if !c.Configured() {
		return nil, &paymentdomain.MissingConfigurationError{Setting: "STRIPE_SECRET_KEY"}
	}

	item := &stripelib.CheckoutSessionLineItemParams{Quantity: stripelib.Int64(1)}
	mode := stripelib.CheckoutSessionModePayment
	if price := strings.TrimSpace(req.PriceID); price != "" {
		item.Price = stripelib.String(price)
		mode = stripelib.CheckoutSessionModeSubscription
	} else {
		product := &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripelib.String(req.Description),
		}
		item.PriceData = &stripelib.CheckoutSessionLineItemPriceDataParams{
			Currency:    stripelib.String(strings.ToLower(req.Currency)),
			UnitAmount:  stripelib.Int64(req.Amount),
			ProductData: product,
		}
	}

	params := &stripelib.CheckoutSessionParams{
		UIMode:             stripelib.String(uiModeEmbedded),
		Mode:               stripelib.String(string(mode)),
		PaymentMethodTypes: stripelib.StringSlice([]string{"card"}),
		LineItems:          []*stripelib.CheckoutSessionLineItemParams{item},
		ReturnURL:          stripelib.String(req.ReturnURL),
	}
	if req.CustomerEmail != nil {
		params.CustomerEmail = stripelib.String(*req.CustomerEmail)
	}
	if req.ClientReferenceID != nil {
		params.ClientReferenceID = stripelib.String(*req.ClientReferenceID)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx

	session, err := c.createCheckoutSession(params)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.CreatedCheckoutSession{
		ID:           session.ID,
		ClientSecret: session.ClientSecret,
		URL:          session.URL,
	}, nil
}

var _ paymentdomain.ProcessorClient = (*Client)(nil)
