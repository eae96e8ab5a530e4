package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProvider talks to Stripe Checkout with its own API client.
type StripeProvider struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

// NewStripeProvider creates a provider whose HTTP calls are bounded by timeout
func NewStripeProvider(secretKey, webhookSecret string, timeout time.Duration) *StripeProvider {
	httpClient := &http.Client{Timeout: timeout}
	return &StripeProvider{
		api:           client.New(secretKey, stripe.NewBackends(httpClient)),
		webhookSecret: webhookSecret,
		tolerance:     webhook.DefaultTolerance,
	}
}

// CreateCheckoutSession creates a one-item payment-mode checkout session
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error) {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(req.ProductName),
	}
	if req.ProductImage != "" {
		product.Images = stripe.StringSlice([]string{req.ProductImage})
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(req.Currency),
					ProductData: product,
					UnitAmount:  stripe.Int64(req.UnitAmount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	if len(req.AllowedCountries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(req.AllowedCountries),
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout session: %w", err)
	}
	if sess.URL == "" {
		return nil, ErrNoRedirect
	}

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// GetCheckoutSession fetches the current state of a checkout session
func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe get checkout session %s: %w", sessionID, err)
	}
	return sessionFromStripe(sess), nil
}

func sessionFromStripe(sess *stripe.CheckoutSession) *CheckoutSession {
	return &CheckoutSession{
		ID:            sess.ID,
		URL:           sess.URL,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		AmountTotal:   sess.AmountTotal,
	}
}

// ParseWebhook verifies a Stripe-Signature header and decodes the event
func (p *StripeProvider) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	return parseStripeEvent(payload, signatureHeader, p.webhookSecret, p.tolerance)
}

func parseStripeEvent(payload []byte, header, secret string, tolerance time.Duration) (*Event, error) {
	if secret == "" || header == "" {
		return nil, ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") {
		return out, nil
	}
	if evt.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, evt.ID)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("%w: event %s has no session id", ErrMalformedEvent, evt.ID)
	}

	out.SessionID = sess.ID
	out.AmountTotal = sess.AmountTotal
	out.Currency = string(sess.Currency)
	out.Metadata = sess.Metadata
	return out, nil
}
