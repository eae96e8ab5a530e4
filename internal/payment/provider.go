// Package payment wraps the hosted-checkout payment provider behind a small
// interface so the purchase workflow never touches SDK types.
package payment

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSignature means the webhook signature did not verify against the secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent means the signed payload could not be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrNoRedirect means the provider created a session without a redirect URL.
	ErrNoRedirect = errors.New("checkout session has no redirect url")
)

// Provider event kinds the reconciler reacts to
const (
	EventCheckoutCompleted          = "checkout.session.completed"
	EventCheckoutExpired            = "checkout.session.expired"
	EventCheckoutAsyncPaymentFailed = "checkout.session.async_payment_failed"
)

// CheckoutRequest describes a single-item hosted checkout.
type CheckoutRequest struct {
	Currency         string
	UnitAmount       int64
	ProductName      string
	ProductImage     string
	SuccessURL       string
	CancelURL        string
	Metadata         map[string]string
	AllowedCountries []string
	IdempotencyKey   string
}

// Checkout session states as reported by the provider
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"

	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// CheckoutSession is the provider's handle for a checkout. Status fields are
// only filled by GetCheckoutSession.
type CheckoutSession struct {
	ID            string
	URL           string
	Status        string
	PaymentStatus string
	AmountTotal   int64
}

// Paid reports whether the customer's money was captured for this session.
func (s *CheckoutSession) Paid() bool {
	return s.Status == SessionStatusComplete &&
		(s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired)
}

// Event is a verified webhook notification.
type Event struct {
	ID          string
	Type        string
	SessionID   string
	AmountTotal int64
	Currency    string
	Metadata    map[string]string
}

// Provider is the payment gateway used by checkout and reconciliation.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	// ParseWebhook verifies signatureHeader over the unmodified payload and decodes it.
	ParseWebhook(payload []byte, signatureHeader string) (*Event, error)
}
