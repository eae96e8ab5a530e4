package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/payment"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is what reconciliation did with a verified event.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeFailed         Outcome = "failed"
	OutcomeIgnored        Outcome = "ignored"
)

// Failure reasons recorded on ledger entries
const (
	ReasonCheckoutExpired    = "checkout_expired"
	ReasonAsyncPaymentFailed = "async_payment_failed"
	ReasonCheckoutAbandoned  = "checkout_abandoned"
)

// ReconcileResult summarizes a handled webhook
type ReconcileResult struct {
	EventID   string
	EventType string
	Outcome   Outcome
	Purchase  *models.Purchase
}

// Reconciler applies provider payment events to the purchase ledger
type Reconciler struct {
	store           PurchaseStore
	provider        payment.Provider
	eventPublisher  EventPublisher
	storeTimeout    time.Duration
	providerTimeout time.Duration
	logger          *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(store PurchaseStore, provider payment.Provider, eventPublisher EventPublisher, storeTimeout, providerTimeout time.Duration) *Reconciler {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	if providerTimeout <= 0 {
		providerTimeout = 10 * time.Second
	}
	return &Reconciler{
		store:           store,
		provider:        provider,
		eventPublisher:  eventPublisher,
		storeTimeout:    storeTimeout,
		providerTimeout: providerTimeout,
		logger:          util.GetLogger(),
	}
}

// HandleWebhook verifies and applies a raw provider notification.
//
// payload must be the request body exactly as received. A returned error
// means the provider should retry, except ErrInvalidSignature and
// ErrValidation which will never succeed on redelivery.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleWebhook")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.Observe(time.Since(start).Seconds())
	}()

	event, err := r.provider.ParseWebhook(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, payment.ErrMalformedEvent) {
			util.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
			r.logger.Warn("Rejected malformed webhook payload", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		util.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		r.logger.Warn("Rejected webhook with invalid signature", zap.Error(err))
		return nil, ErrInvalidSignature
	}

	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	result := &ReconcileResult{EventID: event.ID, EventType: event.Type}
	switch event.Type {
	case payment.EventCheckoutCompleted:
		result.Purchase, result.Outcome, err = r.applyCompletion(ctx, event.ID, event.SessionID, event.AmountTotal)
	case payment.EventCheckoutExpired:
		result.Purchase, result.Outcome, err = r.applyFailure(ctx, event.ID, event.SessionID, ReasonCheckoutExpired)
	case payment.EventCheckoutAsyncPaymentFailed:
		result.Purchase, result.Outcome, err = r.applyFailure(ctx, event.ID, event.SessionID, ReasonAsyncPaymentFailed)
	default:
		result.Outcome = OutcomeIgnored
	}

	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrNotFound) {
			outcome = "not_found"
		}
		util.WebhookEventsTotal.WithLabelValues(event.Type, outcome).Inc()
		return nil, err
	}

	util.WebhookEventsTotal.WithLabelValues(event.Type, string(result.Outcome)).Inc()
	return result, nil
}

// applyCompletion completes the entry for sessionID. eventID is empty when the
// confirmation came from a provider lookup rather than a webhook.
func (r *Reconciler) applyCompletion(ctx context.Context, eventID, sessionID string, amountTotal int64) (*models.Purchase, Outcome, error) {
	purchase, applied, err := r.store.CompletePurchase(ctx, sessionID, amountTotal)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("No purchase for completed session",
			zap.String("event_id", eventID),
			zap.String("session_id", sessionID))
		return nil, "", fmt.Errorf("%w: purchase for session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		r.logger.Error("Failed to apply completed checkout; provider will redeliver",
			zap.String("event_id", eventID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	switch applied {
	case store.CompletionAlreadyApplied:
		r.logger.Info("Checkout already reconciled",
			zap.String("event_id", eventID),
			zap.String("purchase_id", purchase.ID),
			zap.Stringer("result", applied))
		return purchase, OutcomeAlreadyApplied, nil
	case store.CompletionRejected:
		r.logger.Warn("Completed checkout for a failed purchase; needs manual review",
			zap.String("event_id", eventID),
			zap.String("purchase_id", purchase.ID),
			zap.Stringer("result", applied),
			zap.Int64("amount_total", amountTotal))
		return purchase, OutcomeIgnored, nil
	}

	util.PurchasesCompletedTotal.Inc()
	r.logger.Info("Purchase completed",
		zap.String("purchase_id", purchase.ID),
		zap.String("course_id", purchase.CourseID),
		zap.String("user_id", purchase.UserID),
		zap.Int64("amount_cents", purchase.AmountCents))

	completed := &models.PurchaseCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePurchaseCompleted,
			Timestamp: time.Now(),
		},
		PurchaseID:       purchase.ID,
		CourseID:         purchase.CourseID,
		UserID:           purchase.UserID,
		AmountCents:      purchase.AmountCents,
		Currency:         purchase.Currency,
		PaymentSessionID: purchase.PaymentSessionID,
	}
	if err := r.eventPublisher.PublishPurchaseCompleted(ctx, completed); err != nil {
		r.logger.Error("Failed to publish PurchaseCompleted event", zap.Error(err))
	}

	return purchase, OutcomeCompleted, nil
}

// applyFailure fails a pending entry. Unknown sessions are acknowledged since
// expiry notifications also arrive for checkouts this service never created.
func (r *Reconciler) applyFailure(ctx context.Context, eventID, sessionID, reason string) (*models.Purchase, Outcome, error) {
	purchase, changed, err := r.store.FailPurchase(ctx, sessionID, reason)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Info("No purchase for failed session",
			zap.String("event_id", eventID),
			zap.String("session_id", sessionID))
		return nil, OutcomeIgnored, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if !changed {
		return purchase, OutcomeIgnored, nil
	}

	util.PurchasesFailedTotal.WithLabelValues(reason).Inc()
	r.logger.Info("Purchase failed",
		zap.String("purchase_id", purchase.ID),
		zap.String("reason", reason))
	r.publishFailed(ctx, purchase, reason)

	return purchase, OutcomeFailed, nil
}

const staleBatchSize = 100

// ExpireStalePending resolves pending purchases older than maxAge against the
// provider's view of their checkout session. Paid sessions are completed,
// expired sessions are failed and everything else stays pending. It returns
// how many entries changed.
func (r *Reconciler) ExpireStalePending(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.ExpireStalePending")
	defer span.End()

	listCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	stale, err := r.store.ListStalePending(listCtx, time.Now().Add(-maxAge), staleBatchSize)
	cancel()
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range stale {
		outcome, err := r.resolveStale(ctx, &stale[i])
		if err != nil {
			r.logger.Warn("Could not resolve stale purchase; will retry next sweep",
				zap.String("purchase_id", stale[i].ID),
				zap.String("session_id", stale[i].PaymentSessionID),
				zap.Error(err))
			continue
		}
		if outcome == OutcomeCompleted || outcome == OutcomeFailed {
			resolved++
		}
	}

	if resolved > 0 {
		r.logger.Info("Resolved stale checkouts", zap.Int("count", resolved), zap.Int("scanned", len(stale)))
	}
	return resolved, nil
}

func (r *Reconciler) resolveStale(ctx context.Context, purchase *models.Purchase) (Outcome, error) {
	providerCtx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	session, err := r.provider.GetCheckoutSession(providerCtx, purchase.PaymentSessionID)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	switch {
	case session.Paid():
		_, outcome, err := r.applyCompletion(storeCtx, "", purchase.PaymentSessionID, session.AmountTotal)
		return outcome, err
	case session.Status == payment.SessionStatusExpired:
		_, outcome, err := r.applyFailure(storeCtx, "", purchase.PaymentSessionID, ReasonCheckoutAbandoned)
		return outcome, err
	}
	return OutcomeIgnored, nil
}

func (r *Reconciler) publishFailed(ctx context.Context, purchase *models.Purchase, reason string) {
	event := &models.PurchaseFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePurchaseFailed,
			Timestamp: time.Now(),
		},
		PurchaseID:       purchase.ID,
		CourseID:         purchase.CourseID,
		UserID:           purchase.UserID,
		PaymentSessionID: purchase.PaymentSessionID,
		Reason:           reason,
	}
	if err := r.eventPublisher.PublishPurchaseFailed(ctx, event); err != nil {
		r.logger.Error("Failed to publish PurchaseFailed event", zap.Error(err))
	}
}
