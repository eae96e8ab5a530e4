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

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckoutConfig carries the provider-facing settings for new checkouts.
type CheckoutConfig struct {
	Currency         string
	FrontendURL      string
	AllowedCountries []string
	ProviderTimeout  time.Duration
	StoreTimeout     time.Duration
}

// CheckoutService starts purchases by opening a hosted checkout session
type CheckoutService struct {
	store    PurchaseStore
	provider payment.Provider
	validate *validator.Validate
	cfg      CheckoutConfig
	logger   *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(store PurchaseStore, provider payment.Provider, cfg CheckoutConfig) *CheckoutService {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &CheckoutService{
		store:    store,
		provider: provider,
		validate: validator.New(),
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// CheckoutRequest represents a request to buy a course
type CheckoutRequest struct {
	UserID   string `json:"-" validate:"required"`
	CourseID string `json:"courseId" binding:"required" validate:"required"`
}

// CheckoutResponse is returned once the pending purchase is recorded
type CheckoutResponse struct {
	RedirectURL string `json:"redirectUrl"`
	SessionID   string `json:"sessionId"`
	PurchaseID  string `json:"purchaseId"`
}

// CreateCheckout records a pending purchase and returns the provider redirect URL.
// The ledger entry is written only after the provider returns a session.
func (s *CheckoutService) CreateCheckout(ctx context.Context, req *CheckoutRequest) (*CheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateCheckout")
	defer span.End()

	if err := s.validate.Struct(req); err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("invalid_request").Inc()
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	lookupCtx, cancelLookup := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	course, err := s.store.GetCourseByID(lookupCtx, req.CourseID)
	cancelLookup()
	if errors.Is(err, store.ErrNotFound) {
		util.CheckoutFailuresTotal.WithLabelValues("course_not_found").Inc()
		return nil, fmt.Errorf("%w: course %s", ErrNotFound, req.CourseID)
	}
	if err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("%w: failed to load course: %v", ErrInternal, err)
	}
	if course.PriceCents <= 0 {
		util.CheckoutFailuresTotal.WithLabelValues("not_purchasable").Inc()
		return nil, fmt.Errorf("%w: course %s has no price", ErrValidation, course.ID)
	}

	purchase := &models.Purchase{
		ID:          uuid.New().String(),
		CourseID:    course.ID,
		UserID:      req.UserID,
		AmountCents: course.PriceCents,
		Currency:    s.cfg.Currency,
		Status:      models.PurchaseStatusPending,
	}

	providerCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	session, err := s.provider.CreateCheckoutSession(providerCtx, &payment.CheckoutRequest{
		Currency:     s.cfg.Currency,
		UnitAmount:   course.PriceCents,
		ProductName:  course.Title,
		ProductImage: course.Thumbnail,
		SuccessURL:   fmt.Sprintf("%s/student/course-progress/%s", s.cfg.FrontendURL, course.ID),
		CancelURL:    fmt.Sprintf("%s/student/course-details/%s", s.cfg.FrontendURL, course.ID),
		Metadata: map[string]string{
			"courseId":   course.ID,
			"userId":     req.UserID,
			"purchaseId": purchase.ID,
		},
		AllowedCountries: s.cfg.AllowedCountries,
		IdempotencyKey:   purchase.ID,
	})
	if err == nil && (session == nil || session.ID == "" || session.URL == "") {
		err = payment.ErrNoRedirect
	}
	if err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("provider_error").Inc()
		s.logger.Error("Failed to create checkout session",
			zap.String("course_id", course.ID),
			zap.String("user_id", req.UserID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPaymentProvider, err)
	}

	purchase.PaymentSessionID = session.ID
	persistCtx, cancelPersist := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancelPersist()
	if err := s.store.CreatePurchase(persistCtx, purchase); err != nil {
		util.CheckoutFailuresTotal.WithLabelValues("db_error").Inc()
		s.logger.Error("Failed to persist pending purchase; provider session will expire unused",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: failed to record purchase: %v", ErrInternal, err)
	}

	util.CheckoutSessionsCreatedTotal.Inc()
	s.logger.Info("Checkout session created",
		zap.String("purchase_id", purchase.ID),
		zap.String("session_id", session.ID),
		zap.String("course_id", course.ID),
		zap.String("user_id", req.UserID),
		zap.Int64("amount_cents", purchase.AmountCents))

	return &CheckoutResponse{
		RedirectURL: session.URL,
		SessionID:   session.ID,
		PurchaseID:  purchase.ID,
	}, nil
}
