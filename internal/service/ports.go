package service

import (
	"context"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
)

// PurchaseStore is the persistence the purchase workflow needs.
// *store.Store implements it.
type PurchaseStore interface {
	GetCourseByID(ctx context.Context, id string) (*models.Course, error)
	GetLecturesByCourseID(ctx context.Context, courseID string) ([]models.Lecture, error)

	CreatePurchase(ctx context.Context, p *models.Purchase) error
	CompletePurchase(ctx context.Context, sessionID string, amountCents int64) (*models.Purchase, store.CompletionResult, error)
	FailPurchase(ctx context.Context, sessionID, reason string) (*models.Purchase, bool, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error)

	HasCompletedPurchase(ctx context.Context, userID, courseID string) (bool, error)
	ListCompletedPurchases(ctx context.Context) ([]models.PurchaseWithCourse, error)
	ListCompletedPurchasesByUser(ctx context.Context, userID string) ([]models.PurchaseWithCourse, error)
}

// EventPublisher emits purchase lifecycle events.
type EventPublisher interface {
	PublishPurchaseCompleted(ctx context.Context, event *models.PurchaseCompletedEvent) error
	PublishPurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error
}

// EntitlementCache stores positive entitlement answers.
type EntitlementCache interface {
	HasEntitlement(ctx context.Context, userID, courseID string) (bool, error)
	SetEntitlement(ctx context.Context, userID, courseID string, ttl time.Duration) error
	DeleteEntitlement(ctx context.Context, userID, courseID string) error
}
