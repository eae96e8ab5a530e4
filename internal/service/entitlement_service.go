package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// EntitlementService answers "has this user bought this course" questions
type EntitlementService struct {
	store        PurchaseStore
	cache        EntitlementCache
	cacheTTL     time.Duration
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewEntitlementService creates a new entitlement service. cache may be nil.
func NewEntitlementService(store PurchaseStore, cache EntitlementCache, cacheTTL, storeTimeout time.Duration) *EntitlementService {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &EntitlementService{
		store:        store,
		cache:        cache,
		cacheTTL:     cacheTTL,
		storeTimeout: storeTimeout,
		logger:       util.GetLogger(),
	}
}

// CourseDetail is a course with its lectures and the caller's purchase flag
type CourseDetail struct {
	Course    *models.Course   `json:"course"`
	Lectures  []models.Lecture `json:"lectures"`
	Purchased bool             `json:"purchased"`
}

// HasPurchased reports whether userID holds a completed purchase of courseID
func (s *EntitlementService) HasPurchased(ctx context.Context, userID, courseID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "EntitlementService.HasPurchased")
	defer span.End()

	if userID == "" || courseID == "" {
		return false, fmt.Errorf("%w: user and course are required", ErrValidation)
	}

	if s.cache != nil {
		hit, err := s.cache.HasEntitlement(ctx, userID, courseID)
		if err != nil {
			util.EntitlementCacheTotal.WithLabelValues("error").Inc()
			s.logger.Warn("Entitlement cache lookup failed, using database", zap.Error(err))
		} else if hit {
			util.EntitlementCacheTotal.WithLabelValues("hit").Inc()
			return true, nil
		} else {
			util.EntitlementCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	purchased, err := s.store.HasCompletedPurchase(storeCtx, userID, courseID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if purchased {
		s.remember(ctx, userID, courseID)
	}
	return purchased, nil
}

// GetCourseDetailWithStatus returns the course, its lectures and whether userID bought it
func (s *EntitlementService) GetCourseDetailWithStatus(ctx context.Context, userID, courseID string) (*CourseDetail, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	course, err := s.store.GetCourseByID(storeCtx, courseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: course %s", ErrNotFound, courseID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	lectures, err := s.store.GetLecturesByCourseID(storeCtx, courseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	purchased, err := s.HasPurchased(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}

	return &CourseDetail{Course: course, Lectures: lectures, Purchased: purchased}, nil
}

// ListCompletedPurchases lists every completed purchase; empty is not an error
func (s *EntitlementService) ListCompletedPurchases(ctx context.Context) ([]models.PurchaseWithCourse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	purchases, err := s.store.ListCompletedPurchases(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if purchases == nil {
		purchases = []models.PurchaseWithCourse{}
	}
	return purchases, nil
}

// ListUserPurchases lists the completed purchases of one user
func (s *EntitlementService) ListUserPurchases(ctx context.Context, userID string) ([]models.PurchaseWithCourse, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	purchases, err := s.store.ListCompletedPurchasesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if purchases == nil {
		purchases = []models.PurchaseWithCourse{}
	}
	return purchases, nil
}

// HandlePurchaseCompleted warms the cache from a PURCHASE_COMPLETED event
func (s *EntitlementService) HandlePurchaseCompleted(ctx context.Context, event *models.PurchaseCompletedEvent) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.SetEntitlement(ctx, event.UserID, event.CourseID, s.cacheTTL); err != nil {
		return fmt.Errorf("failed to cache entitlement: %w", err)
	}
	return nil
}

// HandlePurchaseFailed drops any cached entitlement for a failed purchase
func (s *EntitlementService) HandlePurchaseFailed(ctx context.Context, event *models.PurchaseFailedEvent) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.DeleteEntitlement(ctx, event.UserID, event.CourseID)
}

func (s *EntitlementService) remember(ctx context.Context, userID, courseID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetEntitlement(ctx, userID, courseID, s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache entitlement",
			zap.String("user_id", userID),
			zap.String("course_id", courseID),
			zap.Error(err))
	}
}
