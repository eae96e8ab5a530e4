package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const purchaseColumns = `id, course_id, user_id, amount_cents, currency, status, payment_session_id,
	failure_reason, created_at, updated_at, completed_at`

// CompletionResult describes what CompletePurchase did to the ledger entry.
type CompletionResult int

const (
	// CompletionApplied means the entry moved pending -> completed in this call.
	CompletionApplied CompletionResult = iota
	// CompletionAlreadyApplied means the entry was already completed; nothing was written.
	CompletionAlreadyApplied
	// CompletionRejected means the entry is failed and cannot complete.
	CompletionRejected
)

func (r CompletionResult) String() string {
	switch r {
	case CompletionApplied:
		return "applied"
	case CompletionAlreadyApplied:
		return "already_applied"
	case CompletionRejected:
		return "rejected"
	}
	return "unknown"
}

// CreatePurchase inserts a new ledger entry
func (s *Store) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	query := `
		INSERT INTO purchases (id, course_id, user_id, amount_cents, currency, status, payment_session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		p.ID, p.CourseID, p.UserID, p.AmountCents, p.Currency, p.Status, p.PaymentSessionID)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

// GetPurchaseBySessionID retrieves a ledger entry by payment session ID
func (s *Store) GetPurchaseBySessionID(ctx context.Context, sessionID string) (*models.Purchase, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p,
		"SELECT "+purchaseColumns+" FROM purchases WHERE payment_session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("purchase for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CompletePurchase applies a confirmed payment to the entry for sessionID.
//
// The entry row is locked for the duration of the transaction. Entitlement side
// effects run first and the status flip runs last, so a re-run after a crash
// finds the entry still pending and completes the remaining work. amountCents <= 0
// keeps the amount recorded at checkout.
func (s *Store) CompletePurchase(ctx context.Context, sessionID string, amountCents int64) (*models.Purchase, CompletionResult, error) {
	var (
		purchase models.Purchase
		result   CompletionResult
	)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &purchase,
			"SELECT "+purchaseColumns+" FROM purchases WHERE payment_session_id = $1 FOR UPDATE", sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("purchase for session %s: %w", sessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock purchase: %w", err)
		}

		if models.IsTerminal(purchase.Status) {
			result = CompletionRejected
			if purchase.Status == models.PurchaseStatusCompleted {
				result = CompletionAlreadyApplied
			}
			return nil
		}

		if amountCents > 0 {
			purchase.AmountCents = amountCents
		}

		if _, err := updateLecturesVisibility(ctx, tx, purchase.CourseID, true); err != nil {
			return err
		}
		if _, err := addEnrolledCourse(ctx, tx, purchase.UserID, purchase.CourseID); err != nil {
			return err
		}
		if _, err := addEnrolledStudent(ctx, tx, purchase.CourseID, purchase.UserID); err != nil {
			return err
		}

		err = tx.QueryRowxContext(ctx, `
			UPDATE purchases SET status = $1, amount_cents = $2, completed_at = NOW(), updated_at = NOW()
			WHERE id = $3 AND status = $4
			RETURNING updated_at, completed_at`,
			models.PurchaseStatusCompleted, purchase.AmountCents, purchase.ID, models.PurchaseStatusPending,
		).Scan(&purchase.UpdatedAt, &purchase.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to mark purchase completed: %w", err)
		}

		purchase.Status = models.PurchaseStatusCompleted
		result = CompletionApplied
		return nil
	})
	if err != nil {
		return nil, result, err
	}

	return &purchase, result, nil
}

// FailPurchase moves a pending entry to failed. It returns false when the entry
// exists but is already terminal.
func (s *Store) FailPurchase(ctx context.Context, sessionID, reason string) (*models.Purchase, bool, error) {
	var p models.Purchase
	err := s.db.GetContext(ctx, &p, `
		UPDATE purchases SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE payment_session_id = $3 AND status = $4
		RETURNING `+purchaseColumns,
		models.PurchaseStatusFailed, reason, sessionID, models.PurchaseStatusPending)
	if err == nil {
		return &p, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to mark purchase failed: %w", err)
	}

	existing, err := s.GetPurchaseBySessionID(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ListStalePending returns up to limit pending entries created before cutoff, oldest first
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	stale := []models.Purchase{}
	err := s.db.SelectContext(ctx, &stale,
		"SELECT "+purchaseColumns+" FROM purchases WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3",
		models.PurchaseStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending purchases: %w", err)
	}
	return stale, nil
}

// HasCompletedPurchase reports whether the user holds a completed purchase of the course
func (s *Store) HasCompletedPurchase(ctx context.Context, userID, courseID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM purchases WHERE user_id = $1 AND course_id = $2 AND status = $3)",
		userID, courseID, models.PurchaseStatusCompleted)
	return exists, err
}

const purchaseWithCourseQuery = `
	SELECT p.id, p.course_id, p.user_id, p.amount_cents, p.currency, p.status, p.payment_session_id,
		p.failure_reason, p.created_at, p.updated_at, p.completed_at,
		COALESCE(c.title, '') AS course_title, COALESCE(c.thumbnail, '') AS course_thumbnail
	FROM purchases p
	LEFT JOIN courses c ON c.id = p.course_id`

// ListCompletedPurchases retrieves every completed purchase with its course
func (s *Store) ListCompletedPurchases(ctx context.Context) ([]models.PurchaseWithCourse, error) {
	purchases := []models.PurchaseWithCourse{}
	err := s.db.SelectContext(ctx, &purchases,
		purchaseWithCourseQuery+" WHERE p.status = $1 ORDER BY p.completed_at DESC",
		models.PurchaseStatusCompleted)
	return purchases, err
}

// ListCompletedPurchasesByUser retrieves a user's completed purchases with their courses
func (s *Store) ListCompletedPurchasesByUser(ctx context.Context, userID string) ([]models.PurchaseWithCourse, error) {
	purchases := []models.PurchaseWithCourse{}
	err := s.db.SelectContext(ctx, &purchases,
		purchaseWithCourseQuery+" WHERE p.status = $1 AND p.user_id = $2 ORDER BY p.completed_at DESC",
		models.PurchaseStatusCompleted, userID)
	return purchases, err
}
