package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

// Course is the catalog record a purchase points at.
type Course struct {
	ID               string         `db:"id" json:"id"`
	Title            string         `db:"title" json:"title"`
	Thumbnail        string         `db:"thumbnail" json:"thumbnail"`
	PriceCents       int64          `db:"price_cents" json:"price_cents"`
	EnrolledStudents pq.StringArray `db:"enrolled_students" json:"enrolled_students"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// Lecture belongs to exactly one course.
type Lecture struct {
	ID            string    `db:"id" json:"id"`
	CourseID      string    `db:"course_id" json:"course_id"`
	Title         string    `db:"title" json:"title"`
	IsPreviewFree bool      `db:"is_preview_free" json:"is_preview_free"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// User is the account record; only the enrollment set matters here.
type User struct {
	ID              string         `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	Email           string         `db:"email" json:"email"`
	EnrolledCourses pq.StringArray `db:"enrolled_courses" json:"enrolled_courses"`
}

// Purchase is one ledger entry, keyed by the provider's checkout session.
type Purchase struct {
	ID               string     `db:"id" json:"id"`
	CourseID         string     `db:"course_id" json:"course_id"`
	UserID           string     `db:"user_id" json:"user_id"`
	AmountCents      int64      `db:"amount_cents" json:"amount_cents"`
	Currency         string     `db:"currency" json:"currency"`
	Status           string     `db:"status" json:"status"`
	PaymentSessionID string     `db:"payment_session_id" json:"payment_session_id"`
	FailureReason    *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Amount returns the purchase value in major currency units.
func (p *Purchase) Amount() float64 {
	return float64(p.AmountCents) / 100
}

func (p Purchase) MarshalJSON() ([]byte, error) {
	type alias Purchase
	return json.Marshal(struct {
		alias
		Amount float64 `json:"amount"`
	}{alias: alias(p), Amount: p.Amount()})
}

// PurchaseWithCourse is a ledger entry joined with the course it unlocked.
type PurchaseWithCourse struct {
	Purchase
	CourseTitle     string `db:"course_title" json:"course_title"`
	CourseThumbnail string `db:"course_thumbnail" json:"course_thumbnail"`
}

func (p PurchaseWithCourse) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(p.Purchase)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	title, _ := json.Marshal(p.CourseTitle)
	thumb, _ := json.Marshal(p.CourseThumbnail)
	fields["course_title"] = title
	fields["course_thumbnail"] = thumb
	return json.Marshal(fields)
}

// Purchase statuses
const (
	PurchaseStatusPending   = "pending"
	PurchaseStatusCompleted = "completed"
	PurchaseStatusFailed    = "failed"
)

// IsTerminal reports whether no further transition is allowed from status.
func IsTerminal(status string) bool {
	return status == PurchaseStatusCompleted || status == PurchaseStatusFailed
}
