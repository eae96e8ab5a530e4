package models

import "time"

// Event types
const (
	EventTypePurchaseCompleted = "PURCHASE_COMPLETED"
	EventTypePurchaseFailed    = "PURCHASE_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseCompletedEvent published once a ledger entry reaches completed
type PurchaseCompletedEvent struct {
	BaseEvent
	PurchaseID       string `json:"purchase_id"`
	CourseID         string `json:"course_id"`
	UserID           string `json:"user_id"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	PaymentSessionID string `json:"payment_session_id"`
}

// PurchaseFailedEvent published when a pending entry is closed without payment
type PurchaseFailedEvent struct {
	BaseEvent
	PurchaseID       string `json:"purchase_id"`
	CourseID         string `json:"course_id"`
	UserID           string `json:"user_id"`
	PaymentSessionID string `json:"payment_session_id"`
	Reason           string `json:"reason"`
}
