package service

import "errors"

// Error kinds surfaced to transport layers; match with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrPaymentProvider  = errors.New("payment provider error")
	ErrInternal         = errors.New("internal error")
)
