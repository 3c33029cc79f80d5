// Package domain contains the core business entities and logic.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common domain error cases.
// These allow handlers to check error types without coupling to infrastructure.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource with the same identifier already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates the input data is invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownEventType indicates an event type outside the catalogue.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrQueueFull is returned by the scheduler when the dispatch queue is at capacity.
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrPoolStopped is returned when enqueueing into a stopped scheduler.
	ErrPoolStopped = errors.New("dispatch pool stopped")

	// ErrAlreadyDelivered indicates a manual retry of a delivery that already succeeded.
	ErrAlreadyDelivered = errors.New("delivery already succeeded")

	// ErrDeliveryInProgress indicates the scheduler still owns the delivery.
	ErrDeliveryInProgress = errors.New("delivery in progress")
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ValidationErrors collects every invalid field of one input.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		if e.Field == "" {
			parts = append(parts, e.Message)
			continue
		}
		parts = append(parts, e.Field+" "+e.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// DeliveryError is a failed HTTP attempt. It is transient from the
// executor's point of view; the scheduler decides whether to retry.
type DeliveryError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return "delivery failed: " + e.Err.Error()
	}
	return fmt.Sprintf("delivery failed with status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
