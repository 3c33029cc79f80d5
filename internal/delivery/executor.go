// Package delivery performs a single signed HTTP delivery of a webhook job.
// It has no retry logic; the scheduler owns retries.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/felipemaragno/eventhooks/internal/clock"
	"github.com/felipemaragno/eventhooks/internal/domain"
	"github.com/felipemaragno/eventhooks/internal/signature"
)

const (
	UserAgent = "eventhooks-webhook/1.0"

	HeaderEvent    = "X-Webhook-Event"
	HeaderDelivery = "X-Webhook-Delivery"
	HeaderAttempt  = "X-Webhook-Attempt"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config defines executor parameters.
//
// Timeout: hard limit for one attempt, connection through body read.
// MaxResponseBytes: response body is truncated past this size.
type Config struct {
	Timeout          time.Duration
	MaxResponseBytes int64
}

func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MaxResponseBytes: 64 * 1024,
	}
}

// Result describes a completed HTTP exchange or, on transport errors,
// just the elapsed time.
type Result struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

type Executor struct {
	config Config
	client HTTPClient
	clock  clock.Clock
}

func NewExecutor(config Config, client HTTPClient, clk clock.Clock) *Executor {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = 64 * 1024
	}
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Executor{config: config, client: client, clock: clk}
}

type envelope struct {
	Event     domain.EventType `json:"event"`
	Timestamp string           `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// BuildBody renders the canonical request body of job. Field order is fixed
// and data is compacted, so the same job always produces the same bytes.
func BuildBody(job *domain.DeliveryJob) ([]byte, error) {
	data := job.Payload
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", domain.ErrInvalidInput, err)
	}
	return json.Marshal(envelope{
		Event:     job.Event,
		Timestamp: job.CreatedAt.UTC().Format(time.RFC3339),
		Data:      compact.Bytes(),
	})
}

// Deliver performs one POST of job. A non-2xx status or a transport error
// is returned as *domain.DeliveryError alongside the partial Result.
func (e *Executor) Deliver(ctx context.Context, job *domain.DeliveryJob) (*Result, error) {
	body, err := BuildBody(job)
	if err != nil {
		return &Result{}, &domain.DeliveryError{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return &Result{}, &domain.DeliveryError{Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEvent, string(job.Event))
	req.Header.Set(HeaderDelivery, job.DeliveryID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(job.Attempt))
	if job.Secret != nil && *job.Secret != "" {
		req.Header.Set(signature.Header, signature.HeaderValue(body, *job.Secret))
	}

	start := e.clock.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return &Result{Duration: e.clock.Now().Sub(start)}, &domain.DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBytes))
	result := &Result{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Duration:   e.clock.Now().Sub(start),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &domain.DeliveryError{StatusCode: resp.StatusCode, Body: result.Body}
	}
	if readErr != nil {
		// The endpoint accepted the request; a broken body read does not undo that.
		result.Body = ""
	}
	return result, nil
}
