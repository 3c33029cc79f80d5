package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// EventType is a domain event name of the form "<domain>.<action>".
type EventType string

// EventDomain tags the business area an event belongs to.
type EventDomain string

const (
	DomainContent  EventDomain = "content"
	DomainMedia    EventDomain = "media"
	DomainUser     EventDomain = "user"
	DomainWorkflow EventDomain = "workflow"
	DomainOrder    EventDomain = "order"
	DomainBilling  EventDomain = "billing"
	DomainWebhook  EventDomain = "webhook"
)

var knownDomains = map[EventDomain]struct{}{
	DomainContent:  {},
	DomainMedia:    {},
	DomainUser:     {},
	DomainWorkflow: {},
	DomainOrder:    {},
	DomainBilling:  {},
	DomainWebhook:  {},
}

const (
	EventContentCreated     EventType = "content.created"
	EventContentUpdated     EventType = "content.updated"
	EventContentDeleted     EventType = "content.deleted"
	EventContentPublished   EventType = "content.published"
	EventContentUnpublished EventType = "content.unpublished"

	EventMediaUploaded EventType = "media.uploaded"
	EventMediaUpdated  EventType = "media.updated"
	EventMediaDeleted  EventType = "media.deleted"

	EventUserCreated EventType = "user.created"
	EventUserUpdated EventType = "user.updated"
	EventUserDeleted EventType = "user.deleted"

	EventWorkflowStageChanged EventType = "workflow.stage_changed"
	EventWorkflowApproved     EventType = "workflow.approved"
	EventWorkflowRejected     EventType = "workflow.rejected"

	EventOrderCreated   EventType = "order.created"
	EventOrderUpdated   EventType = "order.updated"
	EventOrderCancelled EventType = "order.cancelled"

	EventBillingSubscriptionCreated   EventType = "billing.subscription_created"
	EventBillingSubscriptionCancelled EventType = "billing.subscription_cancelled"
	EventBillingInvoicePaid           EventType = "billing.invoice_paid"

	// EventWebhookTest is synthesized by the test-webhook operation.
	EventWebhookTest EventType = "webhook.test"
)

// Catalogue lists the event types raised by the built-in domain modules.
var Catalogue = []EventType{
	EventContentCreated, EventContentUpdated, EventContentDeleted,
	EventContentPublished, EventContentUnpublished,
	EventMediaUploaded, EventMediaUpdated, EventMediaDeleted,
	EventUserCreated, EventUserUpdated, EventUserDeleted,
	EventWorkflowStageChanged, EventWorkflowApproved, EventWorkflowRejected,
	EventOrderCreated, EventOrderUpdated, EventOrderCancelled,
	EventBillingSubscriptionCreated, EventBillingSubscriptionCancelled, EventBillingInvoicePaid,
	EventWebhookTest,
}

var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ParseEventType validates s and returns it as an EventType.
func ParseEventType(s string) (EventType, error) {
	d, action, ok := strings.Cut(s, ".")
	if !ok || action == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	if _, known := knownDomains[EventDomain(d)]; !known {
		return "", fmt.Errorf("%w: unknown domain %q", ErrUnknownEventType, d)
	}
	if !actionPattern.MatchString(action) {
		return "", fmt.Errorf("%w: invalid action %q", ErrUnknownEventType, action)
	}
	return EventType(s), nil
}

// ParseEventPattern accepts an event type, "<domain>.*" or "*".
func ParseEventPattern(s string) (EventType, error) {
	if s == "*" {
		return EventType(s), nil
	}
	if d, ok := strings.CutSuffix(s, ".*"); ok {
		if _, known := knownDomains[EventDomain(d)]; !known {
			return "", fmt.Errorf("%w: unknown domain %q", ErrUnknownEventType, d)
		}
		return EventType(s), nil
	}
	return ParseEventType(s)
}

func (t EventType) Domain() EventDomain {
	d, _, _ := strings.Cut(string(t), ".")
	return EventDomain(d)
}

func (t EventType) String() string {
	return string(t)
}

// Matches reports whether pattern t selects event.
func (t EventType) Matches(event EventType) bool {
	if t == "*" || t == event {
		return true
	}
	return matchWildcard(string(t), string(event))
}

func matchWildcard(pattern, eventType string) bool {
	if len(pattern) == 0 {
		return len(eventType) == 0
	}

	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}

	return pattern == eventType
}
