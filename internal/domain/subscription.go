package domain

import (
	"net"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusInactive SubscriptionStatus = "inactive"
	// SubscriptionStatusFailed is set by operators when an endpoint is
	// known broken. It is never selected for dispatch.
	SubscriptionStatusFailed SubscriptionStatus = "failed"
)

type Subscription struct {
	ID        string             `json:"id"`
	Name      string             `json:"name" validate:"required,max=255"`
	URL       string             `json:"url" validate:"required,url,max=2048"`
	Events    []EventType        `json:"events" validate:"required,min=1,dive,required"`
	Secret    *string            `json:"secret,omitempty"`
	Status    SubscriptionStatus `json:"status" validate:"required,oneof=active inactive failed"`
	TenantID  *string            `json:"tenant_id,omitempty"`
	Condition string             `json:"condition,omitempty" validate:"max=1024"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Matches reports whether the subscription should receive event raised
// for tenantID. Inactive subscriptions never match.
func (s *Subscription) Matches(event EventType, tenantID *string) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	if s.TenantID != nil && (tenantID == nil || *tenantID != *s.TenantID) {
		return false
	}
	return s.MatchesEventType(event)
}

func (s *Subscription) MatchesEventType(event EventType) bool {
	for _, t := range s.Events {
		if t.Matches(event) {
			return true
		}
	}
	return false
}

// HasSecret reports whether deliveries to s are signed.
func (s *Subscription) HasSecret() bool {
	return s.Secret != nil && *s.Secret != ""
}

func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Events = append([]EventType(nil), s.Events...)
	if s.Secret != nil {
		v := *s.Secret
		c.Secret = &v
	}
	if s.TenantID != nil {
		v := *s.TenantID
		c.TenantID = &v
	}
	return &c
}

// SubscriptionPatch is a partial update. Nil fields are left unchanged;
// an empty Secret clears the secret.
type SubscriptionPatch struct {
	Name      *string             `json:"name,omitempty"`
	URL       *string             `json:"url,omitempty"`
	Events    []EventType         `json:"events,omitempty"`
	Secret    *string             `json:"secret,omitempty"`
	Status    *SubscriptionStatus `json:"status,omitempty"`
	Condition *string             `json:"condition,omitempty"`
	// TenantID rescopes the subscription; an empty string makes it global.
	TenantID  *string             `json:"tenant_id,omitempty"`
}

// Apply writes the patch onto s and bumps UpdatedAt.
func (p SubscriptionPatch) Apply(s *Subscription, now time.Time) {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.URL != nil {
		s.URL = *p.URL
	}
	if p.Events != nil {
		s.Events = append([]EventType(nil), p.Events...)
	}
	if p.Secret != nil {
		if *p.Secret == "" {
			s.Secret = nil
		} else {
			v := *p.Secret
			s.Secret = &v
		}
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Condition != nil {
		s.Condition = *p.Condition
	}
	if p.TenantID != nil {
		if *p.TenantID == "" {
			s.TenantID = nil
		} else {
			v := *p.TenantID
			s.TenantID = &v
		}
	}
	s.UpdatedAt = now
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SubscriptionValidator checks subscriptions before they are stored.
type SubscriptionValidator struct {
	// AllowLoopback permits localhost targets. Disabled in production.
	AllowLoopback bool
	// CheckCondition compiles a condition expression. Nil skips the check.
	CheckCondition func(expr string) error
}

// Validate returns ValidationErrors describing every invalid field of s.
func (v SubscriptionValidator) Validate(s *Subscription) error {
	var errs ValidationErrors

	if err := validate.Struct(s); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				errs = append(errs, &ValidationError{Field: fieldName(fe), Message: tagMessage(fe)})
			}
		} else {
			return &ValidationError{Message: err.Error()}
		}
	}

	if s.URL != "" {
		if msg := v.checkURL(s.URL); msg != "" {
			errs = append(errs, &ValidationError{Field: "url", Message: msg})
		}
	}

	for _, e := range s.Events {
		if e == "" {
			continue
		}
		if _, err := ParseEventPattern(string(e)); err != nil {
			errs = append(errs, &ValidationError{Field: "events", Message: err.Error()})
		}
	}

	if s.Condition != "" && v.CheckCondition != nil {
		if err := v.CheckCondition(s.Condition); err != nil {
			errs = append(errs, &ValidationError{Field: "condition", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (v SubscriptionValidator) checkURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "must be an absolute URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "scheme must be http or https"
	}
	if !v.AllowLoopback && isLoopback(u.Hostname()) {
		return "loopback targets are not allowed"
	}
	return ""
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func fieldName(fe validator.FieldError) string {
	name := fe.Field()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "url":
		return "must be an absolute URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
