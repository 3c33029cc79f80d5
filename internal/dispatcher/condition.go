package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/felipemaragno/eventhooks/internal/domain"
)

const DefaultConditionCacheSize = 512

// Conditions compiles and evaluates subscription condition expressions.
// Compiled programs are cached by source text.
//
// An expression sees:
//
//	event     string  the event type, e.g. "order.updated"
//	domain    string  the event domain, e.g. "order"
//	tenant_id string  empty for global events
//	data      any     the decoded event payload
type Conditions struct {
	cache *lru.Cache[string, *vm.Program]
}

func NewConditions(size int) *Conditions {
	if size <= 0 {
		size = DefaultConditionCacheSize
	}
	cache, err := lru.New[string, *vm.Program](size)
	if err != nil {
		// Only possible for a non-positive size.
		panic(err)
	}
	return &Conditions{cache: cache}
}

// Check compiles source. It is used by the subscription validator.
func (c *Conditions) Check(source string) error {
	_, err := c.program(source)
	return err
}

func (c *Conditions) program(source string) (*vm.Program, error) {
	if prog, ok := c.cache.Get(source); ok {
		return prog, nil
	}
	prog, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	c.cache.Add(source, prog)
	return prog, nil
}

// Match reports whether the event satisfies source. An empty source always
// matches.
func (c *Conditions) Match(source string, event domain.EventType, tenantID *string, payload json.RawMessage) (bool, error) {
	if source == "" {
		return true, nil
	}
	prog, err := c.program(source)
	if err != nil {
		return false, err
	}

	var data any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return false, fmt.Errorf("decode payload: %w", err)
		}
	}
	tenant := ""
	if tenantID != nil {
		tenant = *tenantID
	}

	out, err := expr.Run(prog, map[string]any{
		"event":     string(event),
		"domain":    string(event.Domain()),
		"tenant_id": tenant,
		"data":      data,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return b, nil
}

func (c *Conditions) Len() int {
	return c.cache.Len()
}
