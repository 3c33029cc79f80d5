package dispatcher

import (
	"encoding/json"
	"testing"

	"github.com/felipemaragno/eventhooks/internal/domain"
)

func TestConditions_Match(t *testing.T) {
	c := NewConditions(8)
	acme := "acme"

	tests := []struct {
		name    string
		source  string
		tenant  *string
		payload string
		want    bool
		wantErr bool
	}{
		{"empty always matches", "", nil, `{}`, true, false},
		{"payload field", "data.status == 'published'", nil, `{"status":"published"}`, true, false},
		{"payload field mismatch", "data.status == 'published'", nil, `{"status":"draft"}`, false, false},
		{"event and domain", "domain == 'content' && event endsWith '.created'", nil, `{}`, true, false},
		{"tenant", "tenant_id == 'acme'", &acme, `{}`, true, false},
		{"global tenant is empty", "tenant_id == ''", nil, `{}`, true, false},
		{"compile error", "data.status ==", nil, `{}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Match(tt.source, domain.EventContentCreated, tt.tenant, json.RawMessage(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Match() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditions_CachesPrograms(t *testing.T) {
	c := NewConditions(2)

	for i := 0; i < 3; i++ {
		if err := c.Check("data.x > 1"); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	c.Check("data.x > 2")
	c.Check("data.x > 3")
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2 after eviction", c.Len())
	}
}

func TestConditions_CheckRejectsNonBool(t *testing.T) {
	c := NewConditions(0)
	if err := c.Check("1 + 2"); err == nil {
		t.Error("Check(non-bool) error = nil")
	}
}
