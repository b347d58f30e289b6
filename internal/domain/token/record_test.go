package token

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecordCookie(t *testing.T) {
	rec := &Record{ID: "eyJhbGciOi.jwt"}
	want := "sso-rw=eyJhbGciOi.jwt;sso=eyJhbGciOi.jwt"
	if got := rec.Cookie(); got != want {
		t.Fatalf("Cookie() = %q, want %q", got, want)
	}
}

func TestRecordSelectable(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"fresh", Record{}, true},
		{"disabled", Record{Disabled: true}, false},
		{"cooling", Record{CooldownUntil: now.Add(time.Minute)}, false},
		{"cooldown expired", Record{CooldownUntil: now.Add(-time.Minute)}, true},
		{"failures alone do not block", Record{ConsecutiveFailures: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Selectable(now); got != tt.want {
				t.Fatalf("Selectable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordPreservesUnknownFields(t *testing.T) {
	in := []byte(`{
		"class": "ssoNormal",
		"failedCount": 2,
		"disabled": false,
		"someFutureField": {"nested": [1, 2, 3]},
		"legacyNote": "kept"
	}`)

	var rec Record
	if err := json.Unmarshal(in, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.Class != ClassBasic || rec.ConsecutiveFailures != 2 {
		t.Fatalf("known fields lost: %+v", rec)
	}

	out, err := json.Marshal(&rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var round map[string]json.RawMessage
	if err := json.Unmarshal(out, &round); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if string(round["someFutureField"]) != `{"nested":[1,2,3]}` {
		t.Fatalf("someFutureField = %s, want preserved object", round["someFutureField"])
	}
	if string(round["legacyNote"]) != `"kept"` {
		t.Fatalf("legacyNote = %s, want \"kept\"", round["legacyNote"])
	}
}

func TestRecordRemaining(t *testing.T) {
	rec := &Record{Quota: map[string]QuotaWindow{
		WindowDefault: {Remaining: 9},
	}}
	if got := rec.Remaining(WindowDefault); got != 9 {
		t.Fatalf("Remaining(default) = %d, want 9", got)
	}
	if got := rec.Remaining(WindowHeavy); got != -1 {
		t.Fatalf("Remaining(heavy) = %d, want -1 for unmeasured", got)
	}
	var empty Record
	if got := empty.Remaining(WindowDefault); got != -1 {
		t.Fatalf("Remaining on empty = %d, want -1", got)
	}
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := &Record{
		ID:    "tok",
		Tags:  []string{"a"},
		Quota: map[string]QuotaWindow{WindowDefault: {Remaining: 1}},
	}
	cp := rec.Clone()
	cp.Tags[0] = "mutated"
	cp.Quota[WindowDefault] = QuotaWindow{Remaining: 99}

	if rec.Tags[0] != "a" {
		t.Fatal("Clone shares Tags backing array")
	}
	if rec.Quota[WindowDefault].Remaining != 1 {
		t.Fatal("Clone shares Quota map")
	}
}
