package token

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class is the upstream account tier a credential belongs to.
type Class string

const (
	ClassBasic Class = "ssoNormal"
	ClassSuper Class = "ssoSuper"
)

// ClassHint is the soft routing preference attached to a request.
type ClassHint int

const (
	HintBasic ClassHint = iota
	HintSuper
	HintSuperPreferred
)

// String returns a human-readable label for the hint.
func (h ClassHint) String() string {
	switch h {
	case HintSuper:
		return "super"
	case HintSuperPreferred:
		return "super_preferred"
	default:
		return "basic"
	}
}

// Quota window names. Default covers ordinary models, heavy covers the
// independently metered heavy tier.
const (
	WindowDefault = "default"
	WindowHeavy   = "heavy"
)

// TagContentMode marks an account that completed the relaxed-content
// onboarding sequence.
const TagContentMode = "content-mode-enabled"

// QuotaWindow is the cached view of one upstream rate window.
// Remaining == -1 means never measured.
type QuotaWindow struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt,omitzero"`
}

// Record is one persisted token. The credential string is the identity.
type Record struct {
	ID                string                 `json:"-"` // key, not serialized in the body
	Class             Class                  `json:"class"`
	Tags              []string               `json:"tags,omitempty"`
	Note              string                 `json:"note,omitempty"`
	ConsecutiveFailures int                  `json:"failedCount"`
	Disabled          bool                   `json:"disabled"`
	LastFailureAt     time.Time              `json:"lastFailureTime,omitzero"`
	LastFailureReason string                 `json:"lastFailureReason,omitempty"`
	CreatedAt         time.Time              `json:"createdTime,omitzero"`
	LastUsedAt        time.Time              `json:"lastUsedAt,omitzero"`
	LastRefreshedAt   time.Time              `json:"lastRefreshedAt,omitzero"`
	LastClearedAt     time.Time              `json:"lastClearedAt,omitzero"`
	CooldownUntil     time.Time              `json:"cooldownUntil,omitzero"`
	Quota             map[string]QuotaWindow `json:"quota,omitempty"`

	// Extra preserves unrecognized persisted fields byte-for-byte so newer
	// writers never strip what older or foreign writers stored.
	Extra map[string]json.RawMessage `json:"-"`
}

// Cookie renders the credential in the cookie form the upstream expects.
func (r *Record) Cookie() string {
	return fmt.Sprintf("sso-rw=%s;sso=%s", r.ID, r.ID)
}

// HasTag reports whether the record carries the given flag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Remaining returns the cached remaining quota for a window, -1 if unknown.
func (r *Record) Remaining(window string) int {
	if r.Quota == nil {
		return -1
	}
	w, ok := r.Quota[window]
	if !ok {
		return -1
	}
	return w.Remaining
}

// Selectable reports whether the record may serve a request right now.
func (r *Record) Selectable(now time.Time) bool {
	if r.Disabled {
		return false
	}
	if !r.CooldownUntil.IsZero() && now.Before(r.CooldownUntil) {
		return false
	}
	return true
}

// Clone returns a deep copy safe to hand out as a lease snapshot.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.Quota != nil {
		cp.Quota = make(map[string]QuotaWindow, len(r.Quota))
		for k, v := range r.Quota {
			cp.Quota[k] = v
		}
	}
	if r.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}

// recordAlias breaks the MarshalJSON recursion.
type recordAlias Record

// MarshalJSON folds preserved unknown fields back into the object.
func (r *Record) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*recordAlias)(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures unknown fields into Extra.
func (r *Record) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, (*recordAlias)(r)); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownRecordFields {
		delete(all, k)
	}
	if len(all) > 0 {
		r.Extra = all
	}
	return nil
}

var knownRecordFields = []string{
	"class", "tags", "note", "failedCount", "disabled",
	"lastFailureTime", "lastFailureReason", "createdTime", "lastUsedAt",
	"lastRefreshedAt", "lastClearedAt", "cooldownUntil", "quota",
}
