// Package draft defines the draft record shared by the realtime stream, the
// REST collaborators and the reconciliation store.
package draft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a draft.
type Status string

const (
	StatusDrafted    Status = "drafted"
	StatusEdited     Status = "edited"
	StatusApproved   Status = "approved"
	StatusPosted     Status = "posted"
	StatusPostFailed Status = "post_failed"
	StatusRejected   Status = "rejected"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusPosted, StatusPostFailed, StatusRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDrafted, StatusEdited, StatusApproved, StatusPosted, StatusPostFailed, StatusRejected:
		return true
	}
	return false
}

// Record is a generated comment candidate tied to one source item.
type Record struct {
	ID               string         `json:"id"`
	SourceItemID     string         `json:"sourceItemId"`
	SourceText       string         `json:"sourceText,omitempty"`
	GeneratedText    string         `json:"generatedText"`
	EditedText       *string        `json:"editedText,omitempty"`
	FinalText        *string        `json:"finalText,omitempty"`
	Status           Status         `json:"status"`
	CreatedAt        string         `json:"createdAt"`
	UpdatedAt        string         `json:"updatedAt,omitempty"`
	GenerationParams map[string]any `json:"generationParams,omitempty"`
	Model            string         `json:"model,omitempty"`
	Persona          string         `json:"persona,omitempty"`
	FailureReason    string         `json:"failureReason,omitempty"`
	PostedURL        string         `json:"postedUrl,omitempty"`
}

// UnmarshalJSON accepts numeric ids. The worker emits source item ids as
// numbers while the REST API quotes them.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		ID           ID `json:"id"`
		SourceItemID ID `json:"sourceItemId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	r.ID = string(aux.ID)
	r.SourceItemID = string(aux.SourceItemID)
	return nil
}

// ID is an identifier that decodes from either a JSON string or a JSON
// number.
type ID string

func (f *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = ID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or number: %w", err)
		}
		*f = ID(n.String())
	}
	return nil
}

// EffectiveTime is max(createdAt, updatedAt). It drives every freshness
// comparison in the module.
func (r Record) EffectiveTime() time.Time {
	created := ParseTimestamp(r.CreatedAt)
	updated := ParseTimestamp(r.UpdatedAt)
	if updated.After(created) {
		return updated
	}
	return created
}

// DisplayText returns the most final text variant available.
func (r Record) DisplayText() string {
	if r.FinalText != nil && *r.FinalText != "" {
		return *r.FinalText
	}
	if r.EditedText != nil && *r.EditedText != "" {
		return *r.EditedText
	}
	return r.GeneratedText
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses the timestamp formats the backend emits. Values that
// do not parse yield the zero time, which loses every comparison.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FromUnix(f)
	}
	return time.Time{}
}

// FromUnix converts fractional unix seconds to a UTC time.
func FromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// FormatTimestamp renders t the way records carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// StringPtr returns a pointer to s. Convenience for building records.
func StringPtr(s string) *string { return &s }

// ItemSnapshot is the source item context sent with a regenerate command.
type ItemSnapshot struct {
	SourceItemID string `json:"sourceItemId"`
	Text         string `json:"text"`
}

// Snapshot returns the record's source item snapshot.
func (r Record) Snapshot() ItemSnapshot {
	return ItemSnapshot{SourceItemID: r.SourceItemID, Text: r.SourceText}
}
