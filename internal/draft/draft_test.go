package draft

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEffectiveTimeUsesLaterTimestamp(t *testing.T) {
	r := Record{
		CreatedAt: "2025-01-02T10:00:00Z",
		UpdatedAt: "2025-01-02T11:30:00Z",
	}
	want := time.Date(2025, 1, 2, 11, 30, 0, 0, time.UTC)
	if got := r.EffectiveTime(); !got.Equal(want) {
		t.Errorf("EffectiveTime = %v, want %v", got, want)
	}

	// updatedAt older than createdAt (clock skew on the worker)
	r.UpdatedAt = "2025-01-02T09:00:00Z"
	want = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	if got := r.EffectiveTime(); !got.Equal(want) {
		t.Errorf("EffectiveTime = %v, want %v", got, want)
	}
}

func TestEffectiveTimeMissingUpdatedAt(t *testing.T) {
	r := Record{CreatedAt: "2025-01-02T10:00:00.250+02:00"}
	want := time.Date(2025, 1, 2, 8, 0, 0, 250_000_000, time.UTC)
	if got := r.EffectiveTime(); !got.Equal(want) {
		t.Errorf("EffectiveTime = %v, want %v", got, want)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	cases := []string{
		"2025-03-04T05:06:07Z",
		"2025-03-04T05:06:07",
		"2025-03-04 05:06:07",
		"2025-03-04 05:06:07+00:00",
		"1741064767",
	}
	for _, in := range cases {
		if got := ParseTimestamp(in); !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseTimestampInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "yesterday", "2025-13-45"} {
		if got := ParseTimestamp(in); !got.IsZero() {
			t.Errorf("ParseTimestamp(%q) = %v, want zero", in, got)
		}
	}
}

func TestDisplayTextPrecedence(t *testing.T) {
	r := Record{GeneratedText: "gen"}
	if got := r.DisplayText(); got != "gen" {
		t.Errorf("DisplayText = %q, want %q", got, "gen")
	}
	r.EditedText = StringPtr("edited")
	if got := r.DisplayText(); got != "edited" {
		t.Errorf("DisplayText = %q, want %q", got, "edited")
	}
	r.FinalText = StringPtr("final")
	if got := r.DisplayText(); got != "final" {
		t.Errorf("DisplayText = %q, want %q", got, "final")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusDrafted:    false,
		StatusEdited:     false,
		StatusApproved:   false,
		StatusPosted:     true,
		StatusPostFailed: true,
		StatusRejected:   true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
	if Status("archived").Valid() {
		t.Error("unknown status should not be valid")
	}
}

func TestUnmarshalNumericIDs(t *testing.T) {
	j := `{"id":"d1","sourceItemId":100,"generatedText":"hi","status":"drafted","createdAt":"2025-01-01T00:00:00Z"}`

	var r Record
	if err := json.Unmarshal([]byte(j), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.SourceItemID != "100" {
		t.Errorf("sourceItemId = %q, want %q", r.SourceItemID, "100")
	}
	if r.ID != "d1" || r.GeneratedText != "hi" || r.Status != StatusDrafted {
		t.Errorf("record = %+v", r)
	}
}

func TestUnmarshalRejectsObjectID(t *testing.T) {
	var r Record
	if err := json.Unmarshal([]byte(`{"id":{"x":1}}`), &r); err == nil {
		t.Error("object id should fail")
	}
}
