package realtime

import (
	"encoding/json"
	"testing"
)

func TestDecodeEnvelopeDraft(t *testing.T) {
	j := `{"event":"draft-created","data":{"id":"d1","sourceItemId":"100"}}`

	env, err := DecodeEnvelope([]byte(j))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != EventDraftCreated {
		t.Errorf("event = %q, want %q", env.Event, EventDraftCreated)
	}

	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["id"] != "d1" {
		t.Errorf("data.id = %v, want d1", data["id"])
	}
}

func TestDecodeEnvelopeWithoutData(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event":"token-rotated"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != EventTokenRotated {
		t.Errorf("event = %q", env.Event)
	}
	if len(env.Data) != 0 {
		t.Errorf("data = %s, want empty", env.Data)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	for _, in := range []string{``, `not json`, `{"data":{}}`, `[1,2]`} {
		if _, err := DecodeEnvelope([]byte(in)); err == nil {
			t.Errorf("DecodeEnvelope(%q) should fail", in)
		}
	}
}

func TestCommandOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Command{Cmd: "auth", Token: "tok"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if _, ok := raw["channel"]; ok {
		t.Error("auth command should omit channel")
	}
	if raw["token"] != "tok" {
		t.Errorf("token = %v, want tok", raw["token"])
	}
}

func TestResponseAuthError(t *testing.T) {
	j := `{"ok":false,"error":"token expired","code":"auth"}`

	var resp Response
	if err := json.Unmarshal([]byte(j), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK {
		t.Error("ok = true, want false")
	}
	if resp.Code != CodeAuth {
		t.Errorf("code = %q, want %q", resp.Code, CodeAuth)
	}
}

func TestChannelFor(t *testing.T) {
	if got := ChannelFor("42"); got != "user:42" {
		t.Errorf("ChannelFor = %q, want %q", got, "user:42")
	}
}
