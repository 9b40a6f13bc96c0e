package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Run("join", func(t *testing.T) {
		msg, err := Parse([]byte(`{"type":"join","userId":"alice"}`))
		if err != nil {
			t.Fatalf("Parse returned error: %v", err)
		}
		if msg.Type != TypeJoin {
			t.Errorf("Type=%q, want %q", msg.Type, TypeJoin)
		}
		if msg.UserID != "alice" {
			t.Errorf("UserID=%q, want %q", msg.UserID, "alice")
		}
	})

	t.Run("offer with payload", func(t *testing.T) {
		msg, err := Parse([]byte(`{"type":"offer","to":"bob","sdp":"v=0","extra":{"k":1}}`))
		if err != nil {
			t.Fatalf("Parse returned error: %v", err)
		}
		if msg.To != "bob" {
			t.Errorf("To=%q, want %q", msg.To, "bob")
		}
		if !msg.IsSignal() {
			t.Error("IsSignal()=false for offer")
		}
	})

	t.Run("disconnect bare", func(t *testing.T) {
		msg, err := Parse([]byte(`{"type":"disconnect"}`))
		if err != nil {
			t.Fatalf("Parse returned error: %v", err)
		}
		if msg.IsSignal() {
			t.Error("IsSignal()=true for disconnect")
		}
	})
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		data string
		is   error
	}{
		{name: "malformed", data: `{"type":`},
		{name: "not an object", data: `[1,2,3]`},
		{name: "trailing data", data: `{"type":"join","userId":"a"}{"type":"join"}`},
		{name: "missing type", data: `{"userId":"a"}`, is: ErrMissingField},
		{name: "empty type", data: `{"type":""}`, is: ErrMissingField},
		{name: "non-string type", data: `{"type":7}`, is: ErrMissingField},
		{name: "unknown type", data: `{"type":"subscribe"}`, is: ErrUnknownType},
		{name: "server type rejected", data: `{"type":"matched"}`, is: ErrUnknownType},
		{name: "non-string userId", data: `{"type":"join","userId":5}`, is: ErrMissingField},
		{name: "non-string to", data: `{"type":"offer","to":{}}`, is: ErrMissingField},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tc.data)
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Errorf("Parse(%q) error=%v, want %v", tc.data, err, tc.is)
			}
		})
	}
}

func TestForward(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"offer","userId":"alice","to":"bob","sdp":"v=0 o=caller","budget":1.50}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	data, err := msg.Forward("alice")
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("forwarded message is not valid JSON: %v", err)
	}

	if _, ok := fields["to"]; ok {
		t.Error("forwarded message still carries to")
	}
	if _, ok := fields["userId"]; ok {
		t.Error("forwarded message still carries userId")
	}
	if got := string(fields["from"]); got != `"alice"` {
		t.Errorf("from=%s, want %q", got, `"alice"`)
	}
	if got := string(fields["type"]); got != `"offer"` {
		t.Errorf("type=%s, want %q", got, `"offer"`)
	}
	if got := string(fields["sdp"]); got != `"v=0 o=caller"` {
		t.Errorf("sdp=%s, want %q", got, `"v=0 o=caller"`)
	}
	// Raw bytes survive: a decode-reencode cycle would turn 1.50 into 1.5.
	if got := string(fields["budget"]); got != `1.50` {
		t.Errorf("budget=%s, want 1.50", got)
	}
}

func TestForward_OverridesClientFrom(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"answer","to":"bob","from":"mallory","sdp":"x"}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	data, err := msg.Forward("alice")
	if err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("forwarded message is not valid JSON: %v", err)
	}
	if got := string(fields["from"]); got != `"alice"` {
		t.Errorf("from=%s, want %q (client-supplied from must not survive)", got, `"alice"`)
	}
}

func TestOutbound(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		var p struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(Error(CodeTargetNotFound, "no such user"), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.Type != TypeError || p.Code != CodeTargetNotFound || p.Message != "no such user" {
			t.Errorf("got %+v", p)
		}
	})

	t.Run("matched", func(t *testing.T) {
		var p struct {
			Type        string `json:"type"`
			MatchID     string `json:"matchId"`
			PartnerID   string `json:"partnerId"`
			IsInitiator bool   `json:"isInitiator"`
		}
		if err := json.Unmarshal(Matched("m-1", "bob", true), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.Type != TypeMatched || p.MatchID != "m-1" || p.PartnerID != "bob" || !p.IsInitiator {
			t.Errorf("got %+v", p)
		}
	})

	t.Run("user count", func(t *testing.T) {
		var p struct {
			Type    string `json:"type"`
			Count   int    `json:"count"`
			Waiting int    `json:"waiting"`
		}
		if err := json.Unmarshal(UserCount(4, 1), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.Type != TypeUserCount || p.Count != 4 || p.Waiting != 1 {
			t.Errorf("got %+v", p)
		}
	})
}
