package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResponseJSONOmitsEmptyMessageID(t *testing.T) {
	b, err := json.Marshal(Response{From: "61400000000", Body: "hi", Time: 1})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if strings.Contains(string(b), "message_id") {
		t.Errorf("expected message_id to be omitted, got %s", b)
	}
}

func TestMessageJSONOmitsEmptyMeta(t *testing.T) {
	b, err := json.Marshal(Message{ID: "m1", Role: RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := raw["meta"]; ok {
		t.Errorf("expected meta to be omitted, got %s", b)
	}
	if raw["role"] != "user" {
		t.Errorf("expected role user, got %v", raw["role"])
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	ok := Success(map[string]string{"a": "b"})
	if ok.Status != string(APIStatusOK) || ok.Result == nil {
		t.Errorf("unexpected success response: %+v", ok)
	}
	msg := SuccessWithMessage("done", nil)
	if msg.Message != "done" || msg.Status != "ok" {
		t.Errorf("unexpected success-with-message response: %+v", msg)
	}
	e := Error("bad")
	if e.Status != "error" || e.Message != "bad" || e.Result != nil {
		t.Errorf("unexpected error response: %+v", e)
	}
}

func TestParseRegion(t *testing.T) {
	tests := []struct {
		in   string
		want Region
		ok   bool
	}{
		{"au", RegionAU, true},
		{" UK ", RegionUK, true},
		{"Us", RegionUS, true},
		{"eu", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseRegion(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRegion(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	if !RegionUK.IsValid() || Region("fr").IsValid() {
		t.Error("IsValid returned unexpected result")
	}
}
