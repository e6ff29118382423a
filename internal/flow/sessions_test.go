package flow

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/schema"
)

func TestSessionRegistry(t *testing.T) {
	r, err := NewSessionRegistry(2)
	if err != nil {
		t.Fatalf("NewSessionRegistry: %v", err)
	}
	a := r.Create("user-a")
	if !strings.HasPrefix(a.ID, "s_") {
		t.Errorf("session id = %q", a.ID)
	}
	b, created := r.GetOrCreate("sms:61400000000", "sms:61400000000")
	if !created {
		t.Error("expected new session")
	}
	if again, created := r.GetOrCreate(b.ID, "ignored"); created || again != b {
		t.Error("GetOrCreate should return the existing session")
	}

	// a is least recently used
	r.Create("user-c")
	if _, err := r.Get(a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(evicted) err = %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	r.Remove(b.ID)
	if _, err := r.Get(b.ID); err == nil {
		t.Error("removed session still present")
	}
}

func TestSession_PhaseAndOwner(t *testing.T) {
	s := NewSession("s1", "")
	if _, ok := s.OwnerID(); ok {
		t.Error("anonymous session with no patients should have no owner")
	}
	s.ActorID = "u1"
	if owner, ok := s.OwnerID(); !ok || owner != "u1" {
		t.Errorf("owner = %q, %v", owner, ok)
	}
	s.SetPatients([]models.Patient{{ID: "p1"}})
	if owner, _ := s.OwnerID(); owner != "p1" {
		t.Errorf("single patient owner = %q", owner)
	}

	s.Active = newCollection(schema.MustSchemaFor(schema.Symptoms), IntentAddSymptom)
	if s.Phase() != PhaseCollecting || s.Active.PendingField != "description" {
		t.Errorf("phase = %s pending = %q", s.Phase(), s.Active.PendingField)
	}
	s.Active.AwaitingNotes = true
	if s.Phase() != PhaseCollectingNotes {
		t.Errorf("phase = %s", s.Phase())
	}
	s.Processing = true
	if s.Phase() != PhaseSubmitting || s.CanSend() {
		t.Errorf("phase = %s canSend = %v", s.Phase(), s.CanSend())
	}
}

func TestSession_Snapshot(t *testing.T) {
	s := NewSession("s1", "u1")
	s.Active = newCollection(schema.MustSchemaFor(schema.Symptoms), IntentAddSymptom)
	s.Active.Collected["description"] = "Headache"

	v := s.Snapshot()
	v.Collection.Collected["description"] = "changed"
	if s.Active.Collected["description"] != "Headache" {
		t.Error("snapshot shares collection map with session")
	}
	if v.Transcript == nil || v.Patients == nil || !v.Collecting || !v.CanSend {
		t.Errorf("view = %+v", v)
	}
}

func TestSession_BeginTurn(t *testing.T) {
	s := NewSession("s1", "u1")
	if !s.BeginTurn() {
		t.Fatal("first BeginTurn failed")
	}
	if s.BeginTurn() {
		t.Fatal("second BeginTurn should fail while held")
	}
	done := make(chan struct{})
	go func() {
		s.WaitTurn()
		s.EndTurn()
		close(done)
	}()
	s.EndTurn()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitTurn did not acquire after EndTurn")
	}
}
