package flow

import (
	"slices"
	"sync"
	"time"

	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/schema"
)

// Phase is the dialogue state of a session.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseCollecting      Phase = "collecting"
	PhaseCollectingNotes Phase = "collecting_notes"
	PhaseSubmitting      Phase = "submitting"
)

// Collection is an in-progress slot-filling walk over one table.
type Collection struct {
	Table     schema.Table      `json:"table"`
	Intent    Intent            `json:"intent"`
	Collected map[string]string `json:"collected"`
	// PendingField is the next required field awaited, or "" once all are filled.
	PendingField  string   `json:"pending_field,omitempty"`
	Required      []string `json:"required"`
	Optional      []string `json:"optional"`
	AwaitingNotes bool     `json:"awaiting_notes"`
}

func newCollection(sc schema.Schema, intent Intent) *Collection {
	c := &Collection{
		Table:     sc.Table,
		Intent:    intent,
		Collected: make(map[string]string),
		Required:  sc.RequiredNames(),
		Optional:  sc.OptionalNames(),
	}
	c.PendingField = c.nextMissing()
	return c
}

// nextMissing returns the first required field without a value.
func (c *Collection) nextMissing() string {
	for _, f := range c.Required {
		if _, ok := c.Collected[f]; !ok {
			return f
		}
	}
	return ""
}

func (c *Collection) wantsNotes() bool {
	if !slices.Contains(c.Optional, schema.FieldNotes) {
		return false
	}
	_, answered := c.Collected[schema.FieldNotes]
	return !answered && !c.AwaitingNotes
}

// Session is one user's conversation with the assistant.
//
// The engine assumes a single writer. Front ends serialize turns with
// BeginTurn/EndTurn.
type Session struct {
	ID      string
	ActorID string

	Transcript        []models.Message
	Active            *Collection
	Patients          []models.Patient
	SelectedPatientID string
	Processing        bool
	Conversing        bool
	Open              bool
	GreetingShown     bool

	CreatedAt time.Time
	turn      sync.Mutex
}

// NewSession returns an idle, closed session.
func NewSession(id, actorID string) *Session {
	return &Session{ID: id, ActorID: actorID, CreatedAt: time.Now()}
}

// BeginTurn claims the session for one turn. It reports false if another turn is running.
func (s *Session) BeginTurn() bool { return s.turn.TryLock() }

// WaitTurn blocks until the session is free and claims it.
func (s *Session) WaitTurn() { s.turn.Lock() }

// EndTurn releases a claim taken by BeginTurn or WaitTurn.
func (s *Session) EndTurn() { s.turn.Unlock() }

// Phase derives the dialogue state from the session fields.
func (s *Session) Phase() Phase {
	switch {
	case s.Processing:
		return PhaseSubmitting
	case s.Active == nil:
		return PhaseIdle
	case s.Active.AwaitingNotes:
		return PhaseCollectingNotes
	default:
		return PhaseCollecting
	}
}

// NeedsPatientSelection reports whether more than one owner exists and none is chosen.
func (s *Session) NeedsPatientSelection() bool {
	return len(s.Patients) > 1 && s.SelectedPatientID == ""
}

// OwnerID resolves the record owner for inserts. With one patient it is that
// patient; with none it is the actor's own profile.
func (s *Session) OwnerID() (string, bool) {
	switch {
	case s.SelectedPatientID != "":
		return s.SelectedPatientID, true
	case len(s.Patients) == 1:
		return s.Patients[0].ID, true
	case len(s.Patients) == 0 && s.ActorID != "":
		return s.ActorID, true
	}
	return "", false
}

// CanSend reports whether the UI should accept input.
func (s *Session) CanSend() bool {
	_, owner := s.OwnerID()
	return owner && !s.Processing && !s.Conversing
}

// SetPatients replaces the candidate owners, dropping a selection that is no longer valid.
func (s *Session) SetPatients(ps []models.Patient) {
	s.Patients = slices.Clone(ps)
	if s.SelectedPatientID != "" && s.patient(s.SelectedPatientID) == nil {
		s.SelectedPatientID = ""
	}
}

func (s *Session) patient(id string) *models.Patient {
	for i := range s.Patients {
		if s.Patients[i].ID == id {
			return &s.Patients[i]
		}
	}
	return nil
}

// View is a read-only snapshot of a session for front ends.
type View struct {
	SessionID         string           `json:"session_id"`
	ActorID           string           `json:"actor_id"`
	Transcript        []models.Message `json:"transcript"`
	Collecting        bool             `json:"collecting"`
	Phase             Phase            `json:"phase"`
	Collection        *Collection      `json:"collection,omitempty"`
	Processing        bool             `json:"processing"`
	Patients          []models.Patient `json:"patients"`
	SelectedPatientID string           `json:"selected_patient_id,omitempty"`
	NeedsPatient      bool             `json:"needs_patient"`
	CanSend           bool             `json:"can_send"`
	Open              bool             `json:"open"`
}

// Snapshot copies the session into a View.
func (s *Session) Snapshot() View {
	v := View{
		SessionID:         s.ID,
		ActorID:           s.ActorID,
		Transcript:        slices.Clone(s.Transcript),
		Collecting:        s.Active != nil,
		Phase:             s.Phase(),
		Processing:        s.Processing,
		Patients:          slices.Clone(s.Patients),
		SelectedPatientID: s.SelectedPatientID,
		NeedsPatient:      s.NeedsPatientSelection(),
		CanSend:           s.CanSend(),
		Open:              s.Open,
	}
	if v.Transcript == nil {
		v.Transcript = []models.Message{}
	}
	if v.Patients == nil {
		v.Patients = []models.Patient{}
	}
	if s.Active != nil {
		c := *s.Active
		c.Collected = make(map[string]string, len(s.Active.Collected))
		for k, val := range s.Active.Collected {
			c.Collected[k] = val
		}
		v.Collection = &c
	}
	return v
}
