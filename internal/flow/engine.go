// Package flow implements Meeka's slot-filling dialogue engine.
//
// A session is idle until a message names a record type. The engine then asks
// for each required field in order, offers an optional notes prompt, coerces
// the answers and inserts one record through the current region's store.
// Messages that match no record type go to the AI completer with a digest of
// recent records. Every finished interaction is written to the event log.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BTreeMap/meeka/internal/backend"
	"github.com/BTreeMap/meeka/internal/eventlog"
	"github.com/BTreeMap/meeka/internal/genai"
	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/schema"
	"github.com/BTreeMap/meeka/internal/util"
)

// DefaultRefreshDelay is the wait between a successful insert and the data-updated signal.
const DefaultRefreshDelay = 500 * time.Millisecond

// historyLimit caps how many transcript messages are sent to the completer.
const historyLimit = 20

// Confidence values recorded with events. Keyword matches are deterministic.
const (
	formConfidence = 1.0
	chatConfidence = 0.0
)

var (
	// ErrSessionBusy is returned while an insert or completion is in flight.
	ErrSessionBusy = errors.New("session is busy")
	// ErrOwnerRequired is returned when several patients exist and none is selected.
	ErrOwnerRequired = errors.New("select a patient before sending")
	// ErrUnknownPatient is returned by SelectPatient for an id not in the session's list.
	ErrUnknownPatient = errors.New("unknown patient")
)

// ClientSource yields the current region's store handle.
type ClientSource interface {
	GetClient(ctx context.Context) (*backend.Handle, error)
}

// Engine drives sessions. It holds no per-session state and is safe to share.
type Engine struct {
	clients      ClientSource
	completer    genai.Completer
	events       *eventlog.Log
	broadcaster  *Broadcaster
	timer        Timer
	refreshDelay time.Duration
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithCompleter(c genai.Completer) Option {
	return func(e *Engine) { e.completer = c }
}

func WithEventLog(l *eventlog.Log) Option {
	return func(e *Engine) { e.events = l }
}

func WithBroadcaster(b *Broadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

func WithTimer(t Timer) Option {
	return func(e *Engine) { e.timer = t }
}

func WithRefreshDelay(d time.Duration) Option {
	return func(e *Engine) { e.refreshDelay = d }
}

// WithClock overrides the time source used for defaults such as "today".
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine writing through clients.
func NewEngine(clients ClientSource, opts ...Option) *Engine {
	e := &Engine{
		clients:      clients,
		refreshDelay: DefaultRefreshDelay,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = eventlog.New(clients)
	}
	if e.timer == nil {
		e.timer = NewSimpleTimer()
	}
	return e
}

// Submit handles one user message and returns the messages it appended to the transcript.
//
// A rejected message (empty, too long, busy session, unresolved owner) leaves
// the session untouched.
func (e *Engine) Submit(ctx context.Context, s *Session, text string) ([]models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.ErrEmptyMessage
	}
	if len(text) > models.MaxMessageLength {
		return nil, models.ErrMessageTooLong
	}
	if s.Processing || s.Conversing {
		return nil, ErrSessionBusy
	}
	if _, ok := s.OwnerID(); !ok {
		return nil, ErrOwnerRequired
	}

	start := len(s.Transcript)
	e.appendMessage(s, models.RoleUser, text, nil)

	switch c := s.Active; {
	case c == nil:
		if table, ok := DetectIntent(text); ok {
			e.startCollection(s, table)
		} else {
			e.converse(ctx, s)
		}
	case c.AwaitingNotes:
		if !IsNotesDecline(text) {
			c.Collected[schema.FieldNotes] = text
		}
		c.AwaitingNotes = false
		e.submitCollection(ctx, s)
	default:
		c.Collected[c.PendingField] = text
		e.advance(ctx, s)
	}
	return slices.Clone(s.Transcript[start:]), nil
}

func (e *Engine) startCollection(s *Session, table schema.Table) {
	sc := schema.MustSchemaFor(table)
	s.Active = newCollection(sc, IntentForTable(table))
	slog.Debug("Engine.startCollection: collecting", "sessionID", s.ID, "table", table)
	e.appendMessage(s, models.RoleAssistant, introFor(table)+" "+FieldPrompt(table, s.Active.PendingField), map[string]any{
		models.MetaTable: string(table),
	})
}

func (e *Engine) advance(ctx context.Context, s *Session) {
	c := s.Active
	c.PendingField = c.nextMissing()
	switch {
	case c.PendingField != "":
		e.appendMessage(s, models.RoleAssistant, FieldPrompt(c.Table, c.PendingField), map[string]any{
			models.MetaTable: string(c.Table),
		})
	case c.wantsNotes():
		c.AwaitingNotes = true
		e.appendMessage(s, models.RoleAssistant, NotesPrompt(c.Table), map[string]any{
			models.MetaTable: string(c.Table),
		})
	default:
		e.submitCollection(ctx, s)
	}
}

// submitCollection inserts the active collection. The processing placeholder
// is replaced in place by the outcome message.
func (e *Engine) submitCollection(ctx context.Context, s *Session) {
	c := s.Active
	s.Active = nil
	s.Processing = true
	defer func() { s.Processing = false }()

	idx := len(s.Transcript)
	e.appendMessage(s, models.RoleAssistant, processingMessage, map[string]any{
		models.MetaKind:  models.MetaKindProcessing,
		models.MetaTable: string(c.Table),
	})

	owner, _ := s.OwnerID()
	id, fields, h, err := e.insert(ctx, c, owner)

	msg := s.Transcript[idx]
	msg.Meta = map[string]any{models.MetaKind: models.MetaKindResult, models.MetaTable: string(c.Table)}
	entry := eventlog.Entry{
		Intent:     string(c.Intent),
		Confidence: formConfidence,
		Route:      models.RouteForm,
		Meta:       map[string]any{"table": string(c.Table), "patient_id": owner},
	}
	if err != nil {
		slog.Warn("Engine.submitCollection: insert failed", "sessionID", s.ID, "table", c.Table, "error", err)
		msg.Content = failureMessage(c.Table, err)
		msg.Meta[models.MetaError] = err.Error()
		entry.Result = models.EventResultError
		entry.Meta["error"] = err.Error()
	} else {
		slog.Info("Engine.submitCollection: record inserted", "sessionID", s.ID, "table", c.Table, "recordID", id)
		msg.Content = successMessage(c.Table, fields)
		msg.Meta[models.MetaRecordID] = id
		entry.Result = models.EventResultSuccess
		entry.Meta["record_id"] = id
		e.scheduleRefresh(ctx, h, c.Table, owner)
	}
	s.Transcript[idx] = msg
	e.events.Record(ctx, s.ActorID, entry)
}

func (e *Engine) insert(ctx context.Context, c *Collection, owner string) (id string, fields map[string]any, h *backend.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected error: %v", r)
		}
	}()
	sc, err := schema.SchemaFor(c.Table)
	if err != nil {
		return "", nil, nil, err
	}
	fields, err = Coerce(sc, c.Collected, e.now())
	if err != nil {
		return "", nil, nil, err
	}
	h, err = e.clients.GetClient(ctx)
	if err != nil {
		return "", nil, nil, err
	}
	id, err = h.Store.Insert(ctx, c.Table, owner, fields)
	if err != nil {
		return "", nil, nil, err
	}
	return id, fields, h, nil
}

func (e *Engine) scheduleRefresh(ctx context.Context, h *backend.Handle, table schema.Table, owner string) {
	if e.broadcaster == nil {
		return
	}
	u := Update{Table: table, OwnerID: owner, Region: h.Region}
	_, err := e.timer.ScheduleAfter(e.refreshDelay, func() {
		u.At = e.now()
		e.broadcaster.Announce(ctx, h.Store, u)
	})
	if err != nil {
		slog.Warn("Engine.scheduleRefresh: schedule failed", "table", table, "error", err)
	}
}

// converse answers free text through Converse and logs the outcome.
func (e *Engine) converse(ctx context.Context, s *Session) {
	s.Conversing = true
	defer func() { s.Conversing = false }()

	owner, _ := s.OwnerID()
	digest := ""
	if h, err := e.clients.GetClient(ctx); err != nil {
		slog.Debug("Engine.converse: no client for digest", "error", err)
	} else {
		digest = BuildDigest(ctx, h.Store, s)
	}

	reply, result := e.Converse(ctx, s.Transcript, digest)
	e.appendMessage(s, models.RoleAssistant, reply, nil)
	e.events.Record(ctx, s.ActorID, eventlog.Entry{
		Intent:     string(IntentChat),
		Confidence: chatConfidence,
		Route:      models.RouteAI,
		Result:     result,
		Meta:       map[string]any{"patient_id": owner},
	})
}

// Converse asks the completer for a reply to transcript, with digest appended
// to the system preamble. It never fails: a service error or a blank answer
// yields FallbackReply with EventResultFallback.
func (e *Engine) Converse(ctx context.Context, transcript []models.Message, digest string) (string, models.EventResult) {
	preamble := SystemPreamble
	if digest != "" {
		preamble += "\n\nThe person's records:\n" + digest
	}
	out, err := e.complete(ctx, history(transcript), preamble)
	if err != nil {
		slog.Warn("Engine.Converse: completion failed", "error", err)
		return FallbackReply, models.EventResultFallback
	}
	if out = strings.TrimSpace(out); out == "" {
		return FallbackReply, models.EventResultFallback
	}
	return out, models.EventResultSuccess
}

func (e *Engine) complete(ctx context.Context, msgs []genai.Message, preamble string) (out string, err error) {
	if e.completer == nil {
		return "", errors.New("no completer configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("completer panic: %v", r)
		}
	}()
	return e.completer.Complete(ctx, msgs, preamble)
}

// history converts the transcript tail into completer messages, skipping placeholders.
func history(transcript []models.Message) []genai.Message {
	out := make([]genai.Message, 0, historyLimit)
	for _, m := range transcript {
		if m.Meta[models.MetaKind] == models.MetaKindProcessing || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, genai.Message{Role: m.Role, Content: m.Content})
	}
	if len(out) > historyLimit {
		out = out[len(out)-historyLimit:]
	}
	return out
}

// Toggle opens or closes the assistant panel. Opening shows the greeting once
// per open; closing abandons any in-progress collection.
func (e *Engine) Toggle(s *Session) []models.Message {
	if s.Open {
		s.Open = false
		s.GreetingShown = false
		s.Active = nil
		return nil
	}
	s.Open = true
	if s.GreetingShown {
		return nil
	}
	s.GreetingShown = true
	start := len(s.Transcript)
	e.appendMessage(s, models.RoleAssistant, Greeting, map[string]any{
		models.MetaKind:           models.MetaKindGreeting,
		models.MetaExamplePrompts: slices.Clone(ExamplePrompts),
	})
	if s.NeedsPatientSelection() {
		e.appendMessage(s, models.RoleAssistant, selectPatientMessage, map[string]any{
			models.MetaKind:     models.MetaKindPatientPick,
			models.MetaPatients: slices.Clone(s.Patients),
		})
	}
	return slices.Clone(s.Transcript[start:])
}

// SelectPatient chooses the owner for subsequent inserts.
func (e *Engine) SelectPatient(s *Session, patientID string) error {
	if s.patient(patientID) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPatient, patientID)
	}
	s.SelectedPatientID = patientID
	return nil
}

// LoadPatients refreshes the session's candidate owners from the actor's profiles.
func (e *Engine) LoadPatients(ctx context.Context, s *Session) error {
	h, err := e.clients.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	ps, err := h.Store.ListProfiles(ctx, s.ActorID)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}
	s.SetPatients(ps)
	return nil
}

// RecentEvents returns the actor's latest events, newest first.
func (e *Engine) RecentEvents(ctx context.Context, s *Session) []models.RecentEvent {
	return e.events.Recent(ctx, s.ActorID, eventlog.DefaultRecentLimit)
}

// Replay re-runs a recent event by submitting its canonical phrase.
// Any in-progress collection is abandoned first.
func (e *Engine) Replay(ctx context.Context, s *Session, ev models.RecentEvent) ([]models.Message, error) {
	if s.Processing || s.Conversing {
		return nil, ErrSessionBusy
	}
	if _, ok := s.OwnerID(); !ok {
		return nil, ErrOwnerRequired
	}
	s.Active = nil
	return e.Submit(ctx, s, ReplayPhrase(ev.Intent))
}

func (e *Engine) appendMessage(s *Session, role models.Role, content string, meta map[string]any) {
	s.Transcript = append(s.Transcript, models.Message{
		ID:        util.GenerateMessageID(),
		Role:      role,
		Content:   content,
		Meta:      meta,
		CreatedAt: e.now(),
	})
}
