package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/store"
)

// SessionKey is the session id (and actor id) used for a canonical phone number.
func SessionKey(canonical string) string {
	return "sms:" + canonical
}

// InboundClaimTimeout is how long an unfinished inbound claim blocks a
// redelivery of the same message before it is taken over.
const InboundClaimTimeout = 2 * time.Minute

// ChatHandler runs inbound channel messages through the dialogue engine and
// queues every assistant reply for the ReplySender.
type ChatHandler struct {
	engine   *flow.Engine
	sessions *flow.SessionRegistry
	queue    store.ReplyQueue
	svc      Service
	now      func() time.Time
}

func NewChatHandler(engine *flow.Engine, sessions *flow.SessionRegistry, queue store.ReplyQueue, svc Service) *ChatHandler {
	return &ChatHandler{engine: engine, sessions: sessions, queue: queue, svc: svc, now: time.Now}
}

// Run processes inbound messages until ctx is done or the service stops.
func (h *ChatHandler) Run(ctx context.Context) {
	responses := h.svc.Responses()
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-responses:
			if !ok {
				slog.Info("ChatHandler.Run: responses channel closed")
				return
			}
			if err := h.ProcessResponse(ctx, resp); err != nil {
				slog.Error("ChatHandler.Run: failed to process message", "messageID", resp.MessageID, "error", err)
			}
		}
	}
}

// ProcessResponse handles one inbound message. Messages already seen (by
// provider message id) are ignored unless their first handling never finished.
func (h *ChatHandler) ProcessResponse(ctx context.Context, resp models.Response) error {
	from, err := h.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	key := SessionKey(from)

	if resp.MessageID != "" {
		fresh, err := h.queue.ClaimInbound(ctx, resp.MessageID, key, h.now().Add(-InboundClaimTimeout))
		if err != nil {
			return fmt.Errorf("claim inbound: %w", err)
		}
		if !fresh {
			slog.Info("ChatHandler.ProcessResponse: duplicate message ignored", "messageID", resp.MessageID)
			return nil
		}
	}

	s, created := h.sessions.GetOrCreate(key, key)
	s.WaitTurn()
	replies := h.replies(ctx, s, created, resp.Body)
	s.EndTurn()

	for i, body := range replies {
		r := store.Reply{Phone: from, InboundID: resp.MessageID, Seq: i, Body: body}
		if _, err := h.queue.QueueReply(ctx, r); err != nil {
			return fmt.Errorf("queue reply: %w", err)
		}
	}
	if resp.MessageID != "" {
		if err := h.queue.FinishInbound(ctx, resp.MessageID); err != nil {
			slog.Warn("ChatHandler.ProcessResponse: finish inbound failed", "messageID", resp.MessageID, "error", err)
		}
	}
	slog.Debug("ChatHandler.ProcessResponse: replies queued", "sessionID", key, "count", len(replies))
	return nil
}

func (h *ChatHandler) replies(ctx context.Context, s *flow.Session, created bool, text string) []string {
	var out []string
	if created {
		if err := h.engine.LoadPatients(ctx, s); err != nil {
			slog.Warn("ChatHandler.replies: could not load patients", "sessionID", s.ID, "error", err)
		}
		for _, m := range h.engine.Toggle(s) {
			if m.Meta[models.MetaKind] == models.MetaKindGreeting {
				out = append(out, m.Content)
			}
		}
	}

	if s.NeedsPatientSelection() {
		if n, err := strconv.Atoi(strings.TrimSpace(text)); err == nil && n >= 1 && n <= len(s.Patients) {
			p := s.Patients[n-1]
			if err := h.engine.SelectPatient(s, p.ID); err == nil {
				return append(out, fmt.Sprintf("Okay, I'll save records for %s. What would you like to do?", p.Name))
			}
		}
		return append(out, patientMenu(s.Patients))
	}

	msgs, err := h.engine.Submit(ctx, s, text)
	switch {
	case errors.Is(err, models.ErrMessageTooLong):
		return append(out, "That message is too long. Please send something shorter.")
	case err != nil:
		slog.Warn("ChatHandler.replies: submit rejected", "sessionID", s.ID, "error", err)
		return append(out, "Sorry, I couldn't take that message right now. Please try again.")
	}
	for _, m := range msgs {
		if m.Role == models.RoleAssistant {
			out = append(out, m.Content)
		}
	}
	return out
}

func patientMenu(ps []models.Patient) string {
	var b strings.Builder
	b.WriteString("Who are these records for? Reply with a number:")
	for i, p := range ps {
		fmt.Fprintf(&b, "\n%d. %s", i+1, p.Name)
	}
	return b.String()
}
