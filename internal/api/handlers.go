package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/models"
)

type createSessionRequest struct {
	ActorID string `json:"actor_id"`
}

type submitRequest struct {
	Text string `json:"text"`
}

type selectPatientRequest struct {
	PatientID string `json:"patient_id"`
}

type replayRequest struct {
	EventID string `json:"event_id,omitempty"`
	Intent  string `json:"intent,omitempty"`
}

type regionRequest struct {
	Region string `json:"region"`
}

// sessionResponse is a session view plus the recent-actions list.
type sessionResponse struct {
	flow.View
	RecentEvents []models.RecentEvent `json:"recent_events"`
}

type turnResponse struct {
	Messages []models.Message `json:"messages"`
	Session  sessionResponse  `json:"session"`
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, "createSessionHandler", err)
		return
	}
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.ActorID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("actor_id is required"))
		return
	}

	sess := s.sessions.Create(req.ActorID)
	sess.WaitTurn()
	defer sess.EndTurn()
	if err := s.engine.LoadPatients(r.Context(), sess); err != nil {
		slog.Warn("Server.createSessionHandler: patients not loaded", "sessionID", sess.ID, "error", err)
	}
	slog.Info("Server.createSessionHandler: session created", "sessionID", sess.ID, "actorID", req.ActorID)
	writeJSONResponse(w, http.StatusCreated, models.Success(s.sessionView(r, sess)))
}

// lookupSession resolves {id} or writes a 404.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*flow.Session, bool) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error(fmt.Sprintf("session %q not found", id)))
		return nil, false
	}
	return sess, true
}

// claimSession looks up {id} and takes its turn, writing 409 if another turn is running.
func (s *Server) claimSession(w http.ResponseWriter, r *http.Request) (*flow.Session, bool) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return nil, false
	}
	if !sess.BeginTurn() {
		writeJSONResponse(w, http.StatusConflict, models.Error(flow.ErrSessionBusy.Error()))
		return nil, false
	}
	return sess, true
}

func (s *Server) sessionView(r *http.Request, sess *flow.Session) sessionResponse {
	return sessionResponse{
		View:         sess.Snapshot(),
		RecentEvents: s.engine.RecentEvents(r.Context(), sess),
	}
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if !sess.BeginTurn() {
		// A turn is in flight; report it without touching session state.
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
			"session_id": sess.ID,
			"processing": true,
			"can_send":   false,
		}))
		return
	}
	defer sess.EndTurn()
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessionView(r, sess)))
}

func (s *Server) submitMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, "submitMessageHandler", err)
		return
	}
	sess, ok := s.claimSession(w, r)
	if !ok {
		return
	}
	defer sess.EndTurn()

	msgs, err := s.engine.Submit(r.Context(), sess, req.Text)
	if err != nil {
		s.writeTurnError(w, sess, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turnResponse{Messages: msgs, Session: s.sessionView(r, sess)}))
}

func (s *Server) writeTurnError(w http.ResponseWriter, sess *flow.Session, err error) {
	status := statusForError(err)
	slog.Warn("Server.writeTurnError: turn rejected", "sessionID", sess.ID, "status", status, "error", err)
	writeJSONResponse(w, status, models.Error(err.Error()))
}

func (s *Server) toggleHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.claimSession(w, r)
	if !ok {
		return
	}
	defer sess.EndTurn()
	msgs := s.engine.Toggle(sess)
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turnResponse{Messages: msgs, Session: s.sessionView(r, sess)}))
}

func (s *Server) selectPatientHandler(w http.ResponseWriter, r *http.Request) {
	var req selectPatientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, "selectPatientHandler", err)
		return
	}
	sess, ok := s.claimSession(w, r)
	if !ok {
		return
	}
	defer sess.EndTurn()
	if err := s.engine.SelectPatient(sess, req.PatientID); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessionView(r, sess)))
}

func (s *Server) replayHandler(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, "replayHandler", err)
		return
	}
	sess, ok := s.claimSession(w, r)
	if !ok {
		return
	}
	defer sess.EndTurn()

	ev := models.RecentEvent{Intent: req.Intent}
	if req.EventID != "" {
		found := false
		for _, e := range s.engine.RecentEvents(r.Context(), sess) {
			if e.ID == req.EventID {
				ev, found = e, true
				break
			}
		}
		if !found {
			writeJSONResponse(w, http.StatusNotFound, models.Error("event not found in recent actions"))
			return
		}
	}
	if ev.Intent == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("event_id or intent is required"))
		return
	}

	msgs, err := s.engine.Replay(r.Context(), sess, ev)
	if err != nil {
		s.writeTurnError(w, sess, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(turnResponse{Messages: msgs, Session: s.sessionView(r, sess)}))
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.RecentEvents(r.Context(), sess)))
}

// updatesHandler streams data-updated notifications as server-sent events.
// ?table= and ?owner_id= narrow the stream.
func (s *Server) updatesHandler(w http.ResponseWriter, r *http.Request) {
	if s.updates == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("updates are not enabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("streaming unsupported"))
		return
	}
	table := r.URL.Query().Get("table")
	owner := r.URL.Query().Get("owner_id")

	ch, cancel := s.updates.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case u, ok := <-ch:
			if !ok {
				return
			}
			if (table != "" && string(u.Table) != table) || (owner != "" && u.OwnerID != owner) {
				continue
			}
			data, err := json.Marshal(u)
			if err != nil {
				slog.Debug("Server.updatesHandler: encode failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: data_updated\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) getRegionHandler(w http.ResponseWriter, r *http.Request) {
	if s.regions == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("region resolver not configured"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.regions.Lookup(r.Context())))
}

func (s *Server) putRegionHandler(w http.ResponseWriter, r *http.Request) {
	if s.regions == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("region resolver not configured"))
		return
	}
	var req regionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, "putRegionHandler", err)
		return
	}
	reg, ok := models.ParseRegion(req.Region)
	if !ok {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unknown region %q", req.Region)))
		return
	}
	if err := s.regions.SetPreference(r.Context(), reg); err != nil {
		slog.Error("Server.putRegionHandler: failed to store preference", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store region preference"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Region preference saved", s.regions.Lookup(r.Context())))
}

func (s *Server) deleteRegionHandler(w http.ResponseWriter, r *http.Request) {
	if s.regions == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("region resolver not configured"))
		return
	}
	if err := s.regions.ClearPreference(r.Context()); err != nil {
		slog.Error("Server.deleteRegionHandler: failed to clear preference", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear region preference"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Region preference cleared", s.regions.Lookup(r.Context())))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"sessions":  s.sessions.Len(),
	}
	if s.regions != nil {
		healthData["region"] = s.regions.Lookup(r.Context()).Region
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
