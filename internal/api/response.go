package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/models"
)

// internalErrorBody is sent when a response value cannot be encoded.
var internalErrorBody = sync.OnceValue(func() []byte {
	b, _ := json.Marshal(models.Error("Internal server error"))
	return b
})

// writeJSONResponse encodes response before touching headers, so a value that
// cannot be encoded still produces a well-formed 500. Chat text is written
// unescaped; users type "<", ">" and "&" in symptom notes.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(response); err != nil {
		slog.Error("Server.writeJSONResponse: failed to encode response", "status", statusCode, "error", err)
		buf.Reset()
		buf.Write(internalErrorBody())
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("Server.writeJSONResponse: client went away", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into v. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeDecodeError answers a request whose body decodeJSON rejected.
func writeDecodeError(w http.ResponseWriter, handler string, err error) {
	slog.Warn("Server."+handler+": failed to decode JSON", "error", err)
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
		return
	}
	writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
}

// statusForError maps engine errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyMessage), errors.Is(err, models.ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrOwnerRequired), errors.Is(err, flow.ErrSessionBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
