package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/models"
)

func TestWriteJSONResponse_KeepsChatTextReadable(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(map[string]string{"content": "pain <3 & rising"}))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"pain <3 & rising"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestWriteJSONResponse_UnencodableValue(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(map[string]any{"bad": make(chan int)}))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Internal server error") {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestWriteDecodeError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"actor_id":`, http.StatusBadRequest},
		{"too large", `{"actor_id":"` + strings.Repeat("a", maxBodyBytes) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(tt.body))
			var v createSessionRequest
			err := decodeJSON(rr, req, &v)
			if err == nil {
				t.Fatal("decodeJSON accepted the body")
			}
			writeDecodeError(rr, "test", err)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("submit: %w", models.ErrMessageTooLong), http.StatusBadRequest},
		{flow.ErrOwnerRequired, http.StatusConflict},
		{flow.ErrSessionBusy, http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
