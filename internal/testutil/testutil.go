// Package testutil provides common test utilities and helpers for Meeka tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/meeka/internal/api"
	"github.com/BTreeMap/meeka/internal/backend"
	"github.com/BTreeMap/meeka/internal/flow"
	"github.com/BTreeMap/meeka/internal/kv"
	"github.com/BTreeMap/meeka/internal/messaging"
	"github.com/BTreeMap/meeka/internal/models"
	"github.com/BTreeMap/meeka/internal/region"
	"github.com/BTreeMap/meeka/internal/schema"
	"github.com/BTreeMap/meeka/internal/store"
	"github.com/BTreeMap/meeka/internal/twilioclient"
)

// keepOpen stops the backend cache from closing a shared test store on region switches.
type keepOpen struct {
	*store.InMemoryStore
}

func (keepOpen) Close() error { return nil }

// TestEnv is a fully wired in-memory server.
type TestEnv struct {
	Server      *api.Server
	Handler     http.Handler
	Engine      *flow.Engine
	Sessions    *flow.SessionRegistry
	Regions     *region.Resolver
	Clients     *backend.Cache
	Broadcaster *flow.Broadcaster
	Twilio      *messaging.TwilioService
	TwilioMock  *twilioclient.MockClient
	// Stores holds one record store per region.
	Stores map[models.Region]*store.InMemoryStore
}

// NewTestEnv creates an API server with in-memory dependencies. The region
// resolves to au through the timezone step unless a preference is set.
func NewTestEnv(t *testing.T, opts ...flow.Option) *TestEnv {
	t.Helper()
	env := &TestEnv{Stores: make(map[models.Region]*store.InMemoryStore)}
	configs := backend.Configs{}
	for _, r := range models.AllRegions() {
		env.Stores[r] = store.NewInMemoryStore()
		configs[r] = backend.RegionConfig{Region: r, URL: "memory:", Key: "test-" + string(r)}
	}
	if err := backend.ValidateRegions(configs); err != nil {
		t.Fatalf("ValidateRegions: %v", err)
	}

	env.Regions = region.NewResolver(kv.NewMemoryStore(), region.WithTimezone("Australia/Sydney"))
	env.Clients = backend.NewCache(env.Regions, configs,
		backend.WithRetireGrace(0),
		backend.WithFactory(func(_ context.Context, cfg backend.RegionConfig) (store.Store, error) {
			return keepOpen{env.Stores[cfg.Region]}, nil
		}),
	)
	t.Cleanup(func() { _ = env.Clients.Close() })

	env.Broadcaster = flow.NewBroadcaster()
	timer := flow.NewSimpleTimer()
	t.Cleanup(timer.Stop)
	base := []flow.Option{flow.WithBroadcaster(env.Broadcaster), flow.WithTimer(timer)}
	env.Engine = flow.NewEngine(env.Clients, append(base, opts...)...)

	sessions, err := flow.NewSessionRegistry(64)
	if err != nil {
		t.Fatalf("NewSessionRegistry: %v", err)
	}
	env.Sessions = sessions

	env.TwilioMock = twilioclient.NewMockClient()
	env.Twilio = messaging.NewTwilioService(env.TwilioMock)
	t.Cleanup(func() { _ = env.Twilio.Stop() })

	env.Server = api.NewServer(env.Engine, env.Sessions,
		api.WithRegions(env.Regions),
		api.WithBroadcaster(env.Broadcaster),
		api.WithTwilioWebhook(http.HandlerFunc(env.Twilio.WebhookHandler)),
	)
	env.Handler = env.Server.Handler()
	return env
}

// Do sends req through the env's handler.
func (e *TestEnv) Do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.Handler.ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// AssertRecordCount checks how many rows of table belong to ownerID.
func AssertRecordCount(t *testing.T, st store.RecordStore, table schema.Table, ownerID string, expected int, label string) {
	t.Helper()
	recs, err := st.Query(context.Background(), table, store.Filter{OwnerID: ownerID})
	if err != nil {
		t.Fatalf("%s: failed to query %s: %v", label, table, err)
	}
	if len(recs) != expected {
		t.Errorf("%s: expected %d %s records, got %d", label, expected, table, len(recs))
	}
}

// SeedPatients saves profiles for userID in st, oldest first.
func SeedPatients(t *testing.T, st store.ProfileStore, userID string, names ...string) []models.Patient {
	t.Helper()
	out := make([]models.Patient, 0, len(names))
	for i, name := range names {
		p := models.Patient{ID: "p" + string(rune('1'+i)), UserID: userID, Name: name}
		if err := st.SaveProfile(context.Background(), p); err != nil {
			t.Fatalf("failed to seed patient %s: %v", name, err)
		}
		out = append(out, p)
	}
	return out
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
