// Package testutil provides common test utilities and helpers for ConciergePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ConciergePipe/internal/api"
	"github.com/BTreeMap/ConciergePipe/internal/flow"
	"github.com/BTreeMap/ConciergePipe/internal/genai"
	"github.com/BTreeMap/ConciergePipe/internal/messaging"
	"github.com/BTreeMap/ConciergePipe/internal/selftest"
	"github.com/BTreeMap/ConciergePipe/internal/store"
	"github.com/BTreeMap/ConciergePipe/internal/whatsapp"
)

// CannedGenerator satisfies the dispatcher's generator interface with a fixed
// reply, so tests never reach a live completion API.
type CannedGenerator struct {
	Text  string
	Err   error
	Calls int
}

// Generate returns the canned text or error.
func (g *CannedGenerator) Generate(ctx context.Context, prompt string, opts genai.GenerateOptions) (string, error) {
	g.Calls++
	if g.Err != nil {
		return "", g.Err
	}
	if g.Text == "" {
		return "canned result", nil
	}
	return g.Text, nil
}

// TestServer bundles a fully wired API server with the in-memory dependencies
// behind it, so tests can both drive the HTTP surface and inspect state.
type TestServer struct {
	Server    *api.Server
	Store     *store.InMemoryStore
	Engine    *flow.Engine
	Generator *CannedGenerator
	WhatsApp  *whatsapp.MockClient
}

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across multiple test files.
func NewTestServer() *TestServer {
	st := store.NewInMemoryStore()
	mock := whatsapp.NewMockClient()
	msgService := messaging.NewWhatsAppService(mock)

	catalog := flow.NewCatalog()
	turns := flow.NewTurnProcessor(catalog)
	generator := &CannedGenerator{}
	dispatcher := flow.NewDispatcher(generator, st, st)
	engine := flow.NewEngine(turns, dispatcher, st, st, st)
	runner := selftest.NewRunner(st, st)

	server := api.NewServer(msgService, engine, st, st, runner)
	return &TestServer{
		Server:    server,
		Store:     st,
		Engine:    engine,
		Generator: generator,
		WhatsApp:  mock,
	}
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
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
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
