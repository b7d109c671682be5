package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/reasonhub/reasonhub/internal/agent"
	"github.com/reasonhub/reasonhub/internal/orchestrator"
	"github.com/reasonhub/reasonhub/internal/output"
	"github.com/reasonhub/reasonhub/internal/thinking"
)

// fakeProvider answers every Complete call with a fixed text, matching the
// style of internal/agent's loopTestProvider fake.
type fakeProvider struct {
	text string
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: p.text, Done: true}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return nil }
func (p *fakeProvider) SupportsTools() bool { return false }

func testServer(t *testing.T) *Server {
	t.Helper()
	thinkingLayer := &thinking.Layer{Provider: &fakeProvider{text: "{}"}, Model: "thinking-model"}
	outputLayer := &output.Layer{Provider: &fakeProvider{text: "hello there"}, Model: "output-model"}

	orch, err := orchestrator.New(orchestrator.Config{Thinking: thinkingLayer, Output: outputLayer})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	srv, err := New(Config{Host: "127.0.0.1", Port: 0, Orchestrator: orch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func TestHandleHealthz(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/healthz", nil)
	srv.handleHealthz(w, r)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleProcess_MissingUserTextIsBadRequest(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/process", bytes.NewBufferString(`{}`))
	srv.handleProcess(w, r)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleProcess_WrongMethodIsNotAllowed(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/v1/process", nil)
	srv.handleProcess(w, r)
	if w.Code != 405 {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHandleProcess_RunsTurnEndToEnd(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	body, _ := json.Marshal(processRequest{ConversationID: "conv-1", UserText: "hi there"})
	r := httptest.NewRequest("POST", "/v1/process", bytes.NewBuffer(body))
	srv.handleProcess(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp processResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("expected %q, got %q", "hello there", resp.Text)
	}
}

func TestHandleProcessStream_StreamsEvents(t *testing.T) {
	srv := testServer(t)
	w := httptest.NewRecorder()
	body, _ := json.Marshal(processRequest{ConversationID: "conv-1", UserText: "hi there"})
	r := httptest.NewRequest("POST", "/v1/process/stream", bytes.NewBuffer(body))
	srv.handleProcessStream(w, r)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	dec := json.NewDecoder(bytes.NewReader(w.Body.Bytes()))
	sawDone := false
	for dec.More() {
		var ev streamEventDTO
		if err := dec.Decode(&ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Done {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatal("expected a terminal done event")
	}
}
