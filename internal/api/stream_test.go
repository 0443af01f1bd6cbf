package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scriptflow/internal/bus"
)

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds("executionCompleted, executionFailed")
	if err != nil {
		t.Fatalf("parseKinds: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != bus.ExecutionCompleted {
		t.Errorf("got %v", kinds)
	}

	if kinds, err := parseKinds(""); err != nil || kinds != nil {
		t.Errorf("empty parse = (%v, %v)", kinds, err)
	}

	if _, err := parseKinds("nonsense"); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestHandleSSEStreamsEvents(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	es := NewEventStream(b)

	srv := httptest.NewServer(http.HandlerFunc(es.HandleSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?kinds=executionCompleted")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.Event{Kind: bus.ExecutionCreated, ExecutionID: "e1"})
	b.Publish(bus.Event{Kind: bus.ExecutionCompleted, ExecutionID: "e1"})

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(5 * time.Second)

	var eventLine, dataLine string
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}

	if eventLine != "event: executionCompleted" {
		t.Errorf("event line = %q", eventLine)
	}

	var ev bus.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
		t.Fatalf("decoding data line: %v", err)
	}
	if ev.Kind != bus.ExecutionCompleted || ev.ExecutionID != "e1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandleSSERejectsUnknownKind(t *testing.T) {
	es := NewEventStream(bus.New(8))

	req := httptest.NewRequest(http.MethodGet, "/events?kinds=bogus", nil)
	rec := httptest.NewRecorder()
	es.HandleSSE(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSSEExecutionFilter(t *testing.T) {
	b := bus.New(64)
	defer b.Close()
	es := NewEventStream(b)

	srv := httptest.NewServer(http.HandlerFunc(es.HandleSSE))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?execution_id=e2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.Event{Kind: bus.ExecutionCreated, ExecutionID: "e1"})
	b.Publish(bus.Event{Kind: bus.ExecutionCreated, ExecutionID: "e2"})

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var ev bus.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if ev.ExecutionID != "e2" {
				t.Errorf("received event for %s, want only e2", ev.ExecutionID)
			}
			return
		}
	}
}
