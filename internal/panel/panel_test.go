package panel

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/definitelycarter/fuschia/internal/streaming"
)

func TestSSEGlobalStreamsPublishedEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	srv := New(Deps{Hub: hub})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sse/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	time.Sleep(20 * time.Millisecond) // let the handler reach Subscribe

	if err := hub.Publish(context.Background(), streaming.StreamEvent{
		WorkflowID: "wf-1",
		EventType:  "invocation.started",
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read sse line: %v", err)
	}
	if !strings.HasPrefix(line, "event: invocation.started") {
		t.Fatalf("unexpected sse frame: %q", line)
	}
}

func TestSSEWorkflowFiltersByID(t *testing.T) {
	hub := streaming.NewMemoryHub()
	srv := New(Deps{Hub: hub})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/sse/workflows/wf-match", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	time.Sleep(20 * time.Millisecond)

	_ = hub.Publish(context.Background(), streaming.StreamEvent{WorkflowID: "wf-other", EventType: "node.started"})
	_ = hub.Publish(context.Background(), streaming.StreamEvent{WorkflowID: "wf-match", EventType: "node.finished"})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read sse line: %v", err)
	}
	if !strings.Contains(line, "node.finished") {
		t.Fatalf("expected filtered event, got %q", line)
	}
}

func TestListExecutionsWithoutSinkReturnsNotFound(t *testing.T) {
	srv := New(Deps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/executions?workflow_id=wf-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSSEWithoutHubReturnsServiceUnavailable(t *testing.T) {
	srv := New(Deps{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sse/events")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
