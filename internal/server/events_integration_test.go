package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/vellumnotes/vellum/internal/authority"
)

func TestSyncEventsStreamAnnouncesPushes(t *testing.T) {
	env := newTestEnvironment(t)
	listenerToken := env.issueToken(t, "owner-1", "device-b")
	pusherToken := env.issueToken(t, "owner-1", "device-a")

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+"/sync/events?access_token="+listenerToken, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResponse, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResponse.Body.Close()
	})
	if streamResponse.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResponse.StatusCode)
	}
	if contentType := streamResponse.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	// The SSE handshake races the push; give the subscriber a moment to
	// register before producing the event it should observe.
	time.Sleep(50 * time.Millisecond)

	push := authority.SyncRequest{
		Operations: []authority.WireOperation{
			noteCreatedWire(t, "op-1", "owner-1", "device-a", "note-1", "hello", 0, 1700000100),
		},
	}
	if status, _ := env.postSync(t, pusherToken, push); status != http.StatusOK {
		t.Fatalf("push failed with status %d", status)
	}

	type eventPayload struct {
		LatestSeq    int64  `json:"latestSeq"`
		SourceDevice string `json:"sourceDevice"`
	}

	streamReader := bufio.NewReader(streamResponse.Body)
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for sync event")
		case result := <-resultCh:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			if currentEventType != SyncEventActivity {
				continue
			}
			dataJSON := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var payload eventPayload
			if err := json.Unmarshal([]byte(dataJSON), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.LatestSeq != 1 {
				t.Fatalf("expected latest sequence 1, got %d", payload.LatestSeq)
			}
			if payload.SourceDevice != "device-a" {
				t.Fatalf("expected source device device-a, got %s", payload.SourceDevice)
			}
			return
		}
	}
}
