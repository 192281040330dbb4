package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/pkg/models"
)

const streamChunkBody = `{"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"hi"}}]}`

// sseServer streams completion chunks until the request is torn down.
func sseServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprintf(w, "data: %s\n\n", streamChunkBody)
			fl.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
}

func TestNewHonorsBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"routed"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	res, err := client.GenerateResponse(context.Background(), &llm.Request{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message == nil || res.Message.Content != "routed" {
		t.Fatalf("response = %+v, want content from the configured endpoint", res.Message)
	}
}

func TestPumpExitsWhenStreamAbandoned(t *testing.T) {
	srv := sseServer(t)
	defer srv.Close()

	client := New(Config{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := client.GenerateResponse(ctx, &llm.Request{
		Model:    "gpt-4o",
		Stream:   true,
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Read one chunk, then walk away the way a cancelled run does.
	select {
	case chunk := <-res.Stream:
		if chunk.Text == "" {
			t.Fatalf("first chunk = %+v, want text", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk arrived")
	}
	cancel()

	// With no reader attached, only cancellation can unblock the pump. Give
	// it a moment, then the very next receive must observe a closed channel
	// rather than a chunk from a still-live sender.
	time.Sleep(100 * time.Millisecond)
	select {
	case chunk, ok := <-res.Stream:
		if ok {
			t.Fatalf("received %+v after cancellation; pump is still sending", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream never closed; pump goroutine is stuck on send")
	}
}
