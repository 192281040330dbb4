package anthropic

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

const textDeltaEvent = "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n"

func TestPumpExitsWhenStreamAbandoned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			fmt.Fprint(w, textDeltaEvent)
			fl.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := client.GenerateResponse(ctx, &llm.Request{
		Model:    "claude-sonnet-4-5",
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
