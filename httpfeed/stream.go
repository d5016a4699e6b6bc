package httpfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/velmie/eventfeed"
)

// sseTransport writes dispatcher messages as SSE frames. The heartbeat goroutine shares the
// writer, so every write holds mu.
type sseTransport struct {
	mu sync.Mutex
	w  gin.ResponseWriter
}

var _ eventfeed.Transport = (*sseTransport)(nil)

func (t *sseTransport) Send(_ context.Context, msg eventfeed.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("httpfeed: encode message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.Event != nil {
		_, err = fmt.Fprintf(t.w, "id: %s\nevent: %s\ndata: %s\n\n", msg.Event.ID, msg.Event.EventType, data)
	} else {
		_, err = fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", msg.Signal, data)
	}
	if err != nil {
		return err
	}
	t.w.Flush()

	return nil
}

func (t *sseTransport) comment(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.w, ": %s\n\n", text); err != nil {
		return err
	}
	t.w.Flush()

	return nil
}

// stream holds an SSE connection open and hands it to the Dispatcher.
func (s *Server) stream(c *gin.Context) {
	since, ok := marker(c)
	if !ok {
		return
	}
	recipientID := recipientFrom(c)

	headers := c.Writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	t := &sseTransport{w: c.Writer}
	t.mu.Lock()
	_, err := fmt.Fprintf(c.Writer, "retry: %d\n\n", s.cfg.RetryHint.Milliseconds())
	if err == nil {
		c.Writer.Flush()
	}
	t.mu.Unlock()
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(ctx, cancel, t)
	}()

	err = s.dispatcher.Serve(ctx, recipientID, since, t)
	cancel()
	wg.Wait()

	switch {
	case err == nil:
	case errors.Is(err, eventfeed.ErrStaleMarker):
		// The resync signal has been written; the client reconnects without a marker.
	default:
		s.logger.Warn("httpfeed stream closed", zap.String("recipient_id", recipientID), zap.Error(err))
	}
}

// heartbeat cancels the stream when a comment cannot be written, which is how a vanished
// client is noticed while no events flow.
func (s *Server) heartbeat(ctx context.Context, cancel context.CancelFunc, t *sseTransport) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.comment("ping"); err != nil {
				cancel()
				return
			}
		}
	}
}
