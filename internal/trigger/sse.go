package trigger

import (
	"context"
	"distribution/internal/apperrors"
	"distribution/internal/distribution"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FormatEvent renders req as a server-sent event: an id line carrying the
// timestamp in milliseconds and a data line "<action> <path> <path>...".
func FormatEvent(id time.Time, req *distribution.Request) string {
	data := string(req.Type)
	if len(req.Paths) > 0 {
		data += " " + strings.Join(req.Paths, " ")
	}
	return fmt.Sprintf("id: %d\ndata: %s\n\n", id.UnixMilli(), data)
}

// ParseEvent parses the data of one server-sent event.
func ParseEvent(data string) (*distribution.Request, error) {
	fields := strings.Fields(data)
	if len(fields) == 0 {
		return nil, apperrors.Validation("event", "empty event data")
	}
	t, err := distribution.ParseRequestType(fields[0])
	if err != nil {
		return nil, err
	}
	req := distribution.NewRequest(t, fields[1:]...)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Stream registers a handler on t that writes every request to w as a
// server-sent event until d elapses or ctx is done, then unregisters it.
// Writes that fail are logged and do not end the stream early.
func Stream(ctx context.Context, w http.ResponseWriter, t Trigger, d time.Duration) error {
	flusher, _ := w.(http.Flusher)
	events := make(chan *distribution.Request, 16)
	h := HandlerFunc(func(_ context.Context, req *distribution.Request) {
		select {
		case events <- req:
		default:
			slog.Warn("Event stream is behind, dropping request", "request", req.String())
		}
	})
	if err := t.Register(h); err != nil {
		return err
	}
	defer func() {
		if err := t.Unregister(h); err != nil {
			slog.Warn("Failed to unregister stream handler", "error", err)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	timeout := time.NewTimer(d)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout.C:
			return nil
		case req := <-events:
			if _, err := io.WriteString(w, FormatEvent(time.Now(), req)); err != nil {
				slog.Warn("Failed to write event", "request", req.String(), "error", err)
				continue
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// ClampSeconds parses the sec query value: empty selects def, values are
// clamped to [0, maxSec] and unparsable values are validation errors.
func ClampSeconds(raw string, def, maxSec int) (time.Duration, error) {
	sec := def
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, apperrors.Validation("sec", fmt.Sprintf("sec must be an integer, got %q", raw))
		}
		sec = min(max(n, 0), maxSec)
	}
	return time.Duration(sec) * time.Second, nil
}
