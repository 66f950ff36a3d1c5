package unifiedllm

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// readSSE scans body for server-sent events and invokes handle for each.
// Multi-line data fields are joined with newlines per the SSE spec.
// Returns nil on clean end-of-stream, ctx.Err() on cancellation, or the
// read error otherwise.
func readSSE(ctx context.Context, body io.Reader, handle func(SSEEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event string
	var data []string

	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		ev := SSEEvent{Event: event, Data: strings.Join(data, "\n")}
		event = ""
		data = data[:0]
		return handle(ev)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// Comment; ignore.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return flush()
}

// stopStream is returned by SSE handlers to end the read loop cleanly.
type stopStream struct{}

func (stopStream) Error() string { return "stop stream" }
