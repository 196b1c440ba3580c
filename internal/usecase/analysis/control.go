package analysis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Worker-count bounds for set_workers commands.
const (
	minPoolWorkers = 1
	maxPoolWorkers = 8
)

// ControlState holds the flags the loop consults every iteration and the
// buffered resize target. Safe for concurrent use.
type ControlState struct {
	mu      sync.Mutex
	paused  bool
	stopped bool

	resizeTarget int
	resizeAt     time.Time
}

// Paused reports whether job acquisition is suspended.
func (s *ControlState) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Stopped reports whether shutdown was requested.
func (s *ControlState) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RequestResize buffers a new worker-count target, restarting the debounce
// window. Targets are clamped to [1,8].
func (s *ControlState) RequestResize(n int) {
	if n < minPoolWorkers {
		n = minPoolWorkers
	}
	if n > maxPoolWorkers {
		n = maxPoolWorkers
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizeTarget = n
	s.resizeAt = time.Now()
}

// PendingResize returns a buffered target once debounce has elapsed with no
// newer request, consuming it. Returns (0, false) otherwise.
func (s *ControlState) PendingResize(debounce time.Duration) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resizeTarget == 0 || time.Since(s.resizeAt) < debounce {
		return 0, false
	}
	n := s.resizeTarget
	s.resizeTarget = 0
	return n, true
}

type controlCommand struct {
	Command string `json:"command"`
	Count   int    `json:"count"`
}

// Apply interprets one control message. Plain strings pause/resume/stop the
// loop; JSON objects carry set_workers. Unknown messages are logged and
// ignored.
func (s *ControlState) Apply(msg string) {
	switch strings.TrimSpace(msg) {
	case "pause":
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
		slog.Info("control: paused")
		return
	case "resume":
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
		slog.Info("control: resumed")
		return
	case "stop":
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		slog.Info("control: stop requested")
		return
	}
	var cmd controlCommand
	if err := json.Unmarshal([]byte(msg), &cmd); err != nil || cmd.Command == "" {
		slog.Warn("control: ignoring unknown message", slog.String("message", msg))
		return
	}
	switch cmd.Command {
	case "set_workers":
		s.RequestResize(cmd.Count)
		slog.Info("control: resize buffered", slog.Int("count", cmd.Count))
	default:
		slog.Warn("control: ignoring unknown command", slog.String("command", cmd.Command))
	}
}

// Subscriber is the pub/sub surface the listener needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// Listen consumes the control channel until ctx is done, feeding messages
// into state.
func Listen(ctx context.Context, sub Subscriber, channel string, state *ControlState) {
	ps := sub.Subscribe(ctx, channel)
	defer func() { _ = ps.Close() }()
	ch := ps.Channel()
	slog.Info("control listener started", slog.String("channel", channel))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			state.Apply(msg.Payload)
		}
	}
}
