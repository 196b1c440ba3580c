package model

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// processScorer drives the scorer binary over newline-delimited JSON on
// stdin/stdout. The child owns the model weights and the audio decoding; the
// parent only ships pure-data requests. A dead child surfaces as an encode
// error whose message carries the "terminated abruptly" marker the crash
// classifier looks for.
type processScorer struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	window float64
	rate   int
}

type scorerRequest struct {
	Op           string  `json:"op"`
	Path         string  `json:"path,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	Text         string  `json:"text,omitempty"`
	WindowSecs   float64 `json:"windowSeconds,omitempty"`
	SampleRate   int     `json:"sampleRate,omitempty"`
	ModelVersion string  `json:"modelVersion,omitempty"`
}

type scorerResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// ProcessLoaderConfig configures the scorer subprocess.
type ProcessLoaderConfig struct {
	Bin          string
	ModelVersion string
	WindowSecs   float64
	SampleRate   int
}

// NewProcessLoader returns a Loader that starts the scorer binary. Loading
// blocks until the child reports ready on its first output line.
func NewProcessLoader(cfg ProcessLoaderConfig) Loader {
	return func(ctx context.Context) (Scorer, error) {
		cmd := exec.Command(cfg.Bin, "--model", cfg.ModelVersion)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("op=scorer.start: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("op=scorer.start: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("op=scorer.start: %w", err)
		}
		s := &processScorer{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}
		// First line is the ready handshake.
		if _, err := s.stdout.ReadString('\n'); err != nil {
			_ = cmd.Process.Kill()
			return nil, fmt.Errorf("op=scorer.handshake: scorer terminated abruptly: %w", err)
		}
		s.window = cfg.WindowSecs
		s.rate = cfg.SampleRate
		return s, nil
	}
}

func (s *processScorer) roundTrip(ctx context.Context, req scorerRequest) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	if _, err := s.stdin.Write(line); err != nil {
		return nil, fmt.Errorf("op=scorer.write: scorer terminated abruptly: %w", err)
	}
	type result struct {
		resp scorerResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		raw, rerr := s.stdout.ReadString('\n')
		if rerr != nil {
			done <- result{err: fmt.Errorf("op=scorer.read: scorer terminated abruptly: %w", rerr)}
			return
		}
		var resp scorerResponse
		if uerr := json.Unmarshal([]byte(raw), &resp); uerr != nil {
			done <- result{err: fmt.Errorf("op=scorer.decode: %w", uerr)}
			return
		}
		done <- result{resp: resp}
	}()
	select {
	case <-ctx.Done():
		// The child is wedged mid-request; kill it so the pool crash path
		// rebuilds a fresh one.
		_ = s.cmd.Process.Kill()
		return nil, fmt.Errorf("op=scorer.roundtrip: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != "" {
			return nil, fmt.Errorf("op=scorer.encode: %s", r.resp.Error)
		}
		return r.resp.Embedding, nil
	}
}

func (s *processScorer) EncodeAudio(ctx context.Context, path string, durationHint float64) ([]float32, error) {
	return s.roundTrip(ctx, scorerRequest{
		Op:         "audio",
		Path:       path,
		Duration:   durationHint,
		WindowSecs: s.window,
		SampleRate: s.rate,
	})
}

func (s *processScorer) EncodeText(ctx context.Context, text string) ([]float32, error) {
	return s.roundTrip(ctx, scorerRequest{Op: "text", Text: text})
}

func (s *processScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
