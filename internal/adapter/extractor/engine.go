// Package extractor runs the feature-extraction backend as a child process
// and turns its raw signal metrics into the track feature set.
package extractor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// Config configures the extractor subprocess.
type Config struct {
	Bin        string
	SampleRate int
	// MaxDuration bounds how much audio the child decodes, in seconds.
	MaxDuration float64
}

// Engine drives one extractor child over newline-delimited JSON on
// stdin/stdout. The child owns decoding and DSP; the parent validates the
// result and derives the higher-level features. A dead child surfaces as an
// error carrying the "terminated abruptly" marker the crash classifier
// looks for.
type Engine struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	cfg    Config
}

type extractRequest struct {
	Op          string  `json:"op"`
	Path        string  `json:"path,omitempty"`
	SampleRate  int     `json:"sampleRate,omitempty"`
	MaxDuration float64 `json:"maxDuration,omitempty"`
}

type extractResponse struct {
	Raw   *RawAnalysis `json:"raw,omitempty"`
	Error string       `json:"error,omitempty"`
}

// New starts the extractor binary. It blocks until the child reports ready on
// its first output line.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	cmd := exec.CommandContext(ctx, cfg.Bin)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("op=extractor.start: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("op=extractor.start: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("op=extractor.start: %w", err)
	}
	e := &Engine{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), cfg: cfg}
	// First line is the ready handshake.
	if _, err := e.stdout.ReadString('\n'); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("op=extractor.handshake: extractor terminated abruptly: %w", err)
	}
	return e, nil
}

func (e *Engine) roundTrip(ctx context.Context, req extractRequest) (extractResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	line, err := json.Marshal(req)
	if err != nil {
		return extractResponse{}, err
	}
	line = append(line, '\n')
	if _, err := e.stdin.Write(line); err != nil {
		return extractResponse{}, fmt.Errorf("op=extractor.write: extractor terminated abruptly: %w", err)
	}
	type result struct {
		resp extractResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		raw, rerr := e.stdout.ReadString('\n')
		if rerr != nil {
			done <- result{err: fmt.Errorf("op=extractor.read: extractor terminated abruptly: %w", rerr)}
			return
		}
		var resp extractResponse
		if uerr := json.Unmarshal([]byte(raw), &resp); uerr != nil {
			done <- result{err: fmt.Errorf("op=extractor.decode: %w", uerr)}
			return
		}
		done <- result{resp: resp}
	}()
	select {
	case <-ctx.Done():
		// The child is wedged mid-request; kill it so the pool crash path
		// rebuilds a fresh one.
		_ = e.cmd.Process.Kill()
		return extractResponse{}, fmt.Errorf("op=extractor.roundtrip: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return extractResponse{}, r.err
		}
		if r.resp.Error != "" {
			return extractResponse{}, fmt.Errorf("op=extractor.analyze: %s", r.resp.Error)
		}
		return r.resp, nil
	}
}

// Analyze extracts the full feature set for one file.
func (e *Engine) Analyze(ctx context.Context, path string) (domain.Features, error) {
	resp, err := e.roundTrip(ctx, extractRequest{
		Op:          "analyze",
		Path:        path,
		SampleRate:  e.cfg.SampleRate,
		MaxDuration: e.cfg.MaxDuration,
	})
	if err != nil {
		return domain.Features{}, err
	}
	if resp.Raw == nil {
		return domain.Features{}, fmt.Errorf("op=extractor.analyze: empty result")
	}
	if err := Validate(*resp.Raw); err != nil {
		return domain.Features{}, err
	}
	return Derive(*resp.Raw), nil
}

// Probe submits a no-op request so a wedged child is detected.
func (e *Engine) Probe(ctx context.Context) error {
	_, err := e.roundTrip(ctx, extractRequest{Op: "ping"})
	return err
}

// Close kills the child and reaps it.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.stdin.Close()
	if e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	return e.cmd.Wait()
}
