// Package textembed answers synchronous text-embedding requests from a Redis
// Streams consumer group, with at-least-once delivery and auto-claim of
// entries orphaned by crashed consumers.
package textembed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/adapter/queue/redisq"
	"github.com/vibetune/audiosidecar/internal/domain"
)

// Queue is the stream surface the responder needs.
type Queue interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration) ([]redisq.StreamEntry, error)
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]redisq.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Respond(ctx context.Context, stream, group, entryID, responseKey string, payload []byte, ttl time.Duration) error
}

// Config carries the responder's tunables.
type Config struct {
	Stream            string
	Group             string
	ResponseKeyPrefix string
	ConsumerPrefix    string
	ClaimInterval     time.Duration
	ClaimMinIdle      time.Duration
	ClaimCount        int64
	ResponseTTL       time.Duration
	ReadBlock         time.Duration
}

// Responder consumes the request stream and publishes per-request responses.
type Responder struct {
	cfg      Config
	queue    Queue
	encoder  domain.Encoder
	consumer string

	lastClaim time.Time
}

// NewResponder builds a responder with a process-unique consumer name.
func NewResponder(cfg Config, q Queue, enc domain.Encoder) *Responder {
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = time.Second
	}
	return &Responder{
		cfg:      cfg,
		queue:    q,
		encoder:  enc,
		consumer: fmt.Sprintf("%s-%d-%s", cfg.ConsumerPrefix, os.Getpid(), randomHex(8)),
	}
}

// ConsumerName exposes the generated consumer identity, mainly for logs.
func (r *Responder) ConsumerName() string { return r.consumer }

// Run loops until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) error {
	if err := r.queue.EnsureGroup(ctx, r.cfg.Stream, r.cfg.Group); err != nil {
		return err
	}
	slog.Info("text embed responder started",
		slog.String("stream", r.cfg.Stream),
		slog.String("consumer", r.consumer))

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(r.lastClaim) >= r.cfg.ClaimInterval {
			r.claimOrphans(ctx)
			r.lastClaim = time.Now()
		}
		entries, err := r.queue.ReadGroup(ctx, r.cfg.Stream, r.cfg.Group, r.consumer, r.cfg.ReadBlock)
		if err != nil {
			if errors.Is(err, domain.ErrQueueEmpty) {
				bo.Reset()
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			slog.Error("stream read failed, backing off", slog.Any("error", err), slog.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		for _, e := range entries {
			r.handle(ctx, e)
		}
	}
}

func (r *Responder) claimOrphans(ctx context.Context) {
	claimed, err := r.queue.AutoClaim(ctx, r.cfg.Stream, r.cfg.Group, r.consumer, r.cfg.ClaimMinIdle, r.cfg.ClaimCount)
	if err != nil {
		slog.Warn("auto claim failed", slog.Any("error", err))
		return
	}
	if len(claimed) > 0 {
		slog.Info("claimed orphaned requests", slog.Int("count", len(claimed)))
	}
	for _, e := range claimed {
		r.handle(ctx, e)
	}
}

func (r *Responder) handle(ctx context.Context, e redisq.StreamEntry) {
	req := domain.TextEmbedRequest{
		RequestID:   e.Fields["requestId"],
		Text:        e.Fields["text"],
		ResponseKey: e.Fields["responseKey"],
	}
	if req.RequestID == "" {
		// Without a request id there is no response key to unblock, so the
		// entry can only be dropped.
		slog.Warn("dropping text embed request without request id", slog.String("entry_id", e.ID))
		if err := r.queue.Ack(ctx, r.cfg.Stream, r.cfg.Group, e.ID); err != nil {
			slog.Warn("ack of malformed request failed", slog.Any("error", err))
		}
		return
	}
	if req.ResponseKey == "" {
		req.ResponseKey = r.cfg.ResponseKeyPrefix + req.RequestID
	}

	resp := domain.TextEmbedResponse{
		RequestID:    req.RequestID,
		ModelVersion: r.encoder.ModelVersion(),
	}
	if req.Text == "" {
		// Answer instead of dropping; the caller would otherwise block on
		// its own timeout.
		resp.Error = "empty text"
		observability.TextEmbedResponsesTotal.WithLabelValues("error").Inc()
		slog.Warn("text embed request with empty text", slog.String("request_id", req.RequestID))
	} else if vec, err := r.encoder.EncodeText(ctx, req.Text); err != nil {
		resp.Error = domain.TruncateError(err.Error())
		observability.TextEmbedResponsesTotal.WithLabelValues("error").Inc()
		slog.Error("text encode failed", slog.String("request_id", req.RequestID), slog.Any("error", err))
	} else {
		resp.Success = true
		resp.Embedding = vec
		observability.TextEmbedResponsesTotal.WithLabelValues("ok").Inc()
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("response marshal failed", slog.String("request_id", req.RequestID), slog.Any("error", err))
		return
	}
	// The response write precedes the ack inside the pipeline: callers never
	// observe an ack without a queued response.
	if err := r.queue.Respond(ctx, r.cfg.Stream, r.cfg.Group, e.ID, req.ResponseKey, payload, r.cfg.ResponseTTL); err != nil {
		slog.Error("response publish failed", slog.String("request_id", req.RequestID), slog.Any("error", err))
	}
}

func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", os.Getpid())[:n]
	}
	return hex.EncodeToString(b)[:n]
}
