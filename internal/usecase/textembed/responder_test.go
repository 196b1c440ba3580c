package textembed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/adapter/queue/redisq"
	"github.com/vibetune/audiosidecar/internal/domain"
)

type stubEncoder struct {
	vec []float32
	err error
}

func (s *stubEncoder) EncodeAudio(_ domain.Context, _ string, _ float64) ([]float32, error) {
	return s.vec, s.err
}
func (s *stubEncoder) EncodeText(_ domain.Context, _ string) ([]float32, error) {
	return s.vec, s.err
}
func (s *stubEncoder) Unload()              {}
func (s *stubEncoder) ModelVersion() string { return "laion-clap-music-v1" }

func testResponder(t *testing.T, enc domain.Encoder) (*Responder, *redisq.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := redisq.NewFromClient(rdb)
	cfg := Config{
		Stream:            "audio:text:embed:requests",
		Group:             "embed-workers",
		ResponseKeyPrefix: "audio:text:embed:response:",
		ConsumerPrefix:    "embed",
		ClaimInterval:     5 * time.Second,
		ClaimMinIdle:      0,
		ClaimCount:        10,
		ResponseTTL:       120 * time.Second,
		ReadBlock:         50 * time.Millisecond,
	}
	r := NewResponder(cfg, q, enc)
	require.NoError(t, q.EnsureGroup(context.Background(), cfg.Stream, cfg.Group))
	return r, q, mr
}

func TestHandle_PublishesResponseAndAcks(t *testing.T) {
	vec := make([]float32, domain.EmbeddingDim)
	vec[0] = 1
	r, q, mr := testResponder(t, &stubEncoder{vec: vec})
	ctx := context.Background()

	_, err := mr.XAdd(r.cfg.Stream, "*", []string{"requestId", "r1", "text", "upbeat synthwave"})
	require.NoError(t, err)

	entries, err := q.ReadGroup(ctx, r.cfg.Stream, r.cfg.Group, r.ConsumerName(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	r.handle(ctx, entries[0])

	raw, err := mr.Lpop("audio:text:embed:response:r1")
	require.NoError(t, err)
	var resp domain.TextEmbedResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "laion-clap-music-v1", resp.ModelVersion)
	assert.Len(t, resp.Embedding, domain.EmbeddingDim)

	// acked: nothing left to claim
	claimed, err := q.AutoClaim(ctx, r.cfg.Stream, r.cfg.Group, "other", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestHandle_ExplicitResponseKey(t *testing.T) {
	r, q, mr := testResponder(t, &stubEncoder{vec: make([]float32, domain.EmbeddingDim)})
	ctx := context.Background()

	_, err := mr.XAdd(r.cfg.Stream, "*", []string{"requestId", "r2", "text", "hi", "responseKey", "custom:key"})
	require.NoError(t, err)
	entries, err := q.ReadGroup(ctx, r.cfg.Stream, r.cfg.Group, r.ConsumerName(), 100*time.Millisecond)
	require.NoError(t, err)
	r.handle(ctx, entries[0])

	assert.True(t, mr.Exists("custom:key"))
}

func TestHandle_MalformedAckedAndDropped(t *testing.T) {
	r, q, mr := testResponder(t, &stubEncoder{vec: make([]float32, domain.EmbeddingDim)})
	ctx := context.Background()

	_, err := mr.XAdd(r.cfg.Stream, "*", []string{"text", "no request id"})
	require.NoError(t, err)
	entries, err := q.ReadGroup(ctx, r.cfg.Stream, r.cfg.Group, r.ConsumerName(), 100*time.Millisecond)
	require.NoError(t, err)
	r.handle(ctx, entries[0])

	// no response list created, entry acked
	keys := mr.Keys()
	for _, k := range keys {
		assert.NotContains(t, k, "response")
	}
	claimed, err := q.AutoClaim(ctx, r.cfg.Stream, r.cfg.Group, "other", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestHandle_EmptyTextAnsweredNotDropped(t *testing.T) {
	r, q, mr := testResponder(t, &stubEncoder{vec: make([]float32, domain.EmbeddingDim)})
	ctx := context.Background()

	_, err := mr.XAdd(r.cfg.Stream, "*", []string{"requestId", "r5", "text", ""})
	require.NoError(t, err)
	entries, err := q.ReadGroup(ctx, r.cfg.Stream, r.cfg.Group, r.ConsumerName(), 100*time.Millisecond)
	require.NoError(t, err)
	r.handle(ctx, entries[0])

	raw, err := mr.Lpop("audio:text:embed:response:r5")
	require.NoError(t, err)
	var resp domain.TextEmbedResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "empty text", resp.Error)
	assert.Equal(t, "r5", resp.RequestID)

	// acked through the response pipeline
	claimed, err := q.AutoClaim(ctx, r.cfg.Stream, r.cfg.Group, "other", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestHandle_EncodeErrorPublishesFailure(t *testing.T) {
	r, q, mr := testResponder(t, &stubEncoder{err: errors.New("model load failed")})
	ctx := context.Background()

	_, err := mr.XAdd(r.cfg.Stream, "*", []string{"requestId", "r3", "text", "hi"})
	require.NoError(t, err)
	entries, err := q.ReadGroup(ctx, r.cfg.Stream, r.cfg.Group, r.ConsumerName(), 100*time.Millisecond)
	require.NoError(t, err)
	r.handle(ctx, entries[0])

	raw, err := mr.Lpop("audio:text:embed:response:r3")
	require.NoError(t, err)
	var resp domain.TextEmbedResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "model load failed")
}

func TestClaimOrphans_RecoversCrashedConsumerWork(t *testing.T) {
	vec := make([]float32, domain.EmbeddingDim)
	vec[1] = 1
	r, q, mr := testResponder(t, &stubEncoder{vec: vec})
	ctx := context.Background()

	_, err := mr.XAdd(r.cfg.Stream, "*", []string{"requestId", "r4", "text", "rainy lofi"})
	require.NoError(t, err)

	// A different consumer reads the entry and dies before acking.
	_, err = q.ReadGroup(ctx, r.cfg.Stream, r.cfg.Group, "crashed-1", 100*time.Millisecond)
	require.NoError(t, err)

	r.claimOrphans(ctx)

	raw, err := mr.Lpop("audio:text:embed:response:r4")
	require.NoError(t, err)
	var resp domain.TextEmbedResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "r4", resp.RequestID)

	// exactly one response payload
	_, err = mr.Lpop("audio:text:embed:response:r4")
	require.Error(t, err)
}

func TestConsumerName_Unique(t *testing.T) {
	r1, _, _ := testResponder(t, &stubEncoder{})
	r2, _, _ := testResponder(t, &stubEncoder{})
	assert.NotEqual(t, r1.ConsumerName(), r2.ConsumerName())
	assert.Contains(t, r1.ConsumerName(), "embed-")
}
