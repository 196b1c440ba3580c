package postgres_test

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/adapter/repo/postgres"
	"github.com/vibetune/audiosidecar/internal/domain"
)

func TestFailureUpsert(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewFailureRepo(pool)

	err := repo.Upsert(context.Background(), domain.EnrichmentFailure{
		EntityType:   "track",
		EntityID:     "t2",
		ErrorMessage: strings.Repeat("x", 600),
		Metadata:     map[string]string{"stage": "analysis"},
	})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (entity_type, entity_id)")
	assert.Contains(t, pool.lastSQL, "retry_count=enrichment_failures.retry_count+1")
	assert.Contains(t, pool.lastSQL, "resolved=false")
	assert.Len(t, pool.lastArgs[2].(string), 500)
}

func TestFailureResolve(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewFailureRepo(pool)

	require.NoError(t, repo.Resolve(context.Background(), "track", "t2"))
	assert.Contains(t, pool.lastSQL, "resolved=true")
	assert.Equal(t, []any{"track", "t2"}, pool.lastArgs)
}
