package vectorstore

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemIndex_OnlyCosine(t *testing.T) {
	idx, err := NewChromemIndex(ChromemConfig{}, logging.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, idx.EnsureCollection(context.Background(), testCollection, 3, MetricDot), ErrInvalidConfig)
	assert.NoError(t, idx.EnsureCollection(context.Background(), testCollection, 3, ""))
}

func TestChromemIndex_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	id := uuid.NewString()

	idx, err := NewChromemIndex(ChromemConfig{Path: dir}, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(ctx, testCollection, 3, MetricCosine))
	_, err = idx.Upsert(ctx, id, []float32{0, 1, 0}, payload(id, "u1", "journal_entry"))
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(ChromemConfig{Path: dir}, logging.NewNop())
	require.NoError(t, err)

	err = reopened.EnsureCollection(ctx, testCollection, 8, MetricCosine)
	assert.ErrorIs(t, err, ErrDimensionMismatch, "recorded dimension survives restart")

	require.NoError(t, reopened.EnsureCollection(ctx, testCollection, 3, MetricCosine))
	point, err := reopened.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "u1", point.Payload[KeyUserID])
}

func TestPayloadEncoding(t *testing.T) {
	in := map[string]interface{}{
		"document_id": "d1",
		"mood":        "calm",
		"score":       3.5,
		"flag":        true,
		"tags":        []interface{}{"a"},
		"looks_bool":  "true",
	}
	meta, err := encodePayload(in)
	require.NoError(t, err)
	assert.Equal(t, "calm", meta["mood"])
	assert.Equal(t, "3.5", meta["score"])
	assert.Equal(t, "flag,score,tags", meta[jsonKeysField])

	out, err := decodePayload(meta)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "true", out["looks_bool"], "string values are never decoded")

	_, err = encodePayload(map[string]interface{}{jsonKeysField: "x"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
