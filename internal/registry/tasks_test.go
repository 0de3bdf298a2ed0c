package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimDue_Leases(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()
	d := createTestDocument(t, s, "u1", "journal:1")

	task := &Task{DocumentID: d.ID, Text: "I feel anxious today"}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.Equal(t, StepEmbed, task.Step)
	assert.Equal(t, 1, task.Attempt)

	claimed, err := s.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, task.ID, claimed[0].ID)
	assert.Equal(t, "I feel anxious today", claimed[0].Text)
	assert.Equal(t, now.Add(time.Minute), claimed[0].ClaimedUntil)

	again, err := s.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased task is not handed out twice")

	*now = now.Add(2 * time.Minute)
	again, err = s.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, again, 1, "expired lease makes the task due again")
}

func TestClaimDue_RespectsNotBeforeAndLimit(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()
	d := createTestDocument(t, s, "u1", "journal:1")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTask(ctx, &Task{DocumentID: d.ID, Text: "t"}))
	}
	require.NoError(t, s.CreateTask(ctx, &Task{DocumentID: d.ID, Text: "later", NotBefore: now.Add(time.Hour)}))

	claimed, err := s.ClaimDue(ctx, 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	claimed, err = s.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "t", claimed[0].Text)

	n, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestAdvanceAndRetry(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()
	d := createTestDocument(t, s, "u1", "journal:1")
	_, err := s.BeginProcessing(ctx, d.ID)
	require.NoError(t, err)

	task := &Task{DocumentID: d.ID, Text: "t"}
	require.NoError(t, s.CreateTask(ctx, task))
	_, err = s.ClaimDue(ctx, 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.RetryTask(ctx, task, now.Add(time.Minute), "embed failed"))
	assert.Equal(t, 2, task.Attempt)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "embed failed", got.LastError)
	assert.True(t, got.ClaimedUntil.Equal(time.UnixMilli(0).UTC()))

	doc, err := s.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "embed failed", doc.Error)
	assert.Equal(t, StatusProcessing, doc.Status)

	require.NoError(t, s.AdvanceToIndex(ctx, task.ID, []float32{0.5, 0.25}))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StepIndex, got.Step)
	assert.Equal(t, 1, got.Attempt, "each step has its own budget")
	assert.Equal(t, []float32{0.5, 0.25}, got.Vector)
	assert.Empty(t, got.LastError)

	require.NoError(t, s.DeleteTask(ctx, task.ID))
	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.AdvanceToIndex(ctx, task.ID, nil), ErrNotFound)
}

func TestBeginWithTask(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	d := createTestDocument(t, s, "u1", "journal:1")

	task := &Task{DocumentID: d.ID, Text: "t"}
	ok, err := s.BeginWithTask(ctx, task)
	require.NoError(t, err)
	assert.True(t, ok)

	doc, err := s.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, doc.Status)

	ok, err = s.BeginWithTask(ctx, &Task{DocumentID: d.ID, Text: "t"})
	require.NoError(t, err)
	assert.False(t, ok, "processing document is not enqueued twice")

	tasks, err := s.TasksForDocument(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	_, err = s.BeginWithTask(ctx, &Task{DocumentID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}
