package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/logging"
)

func TestRegister(t *testing.T) {
	s := New(logging.NewNop())
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		job      string
		schedule string
		fn       Job
		wantErr  bool
	}{
		{"hourly", "sync", "0 0 * * * *", noop, false},
		{"descriptor", "cleanup", "@daily", noop, false},
		{"duplicate", "sync", "0 0 * * * *", noop, true},
		{"five fields", "bad", "0 * * * *", noop, true},
		{"empty name", "", "@hourly", noop, true},
		{"nil job", "nil", "@hourly", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Register(tt.job, tt.schedule, tt.fn)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Len(t, s.Jobs(), 2)
}

func TestTrigger(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Register("sync", "@hourly", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Register("broken", "@hourly", func(context.Context) error {
		return errors.New("source offline")
	}))

	require.NoError(t, s.Trigger(context.Background(), "sync"))
	assert.EqualValues(t, 1, runs.Load())

	err := s.Trigger(context.Background(), "broken")
	assert.EqualError(t, err, "source offline")

	assert.Error(t, s.Trigger(context.Background(), "missing"))

	for _, j := range s.Jobs() {
		require.NotNil(t, j.LastRun, j.Name)
		if j.Name == "broken" {
			assert.Equal(t, "source offline", j.LastError)
		}
	}
}

func TestTriggerSkipsOverlap(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register("slow", "@hourly", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	go func() { _ = s.Trigger(context.Background(), "slow") }()
	<-started
	require.NoError(t, s.Trigger(context.Background(), "slow"))
	close(release)

	assert.EqualValues(t, 1, runs.Load())
}

func TestStartFiresAndStopCancels(t *testing.T) {
	s := New(logging.NewNop())
	var runs atomic.Int32
	canceled := make(chan struct{}, 1)
	require.NoError(t, s.Register("tick", "* * * * * *", func(ctx context.Context) error {
		runs.Add(1)
		<-ctx.Done()
		select {
		case canceled <- struct{}{}:
		default:
		}
		return ctx.Err()
	}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("job context was not canceled on stop")
	}
	assert.EqualValues(t, 1, runs.Load(), "overlapping ticks are skipped")
}

func TestStopBeforeStart(t *testing.T) {
	assert.NoError(t, New(nil).Stop(context.Background()))
}
