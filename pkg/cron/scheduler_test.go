package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSpec(t *testing.T) {
	valid := []string{"*/5 * * * *", "0 3 * * *", EveryMinute, Hourly, Daily, "@every 30s"}
	for _, spec := range valid {
		assert.NoError(t, ValidateSpec(spec), spec)
	}

	invalid := []string{"", "* * *", "61 * * * *", "@fortnightly"}
	for _, spec := range invalid {
		err := ValidateSpec(spec)
		require.Error(t, err, spec)
		assert.Contains(t, err.Error(), "invalid cron expression")
	}
}

func TestAdd(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	noop := func(context.Context) (int, error) { return 0, nil }

	require.NoError(t, s.Add("sweep", EveryMinute, noop))
	assert.Error(t, s.Add("sweep", EveryMinute, noop))
	assert.Error(t, s.Add("", EveryMinute, noop))
	assert.Error(t, s.Add("bad", "not a spec", noop))
	assert.Error(t, s.Add("nil", EveryMinute, nil))

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "sweep", status[0].Name)
	assert.Equal(t, EveryMinute, status[0].Spec)
	assert.Zero(t, status[0].Runs)
}

func TestRunNow(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	calls := 0
	fail := true
	require.NoError(t, s.Add("expire", Hourly, func(context.Context) (int, error) {
		calls++
		if fail {
			return 0, errors.New("store unavailable")
		}
		return 3, nil
	}))

	st, err := s.RunNow(context.Background(), "expire")
	require.NoError(t, err)
	assert.Equal(t, "error", st.LastStatus)
	assert.Equal(t, "store unavailable", st.LastError)
	assert.Equal(t, 1, st.ConsecutiveErrors)

	fail = false
	st, err = s.RunNow(context.Background(), "expire")
	require.NoError(t, err)
	assert.Equal(t, "ok", st.LastStatus)
	assert.Empty(t, st.LastError)
	assert.Zero(t, st.ConsecutiveErrors)
	assert.Equal(t, 3, st.LastAffected)
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, 2, calls)
	assert.False(t, st.LastRunAt.IsZero())

	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{})
	var runs int32
	require.NoError(t, s.Add("slow", Hourly, func(context.Context) (int, error) {
		atomic.AddInt32(&runs, 1)
		close(started)
		<-release
		return 0, nil
	}))

	done := make(chan struct{})
	go func() {
		_, _ = s.RunNow(context.Background(), "slow")
		close(done)
	}()
	<-started

	st, err := s.RunNow(context.Background(), "slow")
	require.NoError(t, err)
	assert.Zero(t, st.Runs)

	close(release)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestScheduledRun(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	var runs int32
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&runs, 1)
		return 1, nil
	}))

	s.Start()
	status := s.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].NextRunAt.IsZero())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
