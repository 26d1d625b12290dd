package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wxsend/internal/domain"
	"wxsend/internal/logging"
)

func openTestLocker(t *testing.T, path string, opts Options) *Locker {
	t.Helper()
	l, err := Open(path, opts, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func quickOpts() Options {
	return Options{WaitTimeout: 300 * time.Millisecond, StaleAfter: time.Minute, PollInterval: 20 * time.Millisecond}
}

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	l := openTestLocker(t, path, quickOpts())

	release, err := l.Acquire(context.Background(), SessionName)
	require.NoError(t, err)

	h, err := l.Current(context.Background(), SessionName)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, os.Getpid(), h.PID)

	release()
	release() // idempotent

	h, err = l.Current(context.Background(), SessionName)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestAcquire_BusyWhileHeldByAnotherLocker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	a := openTestLocker(t, path, quickOpts())
	b := openTestLocker(t, path, quickOpts())

	release, err := a.Acquire(context.Background(), SessionName)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = b.Acquire(context.Background(), SessionName)
	require.Error(t, err)
	assert.Equal(t, domain.KindBusy, domain.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	opts := quickOpts()
	opts.WaitTimeout = 5 * time.Second
	a := openTestLocker(t, path, opts)
	b := openTestLocker(t, path, opts)

	release, err := a.Acquire(context.Background(), SessionName)
	require.NoError(t, err)
	time.AfterFunc(100*time.Millisecond, release)

	releaseB, err := b.Acquire(context.Background(), SessionName)
	require.NoError(t, err)
	releaseB()
}

func TestAcquire_TakesOverStaleLease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	a := openTestLocker(t, path, quickOpts())
	a.now = func() time.Time { return time.Now().Add(-time.Hour) }
	b := openTestLocker(t, path, quickOpts())

	_, err := a.Acquire(context.Background(), SessionName)
	require.NoError(t, err)

	release, err := b.Acquire(context.Background(), SessionName)
	require.NoError(t, err)
	defer release()

	h, err := b.Current(context.Background(), SessionName)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.ExpiresAt.After(time.Now()))
}

func TestAcquire_Canceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	opts := quickOpts()
	opts.WaitTimeout = 10 * time.Second
	a := openTestLocker(t, path, opts)
	b := openTestLocker(t, path, opts)

	release, err := a.Acquire(context.Background(), SessionName)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx, SessionName)
	require.Error(t, err)
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
}

func TestAcquire_DistinctNamesDoNotBlock(t *testing.T) {
	l := openTestLocker(t, filepath.Join(t.TempDir(), "state.db"), quickOpts())
	r1, err := l.Acquire(context.Background(), "one")
	require.NoError(t, err)
	defer r1()
	r2, err := l.Acquire(context.Background(), "two")
	require.NoError(t, err)
	defer r2()
}

func TestHeartbeatExtendsLease(t *testing.T) {
	opts := quickOpts()
	opts.StaleAfter = 90 * time.Millisecond
	l := openTestLocker(t, filepath.Join(t.TempDir(), "state.db"), opts)

	release, err := l.Acquire(context.Background(), SessionName)
	require.NoError(t, err)
	defer release()

	time.Sleep(250 * time.Millisecond)
	h, err := l.Current(context.Background(), SessionName)
	require.NoError(t, err)
	assert.NotNil(t, h, "lease must still be live after several heartbeats")
}
