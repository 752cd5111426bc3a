package lockfile

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chronicle-wal/chronicle/errs"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.EqualValues(t, 1, l.Epoch())
	require.NoError(t, l.Release())
}

func TestSecondAcquireFailsWhileFirstLive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(path)
	require.ErrorIs(t, err, errs.ErrWriterAlreadyActive)
}

func TestAcquireReclaimsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "writer.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.EqualValues(t, 2, l2.Epoch())
	require.NoError(t, l2.Release())
}

func TestAcquireReclaimsFromDeadProcess(t *testing.T) {
	// A finished child process's pid may still be recorded in the lock
	// file with a stale start-time; Acquire must not treat it as a live
	// owner, and must reclaim rather than report ErrWriterAlreadyActive
	// forever.
	path := filepath.Join(t.TempDir(), "writer.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	require.NoError(t, writeIdentity(f, Identity{PID: int32(cmd.Process.Pid), StartTime: time.Unix(0, 1), Epoch: 1}))
	require.NoError(t, f.Close())

	l2, err := Acquire(path)
	if err != nil {
		require.True(t, errors.Is(err, errs.ErrWriterAlreadyActive))
		return
	}
	require.NoError(t, l2.Release())
}
