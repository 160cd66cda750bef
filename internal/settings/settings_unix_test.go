//go:build unix

package settings

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUpdate_WaitsForLockHeldByAnotherProcess(t *testing.T) {
	v := newVault(t)
	require.NoError(t, v.Save(sampleConn()))

	// A second descriptor stands in for another gcpms process.
	other, err := os.OpenFile(v.Path()+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, unix.Flock(int(other.Fd()), unix.LOCK_EX))

	done := make(chan error, 1)
	go func() {
		done <- v.Update(func(cur *Connection) (Connection, error) {
			next := *cur
			next.Port = 2222
			return next, nil
		})
	}()

	select {
	case <-done:
		t.Fatal("update ran while the file was locked elsewhere")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, unix.Flock(int(other.Fd()), unix.LOCK_UN))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("update did not resume after the lock was released")
	}

	got, err := v.Load()
	require.NoError(t, err)
	assert.Equal(t, 2222, got.Port)
}
