// SPDX-License-Identifier: MIT

package fslock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRemovesLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.json.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestExclusiveSerializesWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.json.lock")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := Acquire(path)
			require.NoError(t, err)
			v := counter
			counter = v + 1
			require.NoError(t, l.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, counter)
}

func TestReleaseNilIsNoop(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
