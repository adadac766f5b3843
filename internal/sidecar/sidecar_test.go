// SPDX-License-Identifier: MIT

package sidecar

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFor(t *testing.T) {
	assert.Equal(t, "/x/capture_000000001.json", PathFor("/x/capture_000000001.jpg"))
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture_000000001.json")
	frame := Frame{
		Blackscreen:           true,
		BlackscreenPercentage: 91.4,
		FreezeDiffs:           []float64{0.01, 0.02},
		Timestamp:             Timestamp(time.Now()),
	}
	require.NoError(t, Write(path, frame))

	got, err := Read(path)
	require.NoError(t, err)
	assert.True(t, got.Analyzed)
	assert.True(t, got.Blackscreen)
	assert.InDelta(t, 91.4, got.BlackscreenPercentage, 1e-9)
}

func TestWriteErrorSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture_000000002.json")
	require.NoError(t, WriteError(path, errors.New("decode failed")))

	doc, err := ReadRaw(path)
	require.NoError(t, err)
	assert.Equal(t, true, doc["analyzed"])
	assert.Equal(t, "decode failed", doc["error"])
}

func TestUpdatePreservesForeignKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture_000000003.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"analyzed":true,"blackscreen":false,"future_key":"kept"}`), 0o644))

	err := Update(path, map[string]any{
		"audio":          true,
		"mean_volume_db": -21.5,
	})
	require.NoError(t, err)

	doc, err := ReadRaw(path)
	require.NoError(t, err)
	assert.Equal(t, "kept", doc["future_key"])
	assert.Equal(t, true, doc["audio"])
	assert.Equal(t, true, doc["analyzed"])

	// Lock file is removed after the merge.
	_, statErr := os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpdateMissingSidecarFails(t *testing.T) {
	err := Update(filepath.Join(t.TempDir(), "capture_000000009.json"), map[string]any{"audio": true})
	assert.Error(t, err)
}

func TestConcurrentUpdatesAllLand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture_000000004.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"analyzed":true}`), 0o644))

	keys := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			require.NoError(t, Update(path, map[string]any{key: key}))
		}(k)
	}
	wg.Wait()

	doc, err := ReadRaw(path)
	require.NoError(t, err)
	for _, k := range keys {
		assert.Equal(t, k, doc[k])
	}
	// Invariant: after any sequence of writes the sidecar still parses and
	// carries analyzed:true.
	assert.Equal(t, true, doc["analyzed"])
}
