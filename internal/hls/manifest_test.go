// SPDX-License-Identifier: MIT

package hls

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceOf(t *testing.T) {
	assert.Equal(t, 13000, SequenceOf("segment_13000.ts"))
	assert.Equal(t, -1, SequenceOf("segment_13000.mp4"))
	assert.Equal(t, -1, SequenceOf("archive.m3u8"))
	assert.Equal(t, -1, SequenceOf("segment_x.ts"))
}

func TestWriteManifestExactForm(t *testing.T) {
	var b strings.Builder
	err := WriteManifest(&b, []Segment{
		{Name: "segment_13002.ts", Sequence: 13002},
		{Name: "segment_13000.ts", Sequence: 13000},
		{Name: "segment_13001.ts", Sequence: 13001},
	})
	require.NoError(t, err)

	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:4\n" +
		"#EXT-X-MEDIA-SEQUENCE:13000\n" +
		"#EXTINF:1.000000,\nsegment_13000.ts\n" +
		"#EXTINF:1.000000,\nsegment_13001.ts\n" +
		"#EXTINF:1.000000,\nsegment_13002.ts\n" +
		"#EXT-X-ENDLIST\n"
	assert.Equal(t, want, b.String())
}

func TestUpdateHourFolder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"segment_13000.ts", "segment_13001.ts", "segment_13002.ts"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("ts"), 0o644))
	}

	n, err := UpdateHourFolder(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.HasPrefix(out, "#EXTM3U\n"))
	assert.Contains(t, out, "#EXT-X-MEDIA-SEQUENCE:13000")
	assert.Equal(t, 3, strings.Count(out, "#EXTINF:1.000000,"))
}

func TestUpdateHourFolderEmpty(t *testing.T) {
	dir := t.TempDir()
	n, err := UpdateHourFolder(dir)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, statErr := os.Stat(filepath.Join(dir, ManifestName))
	assert.True(t, os.IsNotExist(statErr))
}
