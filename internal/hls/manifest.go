// SPDX-License-Identifier: MIT

// Package hls writes the archive playlists for hour-bucketed segment folders.
package hls

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

const (
	// TargetDuration advertised in every archive manifest.
	TargetDuration = 4
	// SegmentDuration is the fixed EXTINF value for 1 s segments.
	SegmentDuration = "1.000000"
	// ManifestName is the playlist filename inside each hour folder.
	ManifestName = "archive.m3u8"
)

// Segment is one archived .ts file identified by the integer in its name.
type Segment struct {
	Name     string
	Sequence int
}

// SequenceOf extracts the integer N from segment_<N>.ts, or -1.
func SequenceOf(name string) int {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "segment_") || !strings.HasSuffix(base, ".ts") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "segment_"), ".ts"))
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// WriteManifest writes the archive playlist for the given segments.
func WriteManifest(w io.Writer, segments []Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("hls: no segments")
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Sequence < segments[j].Sequence })

	buf := &bytes.Buffer{}
	buf.WriteString("#EXTM3U\n")
	buf.WriteString("#EXT-X-VERSION:3\n")
	buf.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", TargetDuration))
	buf.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence))
	for _, s := range segments {
		buf.WriteString("#EXTINF:" + SegmentDuration + ",\n")
		buf.WriteString(s.Name + "\n")
	}
	buf.WriteString("#EXT-X-ENDLIST\n")
	_, err := io.Copy(w, buf)
	return err
}

// UpdateHourFolder regenerates archive.m3u8 for one hour folder from the
// segment files present. Folders with no segments are left alone.
func UpdateHourFolder(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("hls: read %s: %w", dir, err)
	}
	var segments []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n := SequenceOf(e.Name()); n >= 0 {
			segments = append(segments, Segment{Name: e.Name(), Sequence: n})
		}
	}
	if len(segments) == 0 {
		return 0, nil
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Sequence < segments[j].Sequence })

	// Skip the rewrite when the existing playlist already covers exactly
	// these segments; archive folders churn only while their hour is live.
	path := filepath.Join(dir, ManifestName)
	if st, err := ReadStats(path); err == nil &&
		st.Ended && st.SegmentCount == len(segments) && st.MediaSequence == segments[0].Sequence {
		return 0, nil
	}

	var buf bytes.Buffer
	if err := WriteManifest(&buf, segments); err != nil {
		return 0, err
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o666); err != nil {
		return 0, fmt.Errorf("hls: write %s: %w", path, err)
	}
	return len(segments), nil
}
