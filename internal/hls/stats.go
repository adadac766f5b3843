// SPDX-License-Identifier: MIT

package hls

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Stats summarizes one archive playlist.
type Stats struct {
	MediaSequence int
	SegmentCount  int
	TotalDuration time.Duration
	Ended         bool
}

// ReadStats parses the playlist at path.
func ReadStats(path string) (Stats, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = f.Close() }()
	return parseStats(f)
}

// parseStats walks the playlist line by line, summing EXTINF durations and
// counting URI lines.
func parseStats(r io.Reader) (Stats, error) {
	var st Stats
	sawHeader := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "#EXTM3U":
			sawHeader = true
		case line == "#EXT-X-ENDLIST":
			st.Ended = true
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))
			if err != nil {
				return Stats{}, fmt.Errorf("hls: bad media sequence: %w", err)
			}
			st.MediaSequence = n
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimSuffix(strings.TrimPrefix(line, "#EXTINF:"), ",")
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Stats{}, fmt.Errorf("hls: bad EXTINF: %w", err)
			}
			st.TotalDuration += time.Duration(secs * float64(time.Second))
		case strings.HasPrefix(line, "#"):
			// Other tags carry no timeline information.
		default:
			st.SegmentCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return Stats{}, err
	}
	if !sawHeader {
		return Stats{}, fmt.Errorf("hls: not a playlist")
	}
	return st, nil
}
