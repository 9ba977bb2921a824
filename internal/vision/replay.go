package vision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/aratta-robotics/groundmark/internal/monitoring"
)

// DirectorySource replays a recorded mission from a directory of image files,
// ordered by filename. A file whose stem parses as an integer is taken as a
// capture timestamp in unix milliseconds; otherwise timestamps are synthesized
// from Start at the configured frame rate.
type DirectorySource struct {
	Dir   string
	FPS   float64
	Start time.Time
}

var frameExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".tiff": true,
}

// Frames lists the directory up front, then streams decoded frames at the
// replay rate. Files that fail to decode are logged and skipped.
func (s *DirectorySource) Frames(ctx context.Context) (<-chan *Frame, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("vision: reading frame directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("vision: no image files in %s", s.Dir)
	}
	sort.Strings(names)

	fps := s.FPS
	if fps <= 0 {
		fps = 2
	}
	period := time.Duration(float64(time.Second) / fps)
	start := s.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}

	out := make(chan *Frame)
	go func() {
		defer close(out)
		for i, name := range names {
			if i > 0 {
				select {
				case <-time.After(period):
				case <-ctx.Done():
					return
				}
			}

			img, err := imaging.Open(filepath.Join(s.Dir, name))
			if err != nil {
				monitoring.Logf("vision: skipping unreadable frame %s: %v", name, err)
				continue
			}

			ts := start.Add(time.Duration(i) * period)
			if ms, ok := stampFromName(name); ok {
				ts = ms
			}

			select {
			case out <- &Frame{Seq: uint64(i + 1), Timestamp: ts, Image: img}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// stampFromName parses an all-digit filename stem as unix milliseconds.
func stampFromName(name string) (time.Time, bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	ms, err := strconv.ParseInt(stem, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
