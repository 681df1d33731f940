package observability

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// tailWindow bounds how much of the file end is scanned.
const tailWindow = 512 * 1024

// TailReversed returns up to n of the last lines in path, newest first.
// A missing file yields an empty result.
func TailReversed(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log: %w", err)
	}

	offset := info.Size() - tailWindow
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log: %w", err)
	}

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), tailWindow)
	first := offset > 0
	for scanner.Scan() {
		if first {
			// partial line at the window boundary
			first = false
			continue
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	out := make([]string, len(ring))
	for i, line := range ring {
		out[len(ring)-1-i] = line
	}
	return out, nil
}
