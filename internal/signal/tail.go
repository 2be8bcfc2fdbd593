package signal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// ReadTail returns up to maxLines trailing non-empty lines of path, reading at
// most maxBytes from the end. A line cut by the byte window is dropped.
// A missing file yields no lines.
func ReadTail(path string, maxLines int, maxBytes int64) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open signal log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat signal log: %w", err)
	}

	size := info.Size()
	offset := int64(0)
	if maxBytes > 0 && size > maxBytes {
		offset = size - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek signal log: %w", err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal log: %w", err)
	}

	if offset > 0 {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		} else {
			buf = nil
		}
	}

	var lines []string
	for _, l := range bytes.Split(buf, []byte{'\n'}) {
		l = bytes.TrimSpace(l)
		if len(l) > 0 {
			lines = append(lines, string(l))
		}
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}
