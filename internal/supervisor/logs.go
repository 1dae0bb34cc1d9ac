package supervisor

import (
	"fmt"
	"os"
	"sync"
)

const truncationMarker = "\n[log truncated]\n"

// spoolWriter appends combined stdout+stderr to the task's log file with a
// hard size cap. When the cap is exceeded the file is truncated and writing
// resumes from the top.
type spoolWriter struct {
	mu       sync.Mutex
	file     *os.File
	size     int64
	maxBytes int64
}

func newSpoolWriter(path string, maxBytes int64) (*spoolWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	return &spoolWriter{file: file, size: info.Size(), maxBytes: maxBytes}, nil
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxBytes > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.file.Truncate(0); err == nil {
			_, _ = w.file.Seek(0, 0)
			w.size = 0
			n, _ := w.file.WriteString(truncationMarker)
			w.size += int64(n)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *spoolWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Logs returns a slice of the task's spooled log. TailBytes selects the last
// N bytes; SinceBytes reads from an absolute offset; MaxBytes caps the
// returned size either way.
func (s *Supervisor) Logs(req LogsRequest) (*LogsResult, error) {
	s.mu.Lock()
	rec, ok := s.tasks[req.ID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task not found: %s", req.ID)
	}

	file, err := os.Open(rec.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &LogsResult{ID: req.ID}, nil
		}
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	size := info.Size()

	offset := int64(0)
	switch {
	case req.TailBytes > 0:
		if size > req.TailBytes {
			offset = size - req.TailBytes
		}
	case req.SinceBytes > 0:
		offset = req.SinceBytes
		if offset > size {
			offset = size
		}
	}

	length := size - offset
	truncated := false
	if req.MaxBytes > 0 && length > req.MaxBytes {
		length = req.MaxBytes
		truncated = true
	}

	buf := make([]byte, length)
	if length > 0 {
		if _, err := file.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("read log file: %w", err)
		}
	}
	return &LogsResult{
		ID:        req.ID,
		Data:      string(buf),
		Offset:    offset,
		Size:      size,
		Truncated: truncated,
	}, nil
}
