package logging

import (
	"os"
	"sync"
)

// RotatingFile is an io.Writer over a single capped log file. When a write
// would push the file past maxBytes, the file is truncated to its most
// recent half before the write proceeds, so the log never grows unbounded
// and always keeps its newest content.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	file     *os.File
	size     int64
}

// NewRotatingFile opens (creating if necessary) path as a capped log file.
func NewRotatingFile(path string, maxBytes int64) (*RotatingFile, error) {
	if maxBytes <= 0 {
		maxBytes = 4 * 1024 * 1024
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &RotatingFile{
		path:     path,
		maxBytes: maxBytes,
		file:     f,
		size:     info.Size(),
	}, nil
}

// Write implements io.Writer, rotating the file in place before it would
// exceed maxBytes.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotateLocked keeps the most recent half of the current file content and
// reopens the file truncated to that tail. Caller must hold r.mu.
func (r *RotatingFile) rotateLocked() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}

	keepFrom := len(data) / 2
	tail := data[keepFrom:]

	if err := r.file.Close(); err != nil {
		return err
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(tail); err != nil {
		f.Close()
		return err
	}

	reopened, err := os.OpenFile(r.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		f.Close()
		return err
	}
	f.Close()

	r.file = reopened
	r.size = int64(len(tail))
	return nil
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
