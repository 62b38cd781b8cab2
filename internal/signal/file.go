package signal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileSignal keeps the marker in a small file, for hook processes that do not
// open the database on every call.
type FileSignal struct {
	path string
	mu   sync.Mutex
}

func NewFileSignal(path string) *FileSignal {
	return &FileSignal{path: path}
}

// Path returns the marker file location.
func (s *FileSignal) Path() string {
	return s.path
}

func (s *FileSignal) Bump(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.read()
	if err != nil {
		return 0, err
	}
	v := next(prev)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return 0, fmt.Errorf("bump signal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".signal-*")
	if err != nil {
		return 0, fmt.Errorf("bump signal: %w", err)
	}
	if _, err := tmp.WriteString(strconv.FormatInt(v, 10)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("bump signal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("bump signal: %w", err)
	}
	// rename keeps readers from seeing a half-written value
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("bump signal: %w", err)
	}
	return v, nil
}

func (s *FileSignal) Current(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.read()
}

func (s *FileSignal) read() (int64, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read signal: %w", err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}
