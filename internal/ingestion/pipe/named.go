package pipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ErrConnectTimeout is returned when no writer opened a FIFO in time.
var ErrConnectTimeout = errors.New("pipe: writer did not connect")

// NamedPipe is a FIFO in the filesystem that the external decoder writes to.
type NamedPipe struct {
	Path string
}

// NewName returns a unique pipe base name, e.g. "cadence-<uuid>".
func NewName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// CreateNamed makes a FIFO at dir/name. An existing file of that name is
// replaced.
func CreateNamed(dir, name string) (*NamedPipe, error) {
	path := filepath.Join(dir, name)
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return &NamedPipe{Path: path}, nil
}

// Accept blocks until a writer opens the FIFO or ctx ends, and returns the
// read end. On cancellation the pending open is released by connecting a
// throwaway writer.
func (p *NamedPipe) Accept(ctx context.Context) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(p.Path, os.O_RDONLY, 0)
		done <- result{f, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", p.Path, r.err)
		}
		return r.f, nil
	case <-ctx.Done():
		if w, err := os.OpenFile(p.Path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
			_ = w.Close()
		}
		go func() {
			if r := <-done; r.f != nil {
				_ = r.f.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectTimeout, p.Path, ctx.Err())
	}
}

// Remove unlinks the FIFO.
func (p *NamedPipe) Remove() error {
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
