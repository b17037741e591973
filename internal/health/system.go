package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"
)

// DecoderChecker verifies the external decoder binary can be launched.
type DecoderChecker struct {
	binary string
}

func NewDecoderChecker(binary string) *DecoderChecker {
	return &DecoderChecker{binary: binary}
}

func (d *DecoderChecker) Name() string { return "decoder" }

func (d *DecoderChecker) Check(ctx context.Context) error {
	if d.binary == "" {
		return fmt.Errorf("decoder binary not configured")
	}
	if _, err := exec.LookPath(d.binary); err != nil {
		return fmt.Errorf("decoder binary %q not executable: %w", d.binary, err)
	}
	return nil
}

// DiskChecker watches the filesystem holding the session FIFOs and output
// logs. Usage above threshold is reported as degraded.
type DiskChecker struct {
	path      string
	threshold float64
}

func NewDiskChecker(path string, threshold float64) *DiskChecker {
	return &DiskChecker{path: path, threshold: threshold}
}

func (d *DiskChecker) Name() string { return "disk" }

func (d *DiskChecker) Check(ctx context.Context) error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("pipe directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("pipe directory %s is not a directory", d.path)
	}

	var st unix.Statfs_t
	if err := unix.Statfs(d.path, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", d.path, err)
	}
	if st.Blocks == 0 {
		return nil
	}
	used := 1 - float64(st.Bavail)/float64(st.Blocks)
	if d.threshold > 0 && used > d.threshold {
		return fmt.Errorf("%w: %s is %.0f%% full", ErrDegraded, d.path, used*100)
	}
	return nil
}

// MemoryChecker reports degraded when the Go heap exceeds limit bytes.
type MemoryChecker struct {
	limit uint64
}

func NewMemoryChecker(limit uint64) *MemoryChecker {
	return &MemoryChecker{limit: limit}
}

func (m *MemoryChecker) Name() string { return "memory" }

func (m *MemoryChecker) Check(ctx context.Context) error {
	if m.limit == 0 {
		return nil
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > m.limit {
		return fmt.Errorf("%w: heap %d MiB over limit %d MiB", ErrDegraded, ms.HeapAlloc>>20, m.limit>>20)
	}
	return nil
}

// SessionCounter is the slice of the session manager the health checks need.
type SessionCounter interface {
	// Counts returns the number of sessions and how many of them failed.
	Counts() (total, failed int)
}

// SessionsChecker reports degraded while any session is in a fatal state.
type SessionsChecker struct {
	sessions SessionCounter
}

func NewSessionsChecker(sessions SessionCounter) *SessionsChecker {
	return &SessionsChecker{sessions: sessions}
}

func (s *SessionsChecker) Name() string { return "sessions" }

func (s *SessionsChecker) Check(ctx context.Context) error {
	total, failed := s.sessions.Counts()
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d sessions failed", ErrDegraded, failed, total)
	}
	return nil
}
