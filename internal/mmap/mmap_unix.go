//go:build linux || darwin

package mmap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/arbalest-llm/arbalest/internal/logger"
)

const Supported = true

// Mapping is a read-only shared mapping of a model file.
type Mapping struct {
	Data []byte
}

// Map maps size bytes of fd. With prefetch, the kernel is advised to
// read the whole file ahead; NUMA systems skip the advice so first
// touch places pages on the executing node.
func Map(fd uintptr, size int64, prefetch bool, numa bool) (*Mapping, error) {
	data, err := unix.Mmap(int(fd), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	if prefetch && !numa {
		if err := unix.Madvise(data, unix.MADV_WILLNEED); err != nil {
			logger.Log.Warn("madvise willneed failed", "error", err)
		}
	}
	return &Mapping{Data: data}, nil
}

func (m *Mapping) Unmap() error {
	if m.Data == nil {
		return nil
	}
	err := unix.Munmap(m.Data)
	m.Data = nil
	return err
}

// Discard hints that a byte range of the mapping is no longer needed,
// used after uploading mapped payloads to a device.
func (m *Mapping) Discard(off, n uintptr) {
	// round to page boundaries, MADV_DONTNEED wants whole pages
	page := uintptr(unix.Getpagesize())
	first := (off + page - 1) &^ (page - 1)
	last := (off + n) &^ (page - 1)
	if last <= first {
		return
	}
	if err := unix.Madvise(m.Data[first:last], unix.MADV_DONTNEED); err != nil {
		logger.Log.Warn("madvise dontneed failed", "error", err)
	}
}

// Lock pins a prefix of a buffer in RAM, growing monotonically.
// Failures warn and disable further growth instead of failing the
// load; the limit check mirrors what the kernel would report.
type Lock struct {
	buf    []byte
	locked uintptr
	failed bool
}

const LockSupported = true

func NewLock(buf []byte) *Lock {
	return &Lock{buf: buf}
}

// GrowTo extends the locked prefix to at least n bytes.
func (l *Lock) GrowTo(n uintptr) {
	if l.failed || n <= l.locked {
		return
	}
	page := uintptr(unix.Getpagesize())
	n = (n + page - 1) &^ (page - 1)
	if n > uintptr(len(l.buf)) {
		n = uintptr(len(l.buf))
	}
	if err := unix.Mlock(l.buf[l.locked:n]); err != nil {
		var lim unix.Rlimit
		suggest := ""
		if unix.Getrlimit(unix.RLIMIT_MEMLOCK, &lim) == nil {
			suggest = fmt.Sprintf("; try increasing RLIMIT_MEMLOCK (current: %d)", lim.Cur)
		}
		logger.Log.Warn("failed to mlock buffer"+suggest, "bytes", n-l.locked, "error", err)
		l.failed = true
		return
	}
	l.locked = n
}

func (l *Lock) Release() {
	if l.locked > 0 {
		_ = unix.Munlock(l.buf[:l.locked])
		l.locked = 0
	}
}
