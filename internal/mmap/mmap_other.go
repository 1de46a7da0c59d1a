//go:build !linux && !darwin

package mmap

import "errors"

const (
	Supported     = false
	LockSupported = false
)

type Mapping struct {
	Data []byte
}

func Map(fd uintptr, size int64, prefetch bool, numa bool) (*Mapping, error) {
	return nil, errors.New("mmap is not supported on this platform")
}

func (m *Mapping) Unmap() error { return nil }

func (m *Mapping) Discard(off, n uintptr) {}

type Lock struct{}

func NewLock(buf []byte) *Lock { return &Lock{} }

func (l *Lock) GrowTo(n uintptr) {}

func (l *Lock) Release() {}
