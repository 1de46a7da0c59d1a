//go:build linux || darwin

package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	m, err := Map(f.Fd(), int64(len(content)), true, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Unmap()

	for i := range content {
		if m.Data[i] != content[i] {
			t.Fatalf("mapped byte %d differs", i)
		}
	}

	// discard is advisory; the mapping must stay readable
	m.Discard(0, 4096)
	_ = m.Data[0]
}

func TestUnmapTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	m, err := Map(f.Fd(), 4096, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Unmap(); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmap(); err != nil {
		t.Fatal("second unmap must be a no-op")
	}
}

func TestLockGrowTo(t *testing.T) {
	buf := make([]byte, 64*1024)
	l := NewLock(buf)
	// may warn under a small RLIMIT_MEMLOCK, but must not grow past
	// the buffer or panic
	l.GrowTo(16 * 1024)
	l.GrowTo(1 << 30)
	l.Release()
}
