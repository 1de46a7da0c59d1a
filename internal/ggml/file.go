package ggml

import (
	"encoding/binary"
	"io"
	"math"
	"os"
)

// File wraps an os.File with the little-endian scalar accessors the
// codec needs. All multi-byte values in the format are little-endian.
type File struct {
	f    *os.File
	size int64
}

func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, size: info.Size()}, nil
}

func CreateFile(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

func (f *File) Close() error { return f.f.Close() }

func (f *File) Fd() uintptr { return f.f.Fd() }

func (f *File) Size() int64 { return f.size }

func (f *File) Tell() int64 {
	off, _ := f.f.Seek(0, io.SeekCurrent)
	return off
}

func (f *File) Seek(off int64, whence int) error {
	_, err := f.f.Seek(off, whence)
	return err
}

func (f *File) ReadRaw(buf []byte) error {
	_, err := io.ReadFull(f.f, buf)
	return err
}

func (f *File) ReadU32() (uint32, error) {
	var b [4]byte
	if err := f.ReadRaw(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (f *File) ReadF32() (float32, error) {
	v, err := f.ReadU32()
	return math.Float32frombits(v), err
}

func (f *File) ReadString(n uint32) (string, error) {
	buf := make([]byte, n)
	if err := f.ReadRaw(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (f *File) WriteRaw(buf []byte) error {
	_, err := f.f.Write(buf)
	return err
}

func (f *File) WriteU32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return f.WriteRaw(b[:])
}

func (f *File) WriteF32(v float32) error {
	return f.WriteU32(math.Float32bits(v))
}

// AlignRead advances the read cursor to the next multiple of 32 bytes.
func (f *File) AlignRead() error {
	off := f.Tell()
	return f.Seek(-off&31, io.SeekCurrent)
}

// AlignWrite pads the file with zero bytes to the next multiple of 32.
// The reader only requires the offset, but explicit zeros keep the
// output dense instead of sparse.
var zeros [32]byte

func (f *File) AlignWrite() error {
	pad := -f.Tell() & 31
	if pad == 0 {
		return nil
	}
	return f.WriteRaw(zeros[:pad])
}
