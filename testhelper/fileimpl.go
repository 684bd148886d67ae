package testhelper

import (
	"fmt"
	"os"
	"time"
)

type reader func(b []byte, offset int64) (int, error)
type writer func(b []byte, offset int64) (int, error)

// FileImpl implements fs.File/io.ReaderAt/io.WriterAt by delegating to
// injected Reader/Writer funcs, so a backend.Storage can be stubbed out
// in tests without a real *os.File. Size is reported through Stat so
// that anything deriving a block count from backend.Storage.Stat()
// (e.g. a FileDevice) works against it the same way it would against a
// real file.
type FileImpl struct {
	Reader reader
	Writer writer
	Size   int64
}

func (f *FileImpl) Stat() (os.FileInfo, error) {
	return fileImplInfo{size: f.Size}, nil
}

func (f *FileImpl) Read(b []byte) (int, error) {
	return f.Reader(b, 0)
}

func (f *FileImpl) Close() error {
	return nil
}

// ReadAt read at a particular offset
func (f *FileImpl) ReadAt(b []byte, offset int64) (int, error) {
	return f.Reader(b, offset)
}

// WriteAt write at a particular offset
func (f *FileImpl) WriteAt(b []byte, offset int64) (int, error) {
	return f.Writer(b, offset)
}

// Seek seek a particular offset - does not actually work
//
//nolint:unused,revive // to implement the interface
func (f *FileImpl) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("FileImpl does not implement Seek()")
}

// fileImplInfo is the minimal os.FileInfo FileImpl.Stat needs to report
// a size; none of the other fields are meaningful for a stubbed file.
type fileImplInfo struct{ size int64 }

func (i fileImplInfo) Name() string       { return "fileimpl" }
func (i fileImplInfo) Size() int64        { return i.size }
func (i fileImplInfo) Mode() os.FileMode  { return 0 }
func (i fileImplInfo) ModTime() time.Time { return time.Time{} }
func (i fileImplInfo) IsDir() bool        { return false }
func (i fileImplInfo) Sys() any           { return nil }
