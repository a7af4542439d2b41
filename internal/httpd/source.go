package httpd

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Source is a byte-addressable response body. Open acquires the backing handle for
// a single response write; the connection always closes it when the write ends.
type Source interface {
	Length() uint64
	Open() (io.ReadSeekCloser, error)
}

type DataSource struct {
	data []byte
}

func NewDataSource(data []byte) *DataSource {
	return &DataSource{data: data}
}

func (s *DataSource) Length() uint64 {
	return uint64(len(s.data))
}

func (s *DataSource) Bytes() []byte {
	return s.data
}

func (s *DataSource) Open() (io.ReadSeekCloser, error) {
	return nopSeekCloser{bytes.NewReader(s.data)}, nil
}

type nopSeekCloser struct {
	io.ReadSeeker
}

func (nopSeekCloser) Close() error { return nil }

// FileSource serves a file whose size is captured when the source is created.
type FileSource struct {
	path   string
	length uint64
}

func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return &FileSource{path: path, length: uint64(info.Size())}, nil
}

func (s *FileSource) Length() uint64 {
	return s.length
}

func (s *FileSource) Open() (io.ReadSeekCloser, error) {
	return os.Open(s.path)
}
