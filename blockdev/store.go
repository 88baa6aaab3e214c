// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blockdev implements nbd.ExportStore over a local file or block
// device.
package blockdev

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore exposes a regular file or block device as a read-only
// nbd.ExportStore. It is lazily opened: the underlying file descriptor is
// only acquired on the first call to Ready, matching the guarantee that the
// core never opens the backing store during option negotiation.
type FileStore struct {
	path string
	name string

	once sync.Once
	f    *os.File
	size uint64
	err  error
}

// NewFileStore returns a FileStore for path. name defaults to path's base
// name if empty.
func NewFileStore(path, name string) *FileStore {
	if name == "" {
		name = filepath.Base(path)
	}
	return &FileStore{path: path, name: name}
}

// Ready opens path and determines its size: for a regular file, from its
// metadata; for a block device, by querying the device directly (see
// size_linux.go). It is idempotent and safe to call more than once.
func (s *FileStore) Ready() error {
	s.once.Do(func() {
		f, err := os.OpenFile(s.path, os.O_RDONLY, 0)
		if err != nil {
			s.err = err
			return
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			s.err = err
			return
		}
		size, err := deviceSize(f, fi)
		if err != nil {
			f.Close()
			s.err = err
			return
		}
		if size == 0 {
			f.Close()
			s.err = fmt.Errorf("blockdev: %s has zero size", s.path)
			return
		}
		s.f, s.size = f, size
	})
	return s.err
}

// Name returns the export name.
func (s *FileStore) Name() string { return s.name }

// Size returns the export's size in bytes. Valid only after Ready succeeds.
func (s *FileStore) Size() uint64 { return s.size }

// ReadAt returns length bytes at offset. A short read is reported as an
// error.
func (s *FileStore) ReadAt(offset uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, int64(offset))
	if err != nil {
		return nil, err
	}
	if uint32(n) != length {
		return nil, fmt.Errorf("blockdev: short read at offset %d: got %d of %d bytes", offset, n, length)
	}
	return buf, nil
}

// WriteAt writes data at offset, implementing nbd.WritableExportStore. This
// core's transmission loop never calls it, since CMD_WRITE is acknowledged
// with ENOTSUP. Ready opens the file read-only, so WriteAt returns the error
// that os.File.WriteAt reports for a descriptor not open for writing.
func (s *FileStore) WriteAt(offset uint64, data []byte) error {
	_, err := s.f.WriteAt(data, int64(offset))
	return err
}

// Close releases the underlying file descriptor.
func (s *FileStore) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}
