package ioutils

import (
	"io"
)

// MeteredReader counts the bytes read through it.
type MeteredReader struct {
	reader io.Reader
	total  int64
}

func NewMeteredReader(reader io.Reader) *MeteredReader {
	return &MeteredReader{reader: reader}
}

func (m *MeteredReader) Read(p []byte) (int, error) {
	n, err := m.reader.Read(p)
	m.total += int64(n)
	return n, err
}

func (m *MeteredReader) Total() int64 {
	return m.total
}

type meteredReadCloser struct {
	MeteredReader
	closer   io.Closer
	onClose  func(total int64)
	reported bool
}

// NewMeteredReadCloser reports the number of bytes read to onClose once the stream is closed.
func NewMeteredReadCloser(readCloser io.ReadCloser, onClose func(total int64)) io.ReadCloser {
	return &meteredReadCloser{
		MeteredReader: MeteredReader{reader: readCloser},
		closer:        readCloser,
		onClose:       onClose,
	}
}

func (m *meteredReadCloser) Close() error {
	err := m.closer.Close()
	if !m.reported && m.onClose != nil {
		m.reported = true
		m.onClose(m.total)
	}
	return err
}
