package proxy

import (
	"io"
	"sync"
)

// relayBufferSize is the size of pooled relay buffers, matching io.Copy.
const relayBufferSize = 32 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

// getBuffer retrieves a buffer from the pool. Return it with putBuffer.
func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

// copyBuffer is io.Copy with a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// meteredWriter counts bytes after they were accepted by the wrapped writer.
type meteredWriter struct {
	w   io.Writer
	add func(int64)
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if n > 0 {
		m.add(int64(n))
	}
	return n, err
}
