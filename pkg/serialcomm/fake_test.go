package serialcomm

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clint456/powermon/pkg/protocol"
)

var errPortClosed = errors.New("port closed")

// fakePort is an in-memory Port. Reads pop queued chunks and report an idle
// timeout when the queue is empty.
type fakePort struct {
	mu       sync.Mutex
	name     string
	reads    [][]byte
	written  bytes.Buffer
	readErr  error
	writeErr error
	closed   bool
	flushes  int

	// respond is called on every Write; returned chunks are queued for reading
	respond func(written []byte) [][]byte
}

func newFakePort(chunks ...[]byte) *fakePort {
	return &fakePort{name: "fake0", reads: chunks}
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errPortClosed
	}
	if len(f.reads) == 0 {
		err := f.readErr
		f.mu.Unlock()
		if err != nil {
			return 0, err
		}
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	chunk := f.reads[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		f.reads[0] = chunk[n:]
	} else {
		f.reads = f.reads[1:]
	}
	f.mu.Unlock()
	return n, nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written.Write(p)
	if f.respond != nil {
		f.reads = append(f.reads, f.respond(append([]byte(nil), p...))...)
	}
	return len(p), nil
}

func (f *fakePort) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	f.reads = nil
	return nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) Name() string { return f.name }

func (f *fakePort) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePort) writtenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func testFrame(id uint32, n int) protocol.Frame {
	f := protocol.Frame{
		PackageID: id,
		Voltage:   make([]int32, n),
		Current:   make([]int32, n),
	}
	for i := 0; i < n; i++ {
		f.Voltage[i] = int32(id)*1000 + int32(i)
		f.Current[i] = -int32(id)*1000 - int32(i)
	}
	return f
}

func encodeFrames(t *testing.T, frames ...protocol.Frame) []byte {
	t.Helper()
	var out []byte
	for i := range frames {
		out = protocol.AppendFrame(out, &frames[i])
	}
	require.NotEmpty(t, out)
	return out
}

func chunk(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
