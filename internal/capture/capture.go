// Package capture records decoded telemetry frames to disk and replays them.
//
// A capture file is a sequence of envelopes ([len u32 BE][json][crc16 BE]),
// each holding one Record. The record carries the frame in wire format,
// base64 encoded, so a replay feeds the decoder exactly what the device sent.
package capture

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
)

const (
	APIVersion  = "v1"
	ContentType = "application/octet-stream"

	// FileExt is the extension of capture files.
	FileExt = ".pmcap"

	// MaxRecordSize bounds a single record on read.
	MaxRecordSize = 64 * 1024
)

// Record is one captured frame.
type Record struct {
	APIVersion    string `json:"apiVersion"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationID"`
	Origin        int64  `json:"origin"`
	PackageID     uint32 `json:"packageId"`
	SampleCount   int    `json:"sampleCount"`
	ContentType   string `json:"contentType"`
	Payload       string `json:"payload"`
}

// NewRecord wraps f. sessionID becomes the correlation id.
func NewRecord(sessionID string, f *protocol.Frame, at time.Time) (*Record, error) {
	wire, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Record{
		APIVersion:    APIVersion,
		ID:            uuid.NewString(),
		CorrelationID: sessionID,
		Origin:        at.UnixNano(),
		PackageID:     f.PackageID,
		SampleCount:   f.SampleCount(),
		ContentType:   ContentType,
		Payload:       base64.StdEncoding.EncodeToString(wire),
	}, nil
}

// Wire returns the frame bytes carried by the record.
func (r *Record) Wire() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("payload base64 decode failed: %w", err)
	}
	return data, nil
}

// Frame decodes the carried frame.
func (r *Record) Frame() (*protocol.Frame, error) {
	data, err := r.Wire()
	if err != nil {
		return nil, err
	}
	return protocol.ParseFrame(data, r.SampleCount)
}

// Recorder appends records to a capture stream. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	w         *bufio.Writer
	closer    io.Closer
	sessionID string
	count     uint64
	now       func() time.Time
}

// NewRecorder writes records to w. If w is an io.Closer, Close closes it.
func NewRecorder(w io.Writer, sessionID string) *Recorder {
	rec := &Recorder{
		w:         bufio.NewWriter(w),
		sessionID: sessionID,
		now:       time.Now,
	}
	if c, ok := w.(io.Closer); ok {
		rec.closer = c
	}
	return rec
}

// Create opens a new capture file in dir named after the session.
func Create(dir, sessionID string) (*Recorder, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create capture directory: %w", err)
	}
	path := filepath.Join(dir, sessionID+FileExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create capture file: %w", err)
	}
	return NewRecorder(f, sessionID), path, nil
}

// WriteFrames records frames and flushes them to the underlying writer.
func (r *Recorder) WriteFrames(_ context.Context, frames []protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	at := r.now()
	for i := range frames {
		rec, err := NewRecord(r.sessionID, &frames[i], at)
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		if err := serialcomm.WriteEnvelope(r.w, data); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		r.count++
	}
	return r.w.Flush()
}

// Count returns the number of records written.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close flushes buffered records and closes the destination.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.w.Flush()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return err
}

// Reader reads records from a capture stream.
type Reader struct {
	r io.Reader
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF at the end of the capture.
// A corrupted envelope returns an error wrapping serialcomm.ErrChecksum.
func (rd *Reader) Next() (*Record, error) {
	data, err := serialcomm.ReadEnvelope(rd.r, MaxRecordSize)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("record decode failed: %w", err)
	}
	return &rec, nil
}

// ReadAll returns every frame in r.
func ReadAll(r io.Reader) ([]protocol.Frame, error) {
	rd := NewReader(r)
	var frames []protocol.Frame
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		f, err := rec.Frame()
		if err != nil {
			return frames, err
		}
		frames = append(frames, *f)
	}
}
