package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Desync reports a run of bytes discarded while searching for the frame signature.
// It is an event, not an error: decoding continues with the next valid frame.
type Desync struct {
	// Skipped is the number of bytes discarded in this run.
	Skipped int

	// Offset is the stream position of the first discarded byte.
	Offset uint64
}

// DecoderStats holds running totals for a FrameDecoder.
type DecoderStats struct {
	Frames       uint64
	Desyncs      uint64
	SkippedBytes uint64
}

// FrameDecoder reassembles telemetry frames from a byte stream.
//
// FrameDecoder is not safe for concurrent use; it belongs to the single
// goroutine that reads the data port.
type FrameDecoder struct {
	sampleCount int
	frameSize   int
	buf         bytes.Buffer
	consumed    uint64
	run         Desync
	stats       DecoderStats
}

// NewFrameDecoder creates a decoder for frames with sampleCount samples per channel.
func NewFrameDecoder(sampleCount int) (*FrameDecoder, error) {
	if sampleCount <= 0 {
		return nil, fmt.Errorf("invalid sample count %d", sampleCount)
	}
	return &FrameDecoder{
		sampleCount: sampleCount,
		frameSize:   FrameSize(sampleCount),
	}, nil
}

// SampleCount returns the configured samples per channel.
func (d *FrameDecoder) SampleCount() int {
	return d.sampleCount
}

// FrameSize returns the byte length of one frame.
func (d *FrameDecoder) FrameSize() int {
	return d.frameSize
}

// Feed appends p to the internal buffer and returns every frame that became
// decodable, in stream order, together with the desync runs that ended.
//
// While at least one frame length is buffered, the leading 4 bytes are
// compared with Signature. On mismatch exactly one byte is discarded and the
// check is repeated at the next offset. Bytes that do not yet form a full
// frame stay buffered for the next call.
//
// A run of discarded bytes is reported once, when the next signature is
// found, however the bytes were split across calls. Use Flush to report a run
// that is still open.
func (d *FrameDecoder) Feed(p []byte) ([]Frame, []Desync) {
	d.buf.Write(p)

	var (
		frames  []Frame
		desyncs []Desync
	)

	for d.buf.Len() >= d.frameSize {
		head := d.buf.Bytes()

		if binary.LittleEndian.Uint32(head[:4]) != Signature {
			if d.run.Skipped == 0 {
				d.run.Offset = d.consumed
			}
			d.run.Skipped++
			d.buf.Next(1)
			d.consumed++
			continue
		}

		if run, ok := d.closeRun(); ok {
			desyncs = append(desyncs, run)
		}

		frames = append(frames, decodeFrame(head[:d.frameSize], d.sampleCount))
		d.buf.Next(d.frameSize)
		d.consumed += uint64(d.frameSize)
		d.stats.Frames++
	}

	return frames, desyncs
}

// Flush reports the open desync run, if any. Buffered bytes are kept.
func (d *FrameDecoder) Flush() (Desync, bool) {
	return d.closeRun()
}

// Pending returns the number of bytes discarded since the last signature
// that have not been reported yet.
func (d *FrameDecoder) Pending() int {
	return d.run.Skipped
}

func (d *FrameDecoder) closeRun() (Desync, bool) {
	run := d.run
	if run.Skipped == 0 {
		return Desync{}, false
	}
	d.run = Desync{}
	d.stats.Desyncs++
	d.stats.SkippedBytes += uint64(run.Skipped)
	return run, true
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *FrameDecoder) Buffered() int {
	return d.buf.Len()
}

// Stats returns running totals since creation or the last Reset.
func (d *FrameDecoder) Stats() DecoderStats {
	return d.stats
}

// Reset drops buffered bytes and the open desync run, and zeroes the statistics.
func (d *FrameDecoder) Reset() {
	d.buf.Reset()
	d.consumed = 0
	d.run = Desync{}
	d.stats = DecoderStats{}
}
