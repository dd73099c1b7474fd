package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame is one decoded telemetry packet.
type Frame struct {
	// PackageID increases by one per frame on the device side. Gaps are not checked.
	PackageID uint32

	// Voltage holds SampleCount voltage samples in device units.
	Voltage []int32

	// Current holds SampleCount current samples in device units.
	Current []int32
}

// SampleCount returns the number of samples per channel.
func (f *Frame) SampleCount() int {
	return len(f.Voltage)
}

// MarshalBinary encodes the frame in wire format.
// Voltage and Current must have the same length.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Voltage) != len(f.Current) {
		return nil, fmt.Errorf("channel length mismatch: voltage=%d current=%d", len(f.Voltage), len(f.Current))
	}
	return AppendFrame(make([]byte, 0, FrameSize(len(f.Voltage))), f), nil
}

// AppendFrame appends the wire encoding of f to dst.
// The caller guarantees len(f.Voltage) == len(f.Current).
func AppendFrame(dst []byte, f *Frame) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, Signature)
	dst = binary.LittleEndian.AppendUint32(dst, f.PackageID)
	for _, v := range f.Voltage {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
	}
	for _, c := range f.Current {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(c))
	}
	return dst
}

// ParseFrame decodes exactly one frame with sampleCount samples per channel.
// data must be exactly FrameSize(sampleCount) bytes and start with Signature.
func ParseFrame(data []byte, sampleCount int) (*Frame, error) {
	if sampleCount <= 0 {
		return nil, fmt.Errorf("invalid sample count %d", sampleCount)
	}
	if want := FrameSize(sampleCount); len(data) != want {
		return nil, fmt.Errorf("invalid frame length: got %d bytes, expected %d", len(data), want)
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != Signature {
		return nil, fmt.Errorf("invalid signature: got 0x%08X, expected 0x%08X", sig, Signature)
	}

	f := decodeFrame(data, sampleCount)
	return &f, nil
}

// decodeFrame decodes a frame whose length and signature were already checked.
// The sample slices never alias data.
func decodeFrame(data []byte, sampleCount int) Frame {
	f := Frame{
		PackageID: binary.LittleEndian.Uint32(data[4:8]),
		Voltage:   make([]int32, sampleCount),
		Current:   make([]int32, sampleCount),
	}

	off := HeaderSize
	for i := range f.Voltage {
		f.Voltage[i] = int32(binary.LittleEndian.Uint32(data[off:]))
		off += SampleSize
	}
	for i := range f.Current {
		f.Current[i] = int32(binary.LittleEndian.Uint32(data[off:]))
		off += SampleSize
	}

	return f
}
