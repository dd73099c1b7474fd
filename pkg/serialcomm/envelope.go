package serialcomm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

// Envelope layout: [length u32 BE][payload][crc16/MODBUS u16 BE].
const (
	envelopeHeaderSize  = 4
	envelopeTrailerSize = 2
)

var (
	// ErrChecksum is returned by ReadEnvelope when the CRC does not match.
	ErrChecksum = errors.New("envelope crc mismatch")

	// ErrEnvelopeLength is returned by ReadEnvelope for a zero or oversized length prefix.
	ErrEnvelopeLength = errors.New("invalid envelope length")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum returns the CRC16/MODBUS of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// AppendEnvelope appends the enveloped payload to dst.
func AppendEnvelope(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint16(dst, Checksum(payload))
}

// WriteEnvelope writes payload to w in a single Write.
func WriteEnvelope(w io.Writer, payload []byte) error {
	buf := AppendEnvelope(make([]byte, 0, envelopeHeaderSize+len(payload)+envelopeTrailerSize), payload)
	_, err := w.Write(buf)
	return err
}

// ReadEnvelope reads one envelope from r and returns its payload.
//
// It returns io.EOF when r is exhausted before the length prefix, and
// io.ErrUnexpectedEOF when an envelope is cut short.
func ReadEnvelope(r io.Reader, maxLen int) ([]byte, error) {
	var hdr [envelopeHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || (maxLen > 0 && n > uint32(maxLen)) {
		return nil, fmt.Errorf("%w: %d", ErrEnvelopeLength, n)
	}

	body := make([]byte, int(n)+envelopeTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	payload := body[:n]
	want := binary.BigEndian.Uint16(body[n:])
	if got := Checksum(payload); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrChecksum, got, want)
	}
	return payload, nil
}
