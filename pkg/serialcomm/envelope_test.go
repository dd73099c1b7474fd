package serialcomm

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumModbus(t *testing.T) {
	assert.Equal(t, uint16(0x4B37), Checksum([]byte("123456789")))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte(`{"id":1}`), {0x00}, bytes.Repeat([]byte{0xA5}, 600)}
	for _, p := range payloads {
		require.NoError(t, WriteEnvelope(&buf, p))
	}

	for _, want := range payloads {
		got, err := ReadEnvelope(&buf, 1024)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadEnvelope(&buf, 1024)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEnvelopeLayout(t *testing.T) {
	got := AppendEnvelope(nil, []byte("123456789"))
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x09}, got[:4])
	assert.Equal(t, []byte("123456789"), got[4:13])
	assert.Equal(t, []byte{0x4B, 0x37}, got[13:])
}

func TestReadEnvelopeErrors(t *testing.T) {
	valid := AppendEnvelope(nil, []byte("hello"))

	corrupt := append([]byte(nil), valid...)
	corrupt[6] ^= 0xFF

	tests := []struct {
		name    string
		data    []byte
		maxLen  int
		wantErr error
	}{
		{"crc mismatch", corrupt, 0, ErrChecksum},
		{"truncated payload", valid[:7], 0, io.ErrUnexpectedEOF},
		{"truncated header", valid[:2], 0, io.ErrUnexpectedEOF},
		{"zero length", []byte{0, 0, 0, 0, 0xFF, 0xFF}, 0, ErrEnvelopeLength},
		{"over limit", valid, 4, ErrEnvelopeLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadEnvelope(bytes.NewReader(tt.data), tt.maxLen)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
