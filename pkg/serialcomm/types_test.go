package serialcomm

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackpressurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    BackpressurePolicy
		wantErr bool
	}{
		{"", DropOldest, false},
		{"drop-oldest", DropOldest, false},
		{" Block ", Block, false},
		{"latest", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseBackpressurePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Equal(t, "block", Block.String())
	assert.Equal(t, "BackpressurePolicy(9)", BackpressurePolicy(9).String())
}

func TestTransportError(t *testing.T) {
	err := &TransportError{Op: "read", Port: "COM14", Err: io.ErrClosedPipe}
	assert.Equal(t, "serial read COM14: io: read/write on closed pipe", err.Error())
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
}

func TestOpenPortValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SerialConfig
	}{
		{"empty name", SerialConfig{BaudRate: 115200, ReadTimeout: time.Second}},
		{"no timeout", SerialConfig{PortName: "/dev/ttyACM0", BaudRate: 115200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenPort(&tt.cfg)
			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "open", te.Op)
		})
	}
}
