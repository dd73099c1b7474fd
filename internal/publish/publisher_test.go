package publish

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clint456/powermon/internal/config"
	"github.com/clint456/powermon/pkg/protocol"
)

func TestEncode(t *testing.T) {
	f := protocol.Frame{PackageID: 77, Voltage: []int32{1, -2}, Current: []int32{300, 400}}
	at := time.Unix(1700000000, 0)

	data, err := Encode("sess", &f, at)
	require.NoError(t, err)

	var m Message
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, Message{
		APIVersion: APIVersion,
		SessionID:  "sess",
		PackageID:  77,
		Origin:     at.UnixNano(),
		Voltage:    []int32{1, -2},
		Current:    []int32{300, 400},
	}, m)
	assert.Contains(t, string(data), `"packageId":77`)
}

func TestNewFailsWithoutRedis(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// port 1 is reserved; the dial is refused immediately
	_, err := New(ctx, config.RedisConfig{
		Address:     "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		PoolSize:    1,
	}, log)
	assert.Error(t, err)
}

func TestHistoryWithoutKey(t *testing.T) {
	p := &Publisher{}
	msgs, err := p.History(context.Background(), 10)
	assert.NoError(t, err)
	assert.Nil(t, msgs)

	p.historyKey = "powermon:history"
	msgs, err = p.History(context.Background(), 0)
	assert.NoError(t, err)
	assert.Nil(t, msgs)
}
