package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clint456/powermon/internal/config"
	"github.com/clint456/powermon/internal/logger"
	"github.com/clint456/powermon/internal/monitor"
	"github.com/clint456/powermon/internal/publish"
	"github.com/clint456/powermon/internal/session"
	"github.com/clint456/powermon/internal/settings"
	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
	"github.com/clint456/powermon/pkg/series"
)

type fakeController struct {
	status   session.Status
	settings settings.Settings
	err      error

	connectReq monitor.ConnectRequest
	adcReq     monitor.ADCRequest
	code       uint16
	enabled    bool
	raw        []byte
	statsArgs  []interface{}
	samples    []int32
}

func (f *fakeController) Connect(_ context.Context, req monitor.ConnectRequest) (session.Status, error) {
	f.connectReq = req
	return f.status, f.err
}

func (f *fakeController) Disconnect() (session.Status, error) {
	return session.Status{State: session.Disconnected}, f.err
}

func (f *fakeController) Status() session.Status      { return f.status }
func (f *fakeController) Settings() settings.Settings { return f.settings }

func (f *fakeController) ConfigureADC(_ context.Context, req monitor.ADCRequest) (settings.Settings, error) {
	f.adcReq = req
	return f.settings, f.err
}

func (f *fakeController) SetBatteryVoltage(_ context.Context, code uint16) (settings.Settings, error) {
	f.code = code
	st := f.settings
	st.BatteryCode = code
	return st, f.err
}

func (f *fakeController) SetBatteryOutput(_ context.Context, enabled bool) (settings.Settings, error) {
	f.enabled = enabled
	return f.settings, f.err
}

func (f *fakeController) StartMeasuring(context.Context) (*protocol.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.Response{Opcode: protocol.OpStartMeasure, Status: protocol.StatusSuccess, Raw: []byte{0x07, 0x01, 0, 0}}, nil
}

func (f *fakeController) StopMeasuring(context.Context) (*protocol.Response, error) {
	return &protocol.Response{}, f.err
}

func (f *fakeController) SendRaw(_ context.Context, data []byte) ([]byte, error) {
	f.raw = data
	return []byte{data[0], 0x01}, f.err
}

func (f *fakeController) SeriesStats(channel string, from, to int) (series.Stats, int, error) {
	f.statsArgs = []interface{}{channel, from, to}
	if f.err != nil {
		return series.Stats{}, 0, f.err
	}
	return series.Stats{Count: 2, Mean: 1.5, Min: 1, Max: 2}, len(f.samples), nil
}

func (f *fakeController) SeriesSnapshot(string) ([]int32, error) {
	return f.samples, f.err
}

func newTestServer(ctrl Controller) *Server {
	return NewServer(config.APIConfig{Host: "127.0.0.1", Port: 0}, ctrl,
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("powermon_up 1\n")) }),
		logger.Discard())
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(&fakeController{status: session.Status{State: session.Streaming}})

	w, body := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "streaming", body["session"])

	w, _ = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "powermon_up 1")
}

func TestConnect(t *testing.T) {
	ctrl := &fakeController{status: session.Status{ID: "abc", State: session.Streaming}}
	s := newTestServer(ctrl)

	w, body := do(t, s, http.MethodPost, "/api/v1/session/connect", `{"commandPort":"COM3","baudRate":115200}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitor.ConnectRequest{CommandPort: "COM3", BaudRate: 115200}, ctrl.connectReq)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "abc", data["id"])
	assert.Equal(t, "streaming", data["state"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/session/connect", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitor.ConnectRequest{}, ctrl.connectReq)

	w, _ = do(t, s, http.MethodPost, "/api/v1/session/connect", "{")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not connected", session.ErrNotStreaming, http.StatusConflict},
		{"already connected", monitor.ErrAlreadyConnected, http.StatusConflict},
		{"timeout", &protocol.ProtocolError{Operation: "start measuring", Kind: protocol.ErrTimeout}, http.StatusGatewayTimeout},
		{"rejected", &protocol.ProtocolError{Operation: "start measuring", Kind: protocol.ErrRejected}, http.StatusBadGateway},
		{"transport", &serialcomm.TransportError{Op: "write", Port: "COM13", Err: errors.New("gone")}, http.StatusServiceUnavailable},
		{"invalid", monitor.ErrInvalidRequest, http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
		{"settings write", fmt.Errorf("failed to write settings: %w", os.ErrPermission), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeController{err: tt.err})
			w, body := do(t, s, http.MethodPost, "/api/v1/commands/start", "")
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, float64(tt.want), body["code"])
			assert.Equal(t, tt.err.Error(), body["details"])
		})
	}
}

func TestCommands(t *testing.T) {
	ctrl := &fakeController{settings: settings.Defaults()}
	s := newTestServer(ctrl)

	w, body := do(t, s, http.MethodPost, "/api/v1/commands/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "start measuring", data["command"])
	assert.Equal(t, "07010000", data["response"])
	assert.Equal(t, true, data["ok"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/commands/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/commands/adc-config", `{"conversionTime":"540uS","adcRange":"RANGE_1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitor.ADCRequest{ConversionTime: "540uS", ADCRange: "RANGE_1"}, ctrl.adcReq)

	w, _ = do(t, s, http.MethodPost, "/api/v1/commands/battery-output", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ctrl.enabled)

	w, _ = do(t, s, http.MethodPost, "/api/v1/commands/battery-output", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/commands/raw", `{"hex":"07 00 00 00"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte{0x07, 0, 0, 0}, ctrl.raw)

	w, _ = do(t, s, http.MethodPost, "/api/v1/commands/raw", `{"hex":"zz"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, s, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "COM13", body["data"].(map[string]interface{})["commandPort"])
}

func TestBatteryVoltage(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		want     uint16
	}{
		{"code", `{"code":2000}`, http.StatusOK, 2000},
		{"volts", `{"volts":3.8}`, http.StatusOK, 3277},
		{"code wins", `{"code":10,"volts":3.8}`, http.StatusOK, 10},
		{"too high", `{"volts":5}`, http.StatusBadRequest, 0},
		{"empty", `{}`, http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{settings: settings.Defaults()}
			w, _ := do(t, newTestServer(ctrl), http.MethodPost, "/api/v1/commands/battery-voltage", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.want, ctrl.code)
		})
	}
}

func TestSeries(t *testing.T) {
	ctrl := &fakeController{samples: []int32{1, 2, 3, 4}}
	s := newTestServer(ctrl)

	w, body := do(t, s, http.MethodGet, "/api/v1/series?channel=voltage&from=1&to=3&samples=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"voltage", 1, 3}, ctrl.statsArgs)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(4), data["total"])
	assert.Equal(t, []interface{}{float64(2), float64(3)}, data["samples"])
	assert.Equal(t, 1.5, data["stats"].(map[string]interface{})["mean"])

	w, _ = do(t, s, http.MethodGet, "/api/v1/series", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{monitor.ChannelCurrent, 0, math.MaxInt}, ctrl.statsArgs)

	w, _ = do(t, s, http.MethodGet, "/api/v1/series?from=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSeriesDefaultCoversRetention(t *testing.T) {
	ctrl := &fakeController{samples: make([]int32, 50000)}
	s := newTestServer(ctrl)

	w, body := do(t, s, http.MethodGet, "/api/v1/series?samples=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{monitor.ChannelCurrent, 0, math.MaxInt}, ctrl.statsArgs)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(50000), data["to"])
	assert.Equal(t, float64(50000), data["total"])
	assert.Len(t, data["samples"], 50000)
}

type fakeHistory struct {
	n    int64
	msgs []publish.Message
	err  error
}

func (f *fakeHistory) History(_ context.Context, n int64) ([]publish.Message, error) {
	f.n = n
	return f.msgs, f.err
}

func TestHistory(t *testing.T) {
	s := newTestServer(&fakeController{})

	w, body := do(t, s, http.MethodGet, "/api/v1/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "publishing disabled", body["message"])

	src := &fakeHistory{msgs: []publish.Message{
		{APIVersion: publish.APIVersion, SessionID: "abc", PackageID: 9},
		{APIVersion: publish.APIVersion, SessionID: "abc", PackageID: 8},
	}}
	s.ServeHistory(src)

	tests := []struct {
		name   string
		query  string
		status int
		n      int64
	}{
		{"default count", "", http.StatusOK, defaultHistorySize},
		{"explicit count", "?n=2", http.StatusOK, 2},
		{"zero", "?n=0", http.StatusBadRequest, 0},
		{"too many", "?n=1001", http.StatusBadRequest, 0},
		{"not a number", "?n=x", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src.n = 0
			w, body := do(t, s, http.MethodGet, "/api/v1/history"+tt.query, "")
			require.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.n, src.n)
			if tt.status != http.StatusOK {
				return
			}
			data := body["data"].(map[string]interface{})
			assert.Equal(t, float64(2), data["count"])
			first := data["messages"].([]interface{})[0].(map[string]interface{})
			assert.Equal(t, float64(9), first["packageId"])
		})
	}

	src.err = errors.New("redis down")
	w, _ = do(t, s, http.MethodGet, "/api/v1/history", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWindow(t *testing.T) {
	s := []int32{1, 2, 3}
	assert.Equal(t, []int32{2, 3}, window(s, 1, 10))
	assert.Empty(t, window(s, 5, 10))
	assert.Empty(t, window(s, 2, 1))
	assert.Equal(t, []int32{1}, window(s, -4, 1))
}
