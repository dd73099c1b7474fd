package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/clint456/powermon/internal/monitor"
	"github.com/clint456/powermon/internal/publish"
	"github.com/clint456/powermon/internal/session"
	"github.com/clint456/powermon/internal/settings"
	"github.com/clint456/powermon/pkg/protocol"
	"github.com/clint456/powermon/pkg/serialcomm"
	"github.com/clint456/powermon/pkg/series"
)

// Controller is the instrument surface served over HTTP.
type Controller interface {
	Connect(ctx context.Context, req monitor.ConnectRequest) (session.Status, error)
	Disconnect() (session.Status, error)
	Status() session.Status
	Settings() settings.Settings
	ConfigureADC(ctx context.Context, req monitor.ADCRequest) (settings.Settings, error)
	SetBatteryVoltage(ctx context.Context, code uint16) (settings.Settings, error)
	SetBatteryOutput(ctx context.Context, enabled bool) (settings.Settings, error)
	StartMeasuring(ctx context.Context) (*protocol.Response, error)
	StopMeasuring(ctx context.Context) (*protocol.Response, error)
	SendRaw(ctx context.Context, data []byte) ([]byte, error)
	SeriesStats(channel string, from, to int) (series.Stats, int, error)
	SeriesSnapshot(channel string) ([]int32, error)
}

var _ Controller = (*monitor.Monitor)(nil)

// HistorySource returns recently published frames, newest first.
type HistorySource interface {
	History(ctx context.Context, n int64) ([]publish.Message, error)
}

var _ HistorySource = (*publish.Publisher)(nil)

type handlers struct {
	ctrl    Controller
	history HistorySource
	log     logrus.FieldLogger
	started time.Time
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Session: h.ctrl.Status().State,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
	})
}

func (h *handlers) getSession(c *gin.Context) {
	ok(c, h.ctrl.Status())
}

func (h *handlers) connect(c *gin.Context) {
	var req monitor.ConnectRequest
	if !bindOptional(c, &req) {
		return
	}
	status, err := h.ctrl.Connect(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "connect", err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"session":  status.ID,
		"clientIP": c.ClientIP(),
	}).Info("session connected")
	ok(c, status)
}

func (h *handlers) disconnect(c *gin.Context) {
	status, err := h.ctrl.Disconnect()
	if err != nil {
		h.fail(c, "disconnect", err)
		return
	}
	ok(c, status)
}

func (h *handlers) getSettings(c *gin.Context) {
	ok(c, h.ctrl.Settings())
}

func (h *handlers) configureADC(c *gin.Context) {
	var req monitor.ADCRequest
	if !bindOptional(c, &req) {
		return
	}
	st, err := h.ctrl.ConfigureADC(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "adc-config", err)
		return
	}
	ok(c, st)
}

func (h *handlers) batteryVoltage(c *gin.Context) {
	var req BatteryVoltageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var code uint16
	switch {
	case req.Code != nil:
		code = *req.Code
	case req.Volts != nil:
		v, err := protocol.VoltsToBatteryCode(*req.Volts)
		if err != nil {
			badRequest(c, err)
			return
		}
		code = v
	default:
		badRequest(c, errors.New("either code or volts is required"))
		return
	}

	st, err := h.ctrl.SetBatteryVoltage(c.Request.Context(), code)
	if err != nil {
		h.fail(c, "battery-voltage", err)
		return
	}
	ok(c, BatteryResult{Settings: st, Volts: protocol.BatteryCodeToVolts(st.BatteryCode)})
}

func (h *handlers) batteryOutput(c *gin.Context) {
	var req BatteryOutputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.ctrl.SetBatteryOutput(c.Request.Context(), *req.Enabled)
	if err != nil {
		h.fail(c, "battery-output", err)
		return
	}
	ok(c, BatteryResult{Settings: st, Volts: protocol.BatteryCodeToVolts(st.BatteryCode)})
}

func (h *handlers) start(c *gin.Context) {
	resp, err := h.ctrl.StartMeasuring(c.Request.Context())
	h.commandReply(c, protocol.BuildStartMeasureCmd(), resp, err)
}

func (h *handlers) stop(c *gin.Context) {
	resp, err := h.ctrl.StopMeasuring(c.Request.Context())
	h.commandReply(c, protocol.BuildStopMeasureCmd(), resp, err)
}

func (h *handlers) commandReply(c *gin.Context, cmd protocol.Command, resp *protocol.Response, err error) {
	if err != nil {
		h.fail(c, cmd.Name(), err)
		return
	}
	ok(c, CommandResult{
		Command:  cmd.Name(),
		Response: hex.EncodeToString(resp.Raw),
		OK:       resp.OK(),
	})
}

func (h *handlers) raw(c *gin.Context) {
	var req RawCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	data, err := hex.DecodeString(strings.ReplaceAll(req.Hex, " ", ""))
	if err != nil || len(data) == 0 {
		badRequest(c, fmt.Errorf("invalid hex %q", req.Hex))
		return
	}
	reply, err := h.ctrl.SendRaw(c.Request.Context(), data)
	if err != nil {
		h.fail(c, "raw", err)
		return
	}
	ok(c, RawResult{Sent: hex.EncodeToString(data), Response: hex.EncodeToString(reply)})
}

func (h *handlers) series(c *gin.Context) {
	channel := c.DefaultQuery("channel", monitor.ChannelCurrent)
	from, err := queryInt(c, "from", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := queryInt(c, "to", math.MaxInt)
	if err != nil {
		badRequest(c, err)
		return
	}

	stats, total, err := h.ctrl.SeriesStats(channel, from, to)
	if err != nil {
		h.fail(c, "series", err)
		return
	}
	to = min(to, total)
	result := SeriesResult{Channel: channel, From: from, To: to, Total: total, Stats: stats}

	if c.Query("samples") == "true" {
		samples, err := h.ctrl.SeriesSnapshot(channel)
		if err != nil {
			h.fail(c, "series", err)
			return
		}
		result.Samples = window(samples, from, to)
	}
	ok(c, result)
}

func (h *handlers) getHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    http.StatusNotFound,
			Message: "publishing disabled",
		})
		return
	}
	n, err := queryInt(c, "n", defaultHistorySize)
	if err != nil {
		badRequest(c, err)
		return
	}
	if n <= 0 || n > maxHistorySize {
		badRequest(c, fmt.Errorf("n must be between 1 and %d", maxHistorySize))
		return
	}
	msgs, err := h.history.History(c.Request.Context(), int64(n))
	if err != nil {
		h.fail(c, "history", err)
		return
	}
	ok(c, HistoryResult{Count: len(msgs), Messages: msgs})
}

// window clamps [from, to) to s.
func window(s []int32, from, to int) []int32 {
	from = max(0, min(from, len(s)))
	to = max(from, min(to, len(s)))
	return s[from:to]
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return false
	}
	return true
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{Code: 0, Message: "success", Data: data})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    http.StatusBadRequest,
		Message: "invalid request",
		Details: err.Error(),
	})
}

func (h *handlers) fail(c *gin.Context, op string, err error) {
	code, message := classify(err)
	entry := h.log.WithFields(logrus.Fields{"op": op, "status": code}).WithError(err)
	if code >= http.StatusInternalServerError {
		entry.Warn("request failed")
	} else {
		entry.Debug("request rejected")
	}
	c.JSON(code, ErrorResponse{Code: code, Message: message, Details: err.Error()})
}

// classify maps an error to an HTTP status and a short message.
func classify(err error) (int, string) {
	var te *serialcomm.TransportError
	switch {
	case errors.Is(err, monitor.ErrInvalidRequest), errors.Is(err, monitor.ErrUnknownChannel):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, session.ErrNotStreaming):
		return http.StatusConflict, "not connected"
	case errors.Is(err, monitor.ErrAlreadyConnected):
		return http.StatusConflict, "already connected"
	case errors.Is(err, protocol.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "device did not respond"
	case protocol.IsProtocolError(err):
		return http.StatusBadGateway, "device rejected the command"
	case errors.As(err, &te):
		return http.StatusServiceUnavailable, "serial port failure"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
