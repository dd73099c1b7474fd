package api

import (
	"github.com/clint456/powermon/internal/publish"
	"github.com/clint456/powermon/internal/session"
	"github.com/clint456/powermon/internal/settings"
	"github.com/clint456/powermon/pkg/series"
)

// APIResponse wraps every successful reply.
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// HealthResponse reports liveness and the session state.
type HealthResponse struct {
	Status  string        `json:"status"`
	Session session.State `json:"session"`
	Uptime  string        `json:"uptime"`
}

// BatteryVoltageRequest sets the simulated battery either by DAC code or by
// voltage. Code wins when both are given.
type BatteryVoltageRequest struct {
	Code  *uint16  `json:"code"`
	Volts *float64 `json:"volts"`
}

// BatteryOutputRequest switches the simulated battery output.
type BatteryOutputRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// RawCommandRequest carries hex encoded bytes, e.g. "07000000". Spaces are
// ignored.
type RawCommandRequest struct {
	Hex string `json:"hex" binding:"required"`
}

// CommandResult describes an acknowledged command.
type CommandResult struct {
	Command  string `json:"command"`
	Response string `json:"response"`
	OK       bool   `json:"ok"`
}

// RawResult holds the bytes read back for a raw command.
type RawResult struct {
	Sent     string `json:"sent"`
	Response string `json:"response"`
}

// BatteryResult is the stored battery setting after a change.
type BatteryResult struct {
	Settings settings.Settings `json:"settings"`
	Volts    float64           `json:"volts"`
}

// SeriesResult summarises a window of a channel.
type SeriesResult struct {
	Channel string       `json:"channel"`
	From    int          `json:"from"`
	To      int          `json:"to"`
	Total   int          `json:"total"`
	Stats   series.Stats `json:"stats"`
	Samples []int32      `json:"samples,omitempty"`
}

const (
	defaultHistorySize = 20
	maxHistorySize     = 1000
)

// HistoryResult lists recently published frames, newest first.
type HistoryResult struct {
	Count    int               `json:"count"`
	Messages []publish.Message `json:"messages"`
}
