// Package settings persists the instrument settings chosen by the operator:
// ports, baud rate, ADC configuration and battery simulator output.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/clint456/powermon/pkg/protocol"
)

// ErrInvalid marks settings that fail validation.
var ErrInvalid = errors.New("invalid settings")

// Settings mirrors the instrument settings file.
type Settings struct {
	CommandPort    string `yaml:"serial_port_cmd" json:"commandPort"`
	DataPort       string `yaml:"serial_port_data" json:"dataPort"`
	BaudRate       int    `yaml:"baudrate" json:"baudRate"`
	ConversionTime string `yaml:"conversion_times" json:"conversionTime"`
	AverageCount   string `yaml:"average_num" json:"averageCount"`
	ADCRange       string `yaml:"adc_range" json:"adcRange"`
	BatteryCode    uint16 `yaml:"vbat" json:"batteryCode"`
	BatteryEnabled bool   `yaml:"vbat_ena" json:"batteryEnabled"`
}

// Defaults returns the factory settings.
func Defaults() Settings {
	return Settings{
		CommandPort:    "COM13",
		DataPort:       "COM14",
		BaudRate:       10000000,
		ConversionTime: "280uS",
		AverageCount:   "AVG_NUM_1",
		ADCRange:       "RANGE_0",
		BatteryCode:    1927,
		BatteryEnabled: false,
	}
}

// Validate checks every field against the protocol tables.
func (s Settings) Validate() error {
	var errs []error
	if s.CommandPort == "" {
		errs = append(errs, errors.New("command port is empty"))
	}
	if s.DataPort == "" {
		errs = append(errs, errors.New("data port is empty"))
	}
	if s.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid baud rate %d", s.BaudRate))
	}
	if _, err := s.ADCConfig(); err != nil {
		errs = append(errs, err)
	}
	if s.BatteryCode > protocol.BatteryCodeMax {
		errs = append(errs, fmt.Errorf("battery code %d exceeds maximum %d", s.BatteryCode, protocol.BatteryCodeMax))
	}
	return errors.Join(errs...)
}

// ADCConfig converts the stored names to an ADC configuration.
func (s Settings) ADCConfig() (protocol.ADCConfig, error) {
	return protocol.ParseADCConfig(s.ConversionTime, s.AverageCount, s.ADCRange)
}

// Store is a settings file guarded for concurrent use. Every successful
// Update is written to disk before it becomes visible.
type Store struct {
	path string

	mu      sync.RWMutex
	current Settings
}

// Open loads the settings file at path. A missing file is created from defaults.
func Open(path string, defaults Settings) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := defaults.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default settings: %w", err)
		}
		if err := s.write(defaults); err != nil {
			return nil, err
		}
		s.current = defaults
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	// missing keys keep their default values
	loaded := defaults
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	s.current = loaded
	return s, nil
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the settings, validates and persists the
// result. Validation failures wrap ErrInvalid. On any error the stored
// settings are unchanged.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)
	if err := next.Validate(); err != nil {
		return s.current, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := s.write(next); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

func (s *Store) write(v Settings) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
