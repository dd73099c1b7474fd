package protocol

import (
	"fmt"
	"math"
	"sort"
)

// Command is one control request. On the wire it is Opcode, Params and then Payload.
type Command struct {
	Opcode  byte
	Params  [3]byte
	Payload []byte
}

// Bytes returns the wire encoding of the command.
func (c Command) Bytes() []byte {
	b := make([]byte, 0, CommandSize+len(c.Payload))
	b = append(b, c.Opcode, c.Params[0], c.Params[1], c.Params[2])
	return append(b, c.Payload...)
}

// Name returns a human-readable name for the opcode.
func (c Command) Name() string {
	return OpcodeName(c.Opcode)
}

// ExpectsAck reports whether the response to c is validated.
// The device does not echo a success status for stop measuring.
func (c Command) ExpectsAck() bool {
	return c.Opcode != OpStopMeasure
}

// OpcodeName returns a human-readable name for an opcode.
func OpcodeName(op byte) string {
	switch op {
	case OpWriteADCConfig:
		return "write adc config"
	case OpApplyConfig:
		return "apply config"
	case OpSetBatteryVoltage:
		return "set battery voltage"
	case OpBatteryOutput:
		return "battery output"
	case OpStartMeasure:
		return "start measuring"
	case OpStopMeasure:
		return "stop measuring"
	default:
		return fmt.Sprintf("opcode 0x%02X", op)
	}
}

// ConversionTime is the INA229 VBUSCT/VSHCT conversion time code.
type ConversionTime byte

const (
	ConversionTime280us  ConversionTime = 0x3
	ConversionTime540us  ConversionTime = 0x4
	ConversionTime1052us ConversionTime = 0x5
	ConversionTime2074us ConversionTime = 0x6
	ConversionTime4120us ConversionTime = 0x7
)

var conversionTimeNames = map[string]ConversionTime{
	"280uS":  ConversionTime280us,
	"540uS":  ConversionTime540us,
	"1052uS": ConversionTime1052us,
	"2074uS": ConversionTime2074us,
	"4120uS": ConversionTime4120us,
}

// AverageCount is the INA229 averaging count code.
type AverageCount byte

const (
	AverageCount1    AverageCount = 0x0
	AverageCount4    AverageCount = 0x1
	AverageCount16   AverageCount = 0x2
	AverageCount64   AverageCount = 0x3
	AverageCount128  AverageCount = 0x4
	AverageCount256  AverageCount = 0x5
	AverageCount512  AverageCount = 0x6
	AverageCount1024 AverageCount = 0x7
)

var averageCountNames = map[string]AverageCount{
	"AVG_NUM_1":    AverageCount1,
	"AVG_NUM_4":    AverageCount4,
	"AVG_NUM_16":   AverageCount16,
	"AVG_NUM_64":   AverageCount64,
	"AVG_NUM_128":  AverageCount128,
	"AVG_NUM_256":  AverageCount256,
	"AVG_NUM_512":  AverageCount512,
	"AVG_NUM_1024": AverageCount1024,
}

// ADCRange selects the INA229 shunt full-scale range.
type ADCRange byte

const (
	ADCRange0 ADCRange = 0x0
	ADCRange1 ADCRange = 0x1
)

var adcRangeNames = map[string]ADCRange{
	"RANGE_0": ADCRange0,
	"RANGE_1": ADCRange1,
}

// ParseConversionTime maps a setting name such as "280uS" to its code.
func ParseConversionTime(name string) (ConversionTime, error) {
	if v, ok := conversionTimeNames[name]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown conversion time %q (valid: %v)", name, sortedKeys(conversionTimeNames))
}

// ParseAverageCount maps a setting name such as "AVG_NUM_16" to its code.
func ParseAverageCount(name string) (AverageCount, error) {
	if v, ok := averageCountNames[name]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown average count %q (valid: %v)", name, sortedKeys(averageCountNames))
}

// ParseADCRange maps a setting name such as "RANGE_1" to its code.
func ParseADCRange(name string) (ADCRange, error) {
	if v, ok := adcRangeNames[name]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown adc range %q (valid: %v)", name, sortedKeys(adcRangeNames))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ADCConfig is the payload of OpWriteADCConfig.
type ADCConfig struct {
	ConversionTime ConversionTime
	AverageCount   AverageCount
	Range          ADCRange

	// AlertOnAverage compares the ALERT limit against the averaged value.
	AlertOnAverage bool
}

// ParseADCConfig builds an ADCConfig from setting names. Alert-on-average is
// enabled, matching what the device tooling always sent.
func ParseADCConfig(conversionTime, averageCount, adcRange string) (ADCConfig, error) {
	ct, err := ParseConversionTime(conversionTime)
	if err != nil {
		return ADCConfig{}, err
	}
	avg, err := ParseAverageCount(averageCount)
	if err != nil {
		return ADCConfig{}, err
	}
	rng, err := ParseADCRange(adcRange)
	if err != nil {
		return ADCConfig{}, err
	}
	return ADCConfig{ConversionTime: ct, AverageCount: avg, Range: rng, AlertOnAverage: true}, nil
}

// BuildADCConfigCmd constructs a write-ADC-config command.
//
// Frame structure:
//
//	[0x02][0x00][0x00][0x00][CONV_TIME][AVG_NUM][ADC_RANGE][AVG_ALERT]
func BuildADCConfigCmd(cfg ADCConfig) (Command, error) {
	if cfg.ConversionTime < ConversionTime280us || cfg.ConversionTime > ConversionTime4120us {
		return Command{}, fmt.Errorf("conversion time code 0x%X out of range", byte(cfg.ConversionTime))
	}
	if cfg.AverageCount > AverageCount1024 {
		return Command{}, fmt.Errorf("average count code 0x%X out of range", byte(cfg.AverageCount))
	}
	if cfg.Range > ADCRange1 {
		return Command{}, fmt.Errorf("adc range code 0x%X out of range", byte(cfg.Range))
	}

	var alert byte
	if cfg.AlertOnAverage {
		alert = 0x01
	}

	return Command{
		Opcode:  OpWriteADCConfig,
		Payload: []byte{byte(cfg.ConversionTime), byte(cfg.AverageCount), byte(cfg.Range), alert},
	}, nil
}

// BuildApplyConfigCmd constructs the command that applies the written configuration.
func BuildApplyConfigCmd() Command {
	return Command{Opcode: OpApplyConfig}
}

// BuildBatteryVoltageCmd constructs a set-battery-voltage command.
//
// Frame structure:
//
//	[0x05][CODE_H][CODE_L][0x00]
func BuildBatteryVoltageCmd(code uint16) (Command, error) {
	if code > BatteryCodeMax {
		return Command{}, fmt.Errorf("battery code %d exceeds maximum %d", code, BatteryCodeMax)
	}
	return Command{
		Opcode: OpSetBatteryVoltage,
		Params: [3]byte{byte(code >> 8), byte(code), 0x00},
	}, nil
}

// BuildBatteryOutputCmd constructs the command that switches the battery output.
func BuildBatteryOutputCmd(enable bool) Command {
	cmd := Command{Opcode: OpBatteryOutput}
	if enable {
		cmd.Params[0] = 0x01
	}
	return cmd
}

// BuildStartMeasureCmd constructs the start-measuring command.
func BuildStartMeasureCmd() Command {
	return Command{Opcode: OpStartMeasure}
}

// BuildStopMeasureCmd constructs the stop-measuring command.
func BuildStopMeasureCmd() Command {
	return Command{Opcode: OpStopMeasure}
}

// VoltsToBatteryCode converts a battery voltage to a DAC code.
func VoltsToBatteryCode(volts float64) (uint16, error) {
	if math.IsNaN(volts) || volts < 0 {
		return 0, fmt.Errorf("invalid battery voltage %v", volts)
	}
	code := math.Round(volts * DACResolution / DACVcc)
	if code > float64(BatteryCodeMax) {
		return 0, fmt.Errorf("battery voltage %.3fV exceeds maximum %.3fV", volts, BatteryCodeToVolts(BatteryCodeMax))
	}
	return uint16(code), nil
}

// BatteryCodeToVolts converts a DAC code to volts.
func BatteryCodeToVolts(code uint16) float64 {
	return float64(code) * DACVcc / DACResolution
}
