package protocol

// Telemetry frame constants.
const (
	// Signature marks the start of every telemetry frame.
	Signature uint32 = 0x87654321

	// HeaderSize is signature(4) + package id(4).
	HeaderSize = 8

	// SampleSize is the encoded size of one i32 sample.
	SampleSize = 4

	// SampleCount63 is the sample count of the CDC-ACM firmware build.
	SampleCount63 = 63

	// SampleCount256 is the sample count of the high-rate firmware build.
	SampleCount256 = 256
)

// Command opcodes.
const (
	// OpWriteADCConfig writes conversion time, average count, ADC range and alert mode
	OpWriteADCConfig byte = 0x02

	// OpApplyConfig applies the previously written configuration to the INA229
	OpApplyConfig byte = 0x04

	// OpSetBatteryVoltage sets the simulated battery DAC code (high byte, low byte)
	OpSetBatteryVoltage byte = 0x05

	// OpBatteryOutput enables (1) or disables (0) the simulated battery output
	OpBatteryOutput byte = 0x06

	// OpStartMeasure starts streaming telemetry on the data port
	OpStartMeasure byte = 0x07

	// OpStopMeasure stops streaming; the device does not acknowledge it reliably
	OpStopMeasure byte = 0x08
)

// Response constants.
const (
	// StatusSuccess is the status byte of an accepted command.
	StatusSuccess byte = 0x01

	// StatusFailure is the status byte of a rejected command.
	StatusFailure byte = 0x00

	// CommandSize is the fixed size of a command without payload.
	CommandSize = 4

	// AckSize is the size of the response the firmware sends.
	AckSize = 4

	// MinResponseSize is the smallest response that can be validated (echo + status).
	MinResponseSize = 2

	// MaxResponseSize bounds a single response read.
	MaxResponseSize = 16
)

// Battery simulator DAC constants.
const (
	// DACVcc is the DAC supply voltage in volts.
	DACVcc = 4.75

	// DACResolution is the number of DAC steps.
	DACResolution = 4096

	// BatteryCodeMax is the DAC code for 4.2 V (4096 * 4.2 / 4.75).
	BatteryCodeMax uint16 = 3622

	// BatteryCodeDefault is the firmware power-on code, labelled 3.8 V on the board.
	BatteryCodeDefault uint16 = 3350
)

// FrameSize returns the encoded length of a frame with n samples per channel.
func FrameSize(n int) int {
	return HeaderSize + 2*SampleSize*n
}

// ValidSampleCount reports whether n is a sample count used by a known firmware build.
func ValidSampleCount(n int) bool {
	return n == SampleCount63 || n == SampleCount256
}
