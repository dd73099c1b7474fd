// Package protocol implements the wire formats spoken by the power-monitor
// instrument: the fixed-layout telemetry frame streamed on the data port and the
// 4-byte command/response exchange used on the command port.
//
// Telemetry frame (little-endian throughout):
//
//	[SIGNATURE u32][PACKAGE_ID u32][VOLTAGE i32 × N][CURRENT i32 × N]
//
// N is the sample count of the deployment (63 or 256) and is fixed for the life
// of a connection. FrameDecoder reassembles frames from an arbitrarily chunked
// byte stream and slides one byte at a time to find the signature again after
// corruption.
//
// Command frame:
//
//	[OPCODE][PARAM0][PARAM1][PARAM2][PAYLOAD...]
//
// Response frame (up to 16 bytes):
//
//	[OPCODE echo][STATUS][...]
//
// Example:
//
//	dec, _ := protocol.NewFrameDecoder(protocol.SampleCount63)
//	frames, desyncs := dec.Feed(chunk)
package protocol
