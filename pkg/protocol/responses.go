package protocol

// Response is the acknowledgement read back after a command.
type Response struct {
	// Opcode is the echoed opcode (byte 0)
	Opcode byte

	// Status is StatusSuccess or StatusFailure (byte 1)
	Status byte

	// Raw holds every byte that was read, at most MaxResponseSize
	Raw []byte
}

// OK reports whether the response acknowledges a successful command.
func (r *Response) OK() bool {
	return r.Status == StatusSuccess
}

// ParseResponse validates raw against cmd.
//
// Fewer than MinResponseSize bytes yields ErrTimeout (none) or ErrShortResponse.
// An echo or status mismatch yields ErrRejected. Commands that do not expect an
// acknowledgement are never rejected; the bytes are returned as read.
func ParseResponse(cmd Command, raw []byte) (*Response, error) {
	if len(raw) > MaxResponseSize {
		raw = raw[:MaxResponseSize]
	}

	resp := &Response{Raw: append([]byte(nil), raw...)}
	if len(raw) > 0 {
		resp.Opcode = raw[0]
	}
	if len(raw) > 1 {
		resp.Status = raw[1]
	}

	if !cmd.ExpectsAck() {
		return resp, nil
	}

	switch {
	case len(raw) == 0:
		return nil, &ProtocolError{Operation: cmd.Name(), Opcode: cmd.Opcode, Kind: ErrTimeout}
	case len(raw) < MinResponseSize:
		return nil, &ProtocolError{Operation: cmd.Name(), Opcode: cmd.Opcode, Kind: ErrShortResponse, Received: resp.Raw}
	case resp.Opcode != cmd.Opcode || resp.Status != StatusSuccess:
		return nil, &ProtocolError{Operation: cmd.Name(), Opcode: cmd.Opcode, Kind: ErrRejected, Received: resp.Raw}
	}

	return resp, nil
}
