package stream

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-mirror-server/internal/logging"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
)

// State is the decoder state.
type State uint8

const (
	StateDisabled State = iota
	StateEnabling
	StateStreamStarting
	StateParsingFirstHeader
	StateParsingHeader
	StateParsingPayload
	StateResyncingEcho
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateStreamStarting:
		return "stream_starting"
	case StateParsingFirstHeader:
		return "parsing_first_header"
	case StateParsingHeader:
		return "parsing_header"
	case StateParsingPayload:
		return "parsing_payload"
	case StateResyncingEcho:
		return "resyncing_echo"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Handler receives decoder events. Calls happen on the goroutine running Feed.
type Handler interface {
	// StreamStarted is called once per handshake, on the first valid header.
	StreamStarted()
	// HandleMessage is called for every decoded message.
	HandleMessage(Message)
}

// The device echoes text commands into the binary stream. A header that
// starts with the echo prefix is not a header; the rest of the echo is
// skipped. This is a compatibility shim for that one quirk and applies to
// nothing else.
const echoPrefix = "stre"

// Decoder is the byte-stream state machine. It is not safe for concurrent use.
type Decoder struct {
	h     Handler
	log   *slog.Logger
	state State

	ackMatched int

	hdr     [HeaderSize]byte
	hdrRead int
	header  Header

	payload     [MaxPayload]byte
	payloadRead int

	echoRead int
	started  bool
}

// NewDecoder returns a disabled decoder dispatching to h.
func NewDecoder(h Handler) *Decoder {
	return &Decoder{h: h, log: logging.For("stream")}
}

// State returns the current state.
func (d *Decoder) State() State { return d.state }

// Enable starts scanning for the enable acknowledgment.
func (d *Decoder) Enable() {
	d.ackMatched = 0
	d.hdrRead = 0
	d.payloadRead = 0
	d.echoRead = 0
	d.started = false
	d.state = StateEnabling
}

// Disable drops all further input until Enable.
func (d *Decoder) Disable() { d.state = StateDisabled }

// Feed consumes bytes from p and returns how many were consumed. Input runs
// out mid-message without error; the decoder resumes on the next call. On a
// desync the decoder disables itself and returns an error wrapping ErrDesync
// together with the cause; callers must stop feeding until Enable.
func (d *Decoder) Feed(p []byte) (int, error) {
	i := 0
	for i < len(p) {
		switch d.state {
		case StateDisabled:
			return len(p), nil

		case StateEnabling:
			for i < len(p) && d.ackMatched < len(CmdEnable) {
				c := p[i]
				i++
				switch {
				case c == CmdEnable[d.ackMatched]:
					d.ackMatched++
				case c == CmdEnable[0]:
					d.ackMatched = 1
				default:
					d.ackMatched = 0
				}
			}
			if d.ackMatched == len(CmdEnable) {
				d.log.Debug("stream_enable_ack")
				d.state = StateStreamStarting
			}

		case StateStreamStarting:
			d.hdrRead = 0
			d.state = StateParsingFirstHeader

		case StateParsingFirstHeader, StateParsingHeader:
			n := copy(d.hdr[d.hdrRead:], p[i:])
			d.hdrRead += n
			i += n
			if d.hdrRead < HeaderSize {
				return i, nil
			}
			if string(d.hdr[:]) == echoPrefix {
				d.log.Debug("stream_echo_resync")
				d.echoRead = len(echoPrefix)
				d.state = StateResyncingEcho
				continue
			}
			h := ParseHeader(d.hdr[:])
			if err := ValidateHeader(h); err != nil {
				return i, d.desync(metrics.DesyncHeader, err)
			}
			if !d.started {
				d.started = true
				d.h.StreamStarted()
			}
			d.header = h
			d.payloadRead = 0
			d.state = StateParsingPayload
			if h.Length == 0 {
				d.complete()
			}

		case StateParsingPayload:
			n := copy(d.payload[d.payloadRead:d.header.Length], p[i:])
			d.payloadRead += n
			i += n
			if d.payloadRead < int(d.header.Length) {
				return i, nil
			}
			d.complete()

		case StateResyncingEcho:
			for i < len(p) && d.echoRead < len(CmdPoke) {
				c := p[i]
				if c != CmdPoke[d.echoRead] && c != CmdEnable[d.echoRead] {
					return i, d.desync(metrics.DesyncEcho,
						fmt.Errorf("%w: byte 0x%02x at offset %d", ErrEchoMismatch, c, d.echoRead))
				}
				d.echoRead++
				i++
			}
			if d.echoRead == len(CmdPoke) {
				d.hdrRead = 0
				d.state = StateParsingHeader
				if !d.started {
					d.state = StateParsingFirstHeader
				}
			}
		}
	}
	return i, nil
}

func (d *Decoder) complete() {
	h := d.header
	d.hdrRead = 0
	d.state = StateParsingHeader
	msg, err := DecodeMessage(h, d.payload[:h.Length])
	if err != nil {
		metrics.IncMalformed()
		d.log.Debug("stream_malformed", "opcode", h.Opcode.String(), "error", err)
		return
	}
	metrics.IncMessage(msg.Kind())
	d.h.HandleMessage(msg)
}

func (d *Decoder) desync(reason string, cause error) error {
	metrics.IncDesync(reason)
	d.log.Warn("stream_desync", "reason", reason, "from", d.state.String(), "error", cause)
	d.state = StateDisabled
	return errors.Join(ErrDesync, cause)
}
