// Package stream decodes the device's mirroring byte stream.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/kstaniek/go-mirror-server/internal/frame"
)

// Opcode identifies a binary message.
type Opcode uint8

const (
	OpDeviceState      Opcode = 1
	OpFrameBeginLegacy Opcode = 10
	OpFrameEnd         Opcode = 11
	OpFrameRow         Opcode = 12
	OpFrameBegin       Opcode = 13
	OpFullFrame        Opcode = 14
	OpAudioFrame       Opcode = 20
	OpAudioChange      Opcode = 21
	OpAudioOffset      Opcode = 22
	OpApplication      Opcode = 0x99
)

func (o Opcode) String() string {
	switch o {
	case OpDeviceState:
		return "device_state"
	case OpFrameBeginLegacy:
		return "frame_begin_legacy"
	case OpFrameEnd:
		return "frame_end"
	case OpFrameRow:
		return "frame_row"
	case OpFrameBegin:
		return "frame_begin"
	case OpFullFrame:
		return "full_frame"
	case OpAudioFrame:
		return "audio_frame"
	case OpAudioChange:
		return "audio_change"
	case OpAudioOffset:
		return "audio_offset"
	case OpApplication:
		return "application"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// Application sub-commands carried in the header aux byte.
const (
	AppCmdReset         = 0
	AppCmd1BitPalette   = 1
	AppCmd4BitPalette   = 2
	palette1BitSize     = 2 * 3
	palette4BitSize     = 16 * 3
	deviceStateSize     = 8
	frameBeginSize      = 4
	frameRowSize        = 1 + frame.RowBytes + 1
	fullFrameFixedSize  = 4 + frame.MaskBytes + 2
	audioChangeSize     = 2
	audioOffsetSize     = 4
	maxAudioFrameLength = 2048
)

const (
	// HeaderSize is the length of the binary message header.
	HeaderSize = 4
	// MaxPayload bounds the payload scratch buffer: a full frame with every row.
	MaxPayload = fullFrameFixedSize + frame.Height*frame.RowBytes
)

// Audio flags in an audio-change message.
const (
	AudioFlagEnabled = 1 << 0
	AudioFlagStereo  = 1 << 1
)

var (
	// ErrDesync means header/payload alignment was lost and the link must be re-handshaken.
	ErrDesync = errors.New("stream: desync")
	// ErrInvalidHeader is a header whose length does not fit its opcode.
	ErrInvalidHeader = errors.New("stream: invalid header")
	// ErrEchoMismatch is a failed command-echo resync.
	ErrEchoMismatch = errors.New("stream: echo mismatch")
	// ErrMalformed is a well-framed message whose content cannot be applied.
	ErrMalformed = errors.New("stream: malformed message")
)

// Header precedes every binary message. Integers are little-endian.
type Header struct {
	Opcode Opcode
	Aux    uint8
	Length uint16
}

// ParseHeader reads a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) Header {
	return Header{Opcode: Opcode(b[0]), Aux: b[1], Length: binary.LittleEndian.Uint16(b[2:4])}
}

// Put writes h into the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	b[0] = byte(h.Opcode)
	b[1] = h.Aux
	binary.LittleEndian.PutUint16(b[2:4], h.Length)
}

// ValidateHeader checks the payload length against the opcode table.
func ValidateHeader(h Header) error {
	sz := int(h.Length)
	if sz > MaxPayload {
		return fmt.Errorf("%w: %s length %d exceeds %d", ErrInvalidHeader, h.Opcode, sz, MaxPayload)
	}
	var ok bool
	switch h.Opcode {
	case OpDeviceState:
		ok = sz == deviceStateSize
	case OpFrameBeginLegacy, OpFrameEnd:
		ok = sz == 0
	case OpFrameBegin:
		ok = sz == frameBeginSize
	case OpFrameRow:
		ok = sz == frameRowSize
	case OpFullFrame:
		ok = sz == fullFrameFixedSize+int(h.Aux)*frame.RowBytes
	case OpAudioFrame:
		ok = sz < maxAudioFrameLength
	case OpAudioChange:
		ok = sz == audioChangeSize
	case OpAudioOffset:
		ok = sz == audioOffsetSize
	case OpApplication:
		switch h.Aux {
		case AppCmdReset:
			ok = sz == 0
		case AppCmd1BitPalette:
			ok = sz == palette1BitSize
		case AppCmd4BitPalette:
			ok = sz == palette4BitSize
		default:
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s aux %d length %d", ErrInvalidHeader, h.Opcode, h.Aux, sz)
	}
	return nil
}

// Message is one decoded payload. Slices in a Message alias the decoder's
// scratch buffer and are only valid until the handler returns.
type Message interface {
	Kind() string
}

// DeviceState is the device heartbeat.
type DeviceState struct {
	Buttons uint8
	State   uint8
	Dropped uint16 // wraps at 65536
	Crank   float32
}

// FrameBegin opens a frame. Legacy begins carry no timestamp.
type FrameBegin struct {
	Timestamp uint32
	Legacy    bool
}

// FrameRow replaces one display row.
type FrameRow struct {
	Row  int // logical, 0-based
	Data []byte
}

type FrameEnd struct{}

// FullFrame carries the changed rows of a frame.
type FullFrame struct {
	Timestamp uint32
	Mask      []byte
	Rows      []byte
}

type AudioFrame struct {
	PCM []byte
}

type AudioChange struct {
	Flags uint16
}

func (a AudioChange) Enabled() bool { return a.Flags&AudioFlagEnabled != 0 }
func (a AudioChange) Stereo() bool  { return a.Flags&AudioFlagStereo != 0 }

// Channels returns 2 for stereo and 1 otherwise.
func (a AudioChange) Channels() int {
	if a.Stereo() {
		return 2
	}
	return 1
}

// AudioOffset reports samples of silence the device skipped.
type AudioOffset struct {
	Samples uint32
}

type AppReset struct{}

// AppPalette replaces palette and mode.
type AppPalette struct {
	Mode frame.Mode
	RGB  []byte
}

// AppUnknown is an application sub-command this host does not implement.
type AppUnknown struct {
	Sub     uint8
	Payload []byte
}

func (DeviceState) Kind() string { return OpDeviceState.String() }
func (m FrameBegin) Kind() string {
	if m.Legacy {
		return OpFrameBeginLegacy.String()
	}
	return OpFrameBegin.String()
}
func (FrameRow) Kind() string    { return OpFrameRow.String() }
func (FrameEnd) Kind() string    { return OpFrameEnd.String() }
func (FullFrame) Kind() string   { return OpFullFrame.String() }
func (AudioFrame) Kind() string  { return OpAudioFrame.String() }
func (AudioChange) Kind() string { return OpAudioChange.String() }
func (AudioOffset) Kind() string { return OpAudioOffset.String() }
func (AppReset) Kind() string    { return "app_reset" }
func (AppPalette) Kind() string  { return "app_palette" }
func (AppUnknown) Kind() string  { return "app_unknown" }

// RowFromWire converts the bit-reversed 1-based row byte of a frame-row
// message into a 0-based row index.
func RowFromWire(b uint8) (int, error) {
	r := int(bits.Reverse8(b))
	if r == 0 || r > frame.Height {
		return 0, fmt.Errorf("%w: row byte 0x%02x", ErrMalformed, b)
	}
	return r - 1, nil
}

// RowToWire is the inverse of RowFromWire.
func RowToWire(row int) uint8 { return bits.Reverse8(uint8(row + 1)) }

// DecodeMessage builds the typed message for a validated header. The
// payload must be exactly h.Length bytes.
func DecodeMessage(h Header, p []byte) (Message, error) {
	if len(p) != int(h.Length) {
		return nil, fmt.Errorf("%w: %s payload %d bytes, header says %d", ErrMalformed, h.Opcode, len(p), h.Length)
	}
	if err := ValidateHeader(h); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	switch h.Opcode {
	case OpDeviceState:
		return DeviceState{
			Buttons: p[0],
			State:   p[1],
			Dropped: le.Uint16(p[2:4]),
			Crank:   math.Float32frombits(le.Uint32(p[4:8])),
		}, nil
	case OpFrameBeginLegacy:
		return FrameBegin{Legacy: true}, nil
	case OpFrameBegin:
		return FrameBegin{Timestamp: le.Uint32(p)}, nil
	case OpFrameRow:
		row, err := RowFromWire(p[0])
		if err != nil {
			return nil, err
		}
		return FrameRow{Row: row, Data: p[1 : 1+frame.RowBytes]}, nil
	case OpFrameEnd:
		return FrameEnd{}, nil
	case OpFullFrame:
		return FullFrame{
			Timestamp: le.Uint32(p),
			Mask:      p[4 : 4+frame.MaskBytes],
			Rows:      p[fullFrameFixedSize:],
		}, nil
	case OpAudioFrame:
		return AudioFrame{PCM: p}, nil
	case OpAudioChange:
		return AudioChange{Flags: le.Uint16(p)}, nil
	case OpAudioOffset:
		return AudioOffset{Samples: le.Uint32(p)}, nil
	case OpApplication:
		switch h.Aux {
		case AppCmdReset:
			return AppReset{}, nil
		case AppCmd1BitPalette:
			return AppPalette{Mode: frame.ModeOneBit, RGB: p}, nil
		case AppCmd4BitPalette:
			return AppPalette{Mode: frame.ModeFourBit2x2, RGB: p}, nil
		default:
			return AppUnknown{Sub: h.Aux, Payload: p}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, h.Opcode)
}
