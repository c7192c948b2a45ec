package viewer

import (
	"encoding/json"
	"fmt"

	"github.com/kstaniek/go-mirror-server/internal/frame"
	"github.com/kstaniek/go-mirror-server/internal/hub"
	"github.com/kstaniek/go-mirror-server/internal/stream"
)

// Binary message kinds (first byte of every binary websocket message).
const (
	KindFrame byte = 0x01
	KindAudio byte = 0x02
)

// audioChannels is fixed: the audio buffer always hands out stereo.
const audioChannels = 2

// EncodeFrame builds a frame message:
// kind, mode, palette length, palette RGB triplets, bitmap.
func EncodeFrame(s frame.Snapshot) hub.Packet {
	n := len(s.Palette)
	p := make([]byte, 0, 3+3*n+len(s.Bitmap))
	p = append(p, KindFrame, byte(s.Mode), byte(n))
	for _, c := range s.Palette {
		p = append(p, c.R, c.G, c.B)
	}
	p = append(p, s.Bitmap...)
	return p
}

// EncodeAudio builds an audio message: kind, channel count, s16le PCM.
func EncodeAudio(pcm []byte) hub.Packet {
	p := make([]byte, 2+len(pcm))
	p[0] = KindAudio
	p[1] = audioChannels
	copy(p[2:], pcm)
	return p
}

// Input is a JSON control message from a viewer.
type Input struct {
	Type    string  `json:"type"`
	Button  string  `json:"button,omitempty"`
	Pressed bool    `json:"pressed,omitempty"`
	Delta   float64 `json:"delta,omitempty"`
	Angle   float64 `json:"angle,omitempty"`
	Docked  bool    `json:"docked,omitempty"`
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Z       float64 `json:"z,omitempty"`
}

// Controller receives viewer input. *session.Session implements it.
type Controller interface {
	SendButton(b stream.Button, pressed bool) error
	SendCrankDelta(deg float64) error
	SendCrankAngle(deg float64) error
	SendCrankDocked(docked bool) error
	SendAccel(x, y, z float64) error
}

// DecodeInput parses one viewer text message.
func DecodeInput(b []byte) (Input, error) {
	var in Input
	if err := json.Unmarshal(b, &in); err != nil {
		return Input{}, fmt.Errorf("%w: %v", ErrInput, err)
	}
	return in, nil
}

// Apply forwards in to c.
func (in Input) Apply(c Controller) error {
	switch in.Type {
	case "button":
		b, err := stream.ParseButton(in.Button)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInput, err)
		}
		return c.SendButton(b, in.Pressed)
	case "crank":
		return c.SendCrankDelta(in.Delta)
	case "crank_angle":
		return c.SendCrankAngle(in.Angle)
	case "dock":
		return c.SendCrankDocked(in.Docked)
	case "accel":
		return c.SendAccel(in.X, in.Y, in.Z)
	}
	return fmt.Errorf("%w: unknown type %q", ErrInput, in.Type)
}
