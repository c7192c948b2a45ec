package stream

import (
	"fmt"
	"strings"
)

// Text commands understood by the device. The device echoes what it receives.
const (
	CmdEnable    = "stream enable\r\n"
	CmdFullFrame = "stream fullframe\r\n"
	CmdDisable   = "stream disable\r\n"
	CmdPoke      = "stream poke\r\n"
	CmdMuteOn    = "mute on\r\n"
	CmdMuteOff   = "mute off\r\n"
	CmdCrankOn   = "enablecrank\r\n"
	CmdCrankOff  = "disablecrank\r\n"
)

// AudioConfig is the audio format requested from the device.
type AudioConfig uint8

const (
	AudioStereo16 AudioConfig = iota
	AudioMono16
	AudioDisabled
)

func (c AudioConfig) String() string {
	switch c {
	case AudioStereo16:
		return "stereo16"
	case AudioMono16:
		return "mono16"
	case AudioDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

func (c AudioConfig) option() string {
	switch c {
	case AudioStereo16:
		return "a+"
	case AudioMono16:
		return "am"
	default:
		return "a-"
	}
}

// ParseAudioConfig maps a config string to an AudioConfig.
func ParseAudioConfig(s string) (AudioConfig, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stereo16", "stereo":
		return AudioStereo16, nil
	case "mono16", "mono":
		return AudioMono16, nil
	case "disabled", "off", "none":
		return AudioDisabled, nil
	}
	return AudioDisabled, fmt.Errorf("unknown audio config %q", s)
}

// AudioConfigFromFlags maps audio-change flags to the matching config.
func AudioConfigFromFlags(flags uint16) AudioConfig {
	switch {
	case flags&AudioFlagEnabled == 0:
		return AudioDisabled
	case flags&AudioFlagStereo != 0:
		return AudioStereo16
	default:
		return AudioMono16
	}
}

// AudioOptionCommand builds the "stream a+|am|a-" command for cfg.
func AudioOptionCommand(cfg AudioConfig) []byte {
	return []byte("stream " + cfg.option() + "\r\n")
}

// MuteCommand builds the mute on/off command.
func MuteCommand(mute bool) []byte {
	if mute {
		return []byte(CmdMuteOn)
	}
	return []byte(CmdMuteOff)
}

// Button is a device button.
type Button uint8

const (
	ButtonLeft Button = iota
	ButtonRight
	ButtonUp
	ButtonDown
	ButtonB
	ButtonA
	ButtonMenu
)

const buttonKeys = "lrudbam"

var buttonNames = [...]string{"left", "right", "up", "down", "b", "a", "menu"}

func (b Button) String() string {
	if int(b) < len(buttonNames) {
		return buttonNames[b]
	}
	return fmt.Sprintf("button(%d)", uint8(b))
}

// ParseButton accepts a button name or its one-letter wire key.
func ParseButton(s string) (Button, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range buttonNames {
		if s == n || (len(s) == 1 && s[0] == buttonKeys[i]) {
			return Button(i), nil
		}
	}
	return 0, fmt.Errorf("unknown button %q", s)
}

// ButtonCommand builds "btn +x" or "btn -x".
func ButtonCommand(b Button, pressed bool) ([]byte, error) {
	if int(b) >= len(buttonKeys) {
		return nil, fmt.Errorf("unknown button %d", b)
	}
	sign := byte('-')
	if pressed {
		sign = '+'
	}
	return []byte{'b', 't', 'n', ' ', sign, buttonKeys[b], '\r', '\n'}, nil
}

// CrankCommand builds "changecrank <deg>" with one decimal.
func CrankCommand(delta float64) []byte {
	return fmt.Appendf(nil, "changecrank %.1f\r\n", delta)
}

// DockCommand docks (disablecrank) or undocks (enablecrank) the crank.
func DockCommand(docked bool) []byte {
	if docked {
		return []byte(CmdCrankOff)
	}
	return []byte(CmdCrankOn)
}

// AccelCommand builds "accel x y z" in milli-g, truncated toward zero.
func AccelCommand(x, y, z float64) []byte {
	return fmt.Appendf(nil, "accel %d %d %d\r\n", int(x*1000), int(y*1000), int(z*1000))
}
