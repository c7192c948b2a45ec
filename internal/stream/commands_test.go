package stream

import "testing"

func TestButtonCommand(t *testing.T) {
	cases := []struct {
		b       Button
		pressed bool
		want    string
	}{
		{ButtonLeft, true, "btn +l\r\n"},
		{ButtonRight, false, "btn -r\r\n"},
		{ButtonA, true, "btn +a\r\n"},
		{ButtonMenu, false, "btn -m\r\n"},
	}
	for _, c := range cases {
		got, err := ButtonCommand(c.b, c.pressed)
		if err != nil || string(got) != c.want {
			t.Errorf("%s/%v: %q err=%v want %q", c.b, c.pressed, got, err, c.want)
		}
	}
	if _, err := ButtonCommand(Button(9), true); err == nil {
		t.Error("expected error for unknown button")
	}
}

func TestParseButton(t *testing.T) {
	for in, want := range map[string]Button{
		"left": ButtonLeft, "U": ButtonUp, "down": ButtonDown, "b": ButtonB, "menu": ButtonMenu, "m": ButtonMenu,
	} {
		got, err := ParseButton(in)
		if err != nil || got != want {
			t.Errorf("ParseButton(%q)=%s err=%v want %s", in, got, err, want)
		}
	}
	if _, err := ParseButton("start"); err == nil {
		t.Error("expected error for unknown name")
	}
}

func TestNumericCommands(t *testing.T) {
	if got := string(CrankCommand(12.25)); got != "changecrank 12.2\r\n" && got != "changecrank 12.3\r\n" {
		t.Errorf("crank=%q", got)
	}
	if got := string(CrankCommand(-3)); got != "changecrank -3.0\r\n" {
		t.Errorf("crank=%q", got)
	}
	if got := string(AccelCommand(0.5, -1, 0.0015)); got != "accel 500 -1000 1\r\n" {
		t.Errorf("accel=%q", got)
	}
	if got := string(DockCommand(true)); got != CmdCrankOff {
		t.Errorf("dock=%q", got)
	}
	if got := string(DockCommand(false)); got != CmdCrankOn {
		t.Errorf("undock=%q", got)
	}
}

func TestAudioConfig(t *testing.T) {
	for _, c := range []struct {
		cfg  AudioConfig
		want string
	}{
		{AudioStereo16, "stream a+\r\n"},
		{AudioMono16, "stream am\r\n"},
		{AudioDisabled, "stream a-\r\n"},
	} {
		if got := string(AudioOptionCommand(c.cfg)); got != c.want {
			t.Errorf("%s: %q want %q", c.cfg, got, c.want)
		}
		parsed, err := ParseAudioConfig(c.cfg.String())
		if err != nil || parsed != c.cfg {
			t.Errorf("ParseAudioConfig(%q)=%s err=%v", c.cfg, parsed, err)
		}
	}
	if _, err := ParseAudioConfig("surround"); err == nil {
		t.Error("expected error")
	}
	if AudioConfigFromFlags(0) != AudioDisabled ||
		AudioConfigFromFlags(AudioFlagEnabled) != AudioMono16 ||
		AudioConfigFromFlags(AudioFlagEnabled|AudioFlagStereo) != AudioStereo16 {
		t.Error("flag mapping")
	}
	if string(MuteCommand(true)) != CmdMuteOn || string(MuteCommand(false)) != CmdMuteOff {
		t.Error("mute")
	}
}
