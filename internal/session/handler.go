package session

import (
	"github.com/kstaniek/go-mirror-server/internal/frame"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
	"github.com/kstaniek/go-mirror-server/internal/stream"
)

var _ stream.Handler = (*Session)(nil)

// StreamStarted sends the audio and mute preferences once the device is
// streaming.
func (s *Session) StreamStarted() {
	s.mu.Lock()
	cfg, mute := s.audioCfg, s.mute
	s.mu.Unlock()
	s.streaming.Store(true)
	metrics.IncStreamStart()
	s.log.Info("stream_started", "audio", cfg.String(), "mute", mute)
	s.span.AddEvent("stream_started")
	_ = s.send(stream.AudioOptionCommand(cfg))
	_ = s.send(stream.MuteCommand(mute))
}

// HandleMessage applies one decoded message. Payload slices are only valid
// during the call.
func (s *Session) HandleMessage(m stream.Message) {
	switch m := m.(type) {
	case stream.DeviceState:
		s.deviceState(m)
	case stream.FrameBegin:
		s.frames.BeginFrame(m.Timestamp)
	case stream.FrameRow:
		if err := s.frames.SetRow(m.Row, m.Data); err != nil {
			metrics.IncError(metrics.ErrFrameApply)
			s.log.Debug("frame_row_rejected", "row", m.Row, "error", err)
			return
		}
		metrics.AddRows(1)
	case stream.FrameEnd:
		s.frames.EndFrame()
		metrics.IncFramePresented()
	case stream.FullFrame:
		n, err := s.frames.ApplyFullFrame(m.Timestamp, m.Mask, m.Rows)
		metrics.AddRows(n)
		metrics.IncFramePresented()
		if err != nil {
			metrics.IncError(metrics.ErrFrameApply)
			s.log.Debug("full_frame_short", "rows", n, "error", err)
		}
	case stream.AudioChange:
		applied, err := s.audio.SetChannels(m.Channels())
		if err != nil {
			s.log.Warn("audio_format_error", "error", err)
			return
		}
		s.log.Info("audio_format", "enabled", m.Enabled(), "channels", m.Channels(), "deferred", !applied)
	case stream.AudioFrame:
		if s.AudioConfig() != stream.AudioDisabled {
			s.audio.AddSamples(m.PCM)
		}
	case stream.AudioOffset:
		if s.AudioConfig() != stream.AudioDisabled {
			s.audio.AddSilence(int(m.Samples))
		}
	case stream.AppReset:
		s.frames.Reset()
	case stream.AppPalette:
		if err := s.frames.SetPalette(m.Mode, frame.PaletteFromRGB(m.RGB)); err != nil {
			metrics.IncError(metrics.ErrFrameApply)
			s.log.Warn("palette_rejected", "error", err)
		}
	case stream.AppUnknown:
		s.log.Debug("app_command_ignored", "sub", m.Sub, "bytes", len(m.Payload))
	}
}

// deviceState records the heartbeat and reports messages the device dropped
// since the previous one. The counter wraps at 65536.
func (s *Session) deviceState(m stream.DeviceState) {
	st := m
	s.status.Store(&st)
	d := int(m.Dropped)
	if s.lastDropped >= 0 && d != s.lastDropped {
		diff := (d - s.lastDropped + 65536) % 65536
		metrics.AddDeviceDropped(diff)
		s.log.Info("device_dropped_messages", "count", diff)
	}
	s.lastDropped = d
}
