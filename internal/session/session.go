// Package session ties the ingest buffer, decoder, frame store and audio
// buffer to one device link and exposes the outbound command API.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/audio"
	"github.com/kstaniek/go-mirror-server/internal/frame"
	"github.com/kstaniek/go-mirror-server/internal/logging"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
	"github.com/kstaniek/go-mirror-server/internal/ring"
	"github.com/kstaniek/go-mirror-server/internal/serial"
	"github.com/kstaniek/go-mirror-server/internal/stream"
	"github.com/kstaniek/go-mirror-server/internal/transport"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoLink is returned by outbound commands while no device is attached.
var ErrNoLink = errors.New("session: no device link")

// Config holds session tunables. Zero values take defaults.
type Config struct {
	IngestSize     int           // ingest ring capacity in bytes
	AudioSize      int           // audio ring capacity in bytes
	ReadBufSize    int           // bytes per link read
	TxQueue        int           // outbound command queue length
	TickInterval   time.Duration // main loop period
	PokeInterval   time.Duration // keepalive period
	ReconnectDelay time.Duration // pause between disable and re-enable after a desync
	AudioConfig    stream.AudioConfig
	Mute           bool
}

const (
	defaultIngestSize     = 65536
	defaultReadBufSize    = 65536
	defaultTxQueue        = 64
	defaultTickInterval   = time.Millisecond
	defaultPokeInterval   = time.Second
	defaultReconnectDelay = 10 * time.Millisecond
	ingestRetryDelay      = time.Millisecond
	txDrainTimeout        = 50 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.IngestSize <= 0 {
		c.IngestSize = defaultIngestSize
	}
	if c.AudioSize <= 0 {
		c.AudioSize = audio.DefaultCapacity
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = defaultReadBufSize
	}
	if c.TxQueue <= 0 {
		c.TxQueue = defaultTxQueue
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.PokeInterval <= 0 {
		c.PokeInterval = defaultPokeInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	return c
}

// Session owns all per-link protocol state.
//
// Goroutines: the reader calls Ingest; the main loop calls Tick, Pump, Begin
// and Reset and receives decoder callbacks; any goroutine may call the Send*
// and Set* methods.
type Session struct {
	cfg    Config
	log    *slog.Logger
	ingest *ring.Buffer
	dec    *stream.Decoder
	frames *frame.Store
	audio  *audio.Buffer

	mu   sync.Mutex // guards link, tx, audioCfg, mute
	link transport.Link
	tx   *serial.TXWriter

	audioCfg stream.AudioConfig
	mute     bool

	streaming atomic.Bool
	linkUp    atomic.Bool
	status    atomic.Pointer[stream.DeviceState]

	// main loop only
	span        trace.Span
	lastDropped int
	lastPoke    time.Time
	reenableAt  time.Time

	crank CrankTracker

	// sleepFn and now allow tests to intercept time.
	sleepFn func(time.Duration)
	now     func() time.Time
}

// New builds a session. sink receives completed frames; onAudioResume is
// called when audio data arrives after a pause. Either may be nil.
func New(cfg Config, sink frame.Sink, onAudioResume func()) (*Session, error) {
	cfg = cfg.withDefaults()
	ingest, err := ring.New(cfg.IngestSize, 1)
	if err != nil {
		return nil, fmt.Errorf("session ingest: %w", err)
	}
	ab, err := audio.New(cfg.AudioSize, onAudioResume)
	if err != nil {
		return nil, fmt.Errorf("session audio: %w", err)
	}
	s := &Session{
		cfg:         cfg,
		log:         logging.For("session"),
		ingest:      ingest,
		frames:      frame.NewStore(sink),
		audio:       ab,
		audioCfg:    cfg.AudioConfig,
		mute:        cfg.Mute,
		lastDropped: -1,
		sleepFn:     time.Sleep,
		now:         time.Now,
		span:        trace.SpanFromContext(context.Background()),
	}
	s.dec = stream.NewDecoder(s)
	return s, nil
}

// Frames returns the frame store.
func (s *Session) Frames() *frame.Store { return s.frames }

// Audio returns the audio buffer. Its Pull side belongs to the audio sink.
func (s *Session) Audio() *audio.Buffer { return s.audio }

// Streaming reports whether the handshake completed on the current link.
func (s *Session) Streaming() bool { return s.streaming.Load() }

// LinkUp reports whether a device link is attached.
func (s *Session) LinkUp() bool { return s.linkUp.Load() }

// DeviceState returns the last heartbeat, if any.
func (s *Session) DeviceState() (stream.DeviceState, bool) {
	p := s.status.Load()
	if p == nil {
		return stream.DeviceState{}, false
	}
	return *p, true
}

// DecoderState returns the decoder state. Main loop only.
func (s *Session) DecoderState() stream.State { return s.dec.State() }

// attach makes link the current device link and starts its TX writer.
func (s *Session) attach(ctx context.Context, link transport.Link) {
	tx := serial.NewTXWriter(ctx, link, s.cfg.TxQueue)
	s.mu.Lock()
	s.link = link
	s.tx = tx
	s.mu.Unlock()
	s.linkUp.Store(true)
	metrics.SetLinkUp(true)
}

// detach flushes queued commands, closes the link and forgets it.
func (s *Session) detach() error {
	s.mu.Lock()
	link, tx := s.link, s.tx
	s.link, s.tx = nil, nil
	s.mu.Unlock()
	s.linkUp.Store(false)
	metrics.SetLinkUp(false)
	if tx != nil {
		tx.Drain(txDrainTimeout)
		tx.Close()
	}
	if link == nil {
		return nil
	}
	return link.Close()
}

func (s *Session) send(cmd []byte) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return ErrNoLink
	}
	return tx.Send(cmd)
}

func (s *Session) flush() {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.Flush(); err != nil {
		metrics.IncError(metrics.ErrLinkFlush)
		s.log.Warn("link_flush_error", "error", err)
	}
}

// Begin starts a handshake on the attached link: flush, send enable and
// full-frame mode, reset the frame store to defaults.
func (s *Session) Begin() {
	s.enable()
	s.frames.Reset()
}

func (s *Session) enable() {
	s.flush()
	s.reenableAt = time.Time{}
	s.streaming.Store(false)
	s.dec.Enable()
	s.log.Info("stream_enable")
	_ = s.send([]byte(stream.CmdEnable))
	_ = s.send([]byte(stream.CmdFullFrame))
}

// Poke sends the keepalive.
func (s *Session) Poke() error { return s.send([]byte(stream.CmdPoke)) }

// Ingest pushes link bytes into the ingest buffer. When the buffer is full it
// counts the overflow and retries after a short sleep until everything fits
// or ctx is done. Reader goroutine only.
func (s *Session) Ingest(ctx context.Context, p []byte) error {
	overflowed := false
	for {
		n := s.ingest.Push(p)
		if metrics.ObserveBacklog(s.ingest.Available()) {
			s.log.Debug("ingest_high_water", "bytes", s.ingest.Available())
		}
		p = p[n:]
		if len(p) == 0 {
			return nil
		}
		if !overflowed {
			overflowed = true
			metrics.IncIngestOverflow()
			s.log.Debug("ingest_overflow", "pending", len(p))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.sleepFn(ingestRetryDelay)
	}
}

// Pump feeds everything currently buffered through the decoder without
// blocking. On a desync it starts a reconnect and returns the decoder error.
// Main loop only.
func (s *Session) Pump() error {
	for {
		region := s.ingest.ReadRegion()
		if len(region) == 0 {
			return nil
		}
		n, err := s.dec.Feed(region)
		s.ingest.AdvanceRead(n)
		if err != nil {
			s.reconnect(err)
			return err
		}
	}
}

// reconnect disables the stream, drops the backlog and schedules a fresh
// handshake after the reconnect delay.
func (s *Session) reconnect(cause error) {
	s.streaming.Store(false)
	s.dec.Disable()
	_ = s.send([]byte(stream.CmdDisable))
	dropped := s.ingest.AdvanceRead(s.ingest.Available())
	s.reenableAt = s.now().Add(s.cfg.ReconnectDelay)
	s.log.Warn("stream_reconnect", "error", cause, "dropped_bytes", dropped, "retry_in", s.cfg.ReconnectDelay)
	s.span.AddEvent("stream_desync")
}

// Tick runs one main-loop iteration: a due re-enable, a due keepalive, then Pump.
func (s *Session) Tick(now time.Time) {
	if !s.reenableAt.IsZero() && !now.Before(s.reenableAt) {
		s.enable()
	}
	if now.Sub(s.lastPoke) >= s.cfg.PokeInterval {
		s.lastPoke = now
		_ = s.Poke()
	}
	_ = s.Pump()
}

// Reset disables the stream, flushes the link, clears the ingest buffer and
// stops audio. The reader and the audio sink must not be running.
func (s *Session) Reset() {
	if s.dec.State() != stream.StateDisabled || !s.reenableAt.IsZero() {
		_ = s.send([]byte(stream.CmdDisable))
	}
	s.dec.Disable()
	s.streaming.Store(false)
	s.reenableAt = time.Time{}
	s.flush()
	s.ingest.Reset()
	s.audio.Stop()
	s.lastDropped = -1
}

// SendButton sends a button press or release.
func (s *Session) SendButton(b stream.Button, pressed bool) error {
	cmd, err := stream.ButtonCommand(b, pressed)
	if err != nil {
		return err
	}
	return s.send(cmd)
}

// SendCrankDelta sends a crank rotation in degrees.
func (s *Session) SendCrankDelta(deg float64) error {
	return s.send(stream.CrankCommand(deg))
}

// SendCrankAngle converts an absolute crank angle to a delta from the last
// one and sends it. The first angle only primes the tracker.
func (s *Session) SendCrankAngle(deg float64) error {
	delta, ok := s.crank.Update(deg)
	if !ok || delta == 0 {
		return nil
	}
	return s.SendCrankDelta(delta)
}

// SendCrankDocked docks or undocks the crank.
func (s *Session) SendCrankDocked(docked bool) error {
	if docked {
		s.crank.Reset()
	}
	return s.send(stream.DockCommand(docked))
}

// SendAccel sends accelerometer readings in g.
func (s *Session) SendAccel(x, y, z float64) error {
	return s.send(stream.AccelCommand(x, y, z))
}

// SetAudioConfig changes the requested audio format; it is sent now if the
// stream is up and otherwise when it next starts.
func (s *Session) SetAudioConfig(cfg stream.AudioConfig) error {
	s.mu.Lock()
	changed := s.audioCfg != cfg
	s.audioCfg = cfg
	s.mu.Unlock()
	if !changed || !s.streaming.Load() {
		return nil
	}
	return s.send(stream.AudioOptionCommand(cfg))
}

// AudioConfig returns the requested audio format.
func (s *Session) AudioConfig() stream.AudioConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioCfg
}

// SetMute records the mute preference and sends it.
func (s *Session) SetMute(mute bool) error {
	s.mu.Lock()
	s.mute = mute
	s.mu.Unlock()
	return s.send(stream.MuteCommand(mute))
}
