package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kstaniek/go-mirror-server/internal/metrics"
	"github.com/kstaniek/go-mirror-server/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrLinkLost means the device went away (read returned a fatal error).
var ErrLinkLost = errors.New("session: link lost")

// Opener opens the device link. It is called again after every disconnect.
type Opener func(ctx context.Context) (transport.Link, error)

const (
	openBackoffMin = 250 * time.Millisecond
	openBackoffMax = 5 * time.Second
	rxBackoffMin   = 20 * time.Millisecond
	rxBackoffMax   = 500 * time.Millisecond
)

var tracer = otel.Tracer("github.com/kstaniek/go-mirror-server/internal/session")

// Run keeps a link session alive until ctx is done: open, handshake, decode,
// and on any link failure tear down and reopen with backoff. Nothing short of
// ctx cancellation ends it.
func (s *Session) Run(ctx context.Context, open Opener) error {
	backoff := openBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		link, err := open(ctx)
		if err != nil {
			metrics.IncError(metrics.ErrLinkOpen)
			s.log.Debug("link_open_failed", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, openBackoffMax)
			continue
		}
		backoff = openBackoffMin
		if err := s.serve(ctx, link); err != nil {
			s.log.Warn("link_closed", "error", err)
		}
	}
}

// serve runs one link session: reader goroutine plus the main loop.
func (s *Session) serve(ctx context.Context, link transport.Link) error {
	id := uuid.NewString()
	ctx, span := tracer.Start(ctx, "mirror.link", trace.WithAttributes(attribute.String("link.id", id)))
	defer span.End()
	s.span = span
	log := s.log.With("link", id)
	metrics.IncLinkSession()
	log.Info("link_open")

	s.attach(ctx, link)
	s.Begin()
	s.lastPoke = s.now()

	readCtx, stopReader := context.WithCancel(ctx)
	readErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr <- s.readLoop(readCtx, link)
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	var cause error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case cause = <-readErr:
			break loop
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
	ticker.Stop()
	stopReader()
	wg.Wait()

	s.Reset()
	closeErr := s.detach()
	s.span = trace.SpanFromContext(context.Background())

	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	log.Info("link_close", "error", cause)
	return errors.Join(cause, closeErr)
}

// readLoop moves link bytes into the ingest buffer until ctx is done or the
// link fails for good. Transient errors back off exponentially.
func (s *Session) readLoop(ctx context.Context, link io.Reader) error {
	buf := make([]byte, s.cfg.ReadBufSize)
	backoff := rxBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := link.Read(buf)
		if n > 0 {
			metrics.AddIngest(n)
			if ierr := s.Ingest(ctx, buf[:n]); ierr != nil {
				return nil
			}
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
			metrics.IncError(metrics.ErrLinkRead)
			return fmt.Errorf("%w: %w", ErrLinkLost, err)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// read timeout on an idle line
			continue
		}
		metrics.IncError(metrics.ErrLinkRead)
		s.log.Warn("link_read_error", "error", err, "backoff", backoff)
		s.sleepFn(backoff)
		backoff = min(backoff*2, rxBackoffMax)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
