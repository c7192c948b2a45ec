package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kstaniek/go-mirror-server/internal/transport"
	"github.com/tarm/serial"
)

var (
	// ErrPortBusy means another process holds the device lock.
	ErrPortBusy = errors.New("serial port busy")
	// ErrNoDevice means discovery found no matching device.
	ErrNoDevice = errors.New("no mirror device found")
)

// Port is an open device link: a tarm/serial port plus an advisory lock on
// the device node.
type Port struct {
	name string
	sp   *serial.Port
	lock io.Closer
}

var _ transport.Link = (*Port)(nil)

// Open locks and opens the device. readTimeout bounds every Read so the
// reader goroutine can observe shutdown.
func Open(name string, baud int, readTimeout time.Duration) (*Port, error) {
	lock, err := lockDevice(name)
	if err != nil {
		return nil, err
	}
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	sp, err := serial.OpenPort(cfg)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return &Port{name: name, sp: sp, lock: lock}, nil
}

// Name returns the device path.
func (p *Port) Name() string { return p.name }

func (p *Port) Read(b []byte) (int, error)  { return p.sp.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.sp.Write(b) }

// Flush discards unread input and unwritten output.
func (p *Port) Flush() error { return p.sp.Flush() }

// Close closes the port and releases the lock.
func (p *Port) Close() error {
	err := p.sp.Close()
	if lerr := p.lock.Close(); err == nil {
		err = lerr
	}
	return err
}
