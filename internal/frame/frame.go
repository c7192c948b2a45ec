// Package frame holds the mirrored display state reconstructed from row and
// full-frame updates.
package frame

import (
	"errors"
	"fmt"
	"sync"
)

const (
	Width    = 400
	Height   = 240
	RowBytes = Width / 8
	Size     = RowBytes * Height
	// MaskBytes is the length of a full-frame row-presence mask.
	MaskBytes = Height / 8
)

var (
	ErrRowRange   = errors.New("frame: row out of range")
	ErrShortRow   = errors.New("frame: short row data")
	ErrNotInFrame = errors.New("frame: row update outside begin/end")
	ErrShortRows  = errors.New("frame: packed rows shorter than mask")
	ErrMask       = errors.New("frame: bad row mask length")
	ErrPalette    = errors.New("frame: palette size does not match mode")
)

// Mode is the device display mode.
type Mode uint8

const (
	ModeOneBit Mode = iota
	ModeFourBit2x2
)

func (m Mode) String() string {
	switch m {
	case ModeOneBit:
		return "1bit"
	case ModeFourBit2x2:
		return "4bit_2x2"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// PaletteLen returns the number of palette entries the mode uses.
func (m Mode) PaletteLen() int {
	if m == ModeFourBit2x2 {
		return 16
	}
	return 2
}

// Color is an 8-bit RGB triple.
type Color struct{ R, G, B uint8 }

// DefaultPalette is the panel's own black and white.
var DefaultPalette = []Color{{0x31, 0x2f, 0x28}, {0xb1, 0xaf, 0xa8}}

// PaletteFromRGB splits packed RGB triples into colors.
func PaletteFromRGB(b []byte) []Color {
	out := make([]Color, len(b)/3)
	for i := range out {
		out[i] = Color{b[3*i], b[3*i+1], b[3*i+2]}
	}
	return out
}

// Snapshot is an immutable copy of the display state.
type Snapshot struct {
	Bitmap    []byte
	Palette   []Color
	Mode      Mode
	Timestamp uint32
}

// Sink receives completed frames.
type Sink interface {
	Present(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

func (f SinkFunc) Present(s Snapshot) { f(s) }

// Store owns the bitmap, palette and mode.
type Store struct {
	mu      sync.RWMutex
	bitmap  [Size]byte
	palette []Color
	mode    Mode
	inFrame bool
	ts      uint32
	sink    Sink
}

// NewStore returns a store with the default palette. sink may be nil.
func NewStore(sink Sink) *Store {
	s := &Store{sink: sink}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.palette = append(s.palette[:0], DefaultPalette...)
	s.mode = ModeOneBit
	s.inFrame = false
}

// Reset restores the default palette and 1-bit mode. The bitmap is kept.
func (s *Store) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// BeginFrame opens a reconstruction. Nothing is presented until EndFrame.
func (s *Store) BeginFrame(timestamp uint32) {
	s.mu.Lock()
	s.inFrame = true
	s.ts = timestamp
	s.mu.Unlock()
}

// SetRow replaces one logical row. Only valid between BeginFrame and EndFrame.
func (s *Store) SetRow(row int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFrame {
		return ErrNotInFrame
	}
	return s.setRowLocked(row, data)
}

func (s *Store) setRowLocked(row int, data []byte) error {
	if row < 0 || row >= Height {
		return fmt.Errorf("%w: %d", ErrRowRange, row)
	}
	if len(data) < RowBytes {
		return fmt.Errorf("%w: %d bytes", ErrShortRow, len(data))
	}
	copy(s.bitmap[row*RowBytes:(row+1)*RowBytes], data[:RowBytes])
	return nil
}

// EndFrame closes the reconstruction and hands a copy to the sink.
func (s *Store) EndFrame() {
	s.mu.Lock()
	s.inFrame = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if s.sink != nil {
		s.sink.Present(snap)
	}
}

// ApplyFullFrame writes one packed row for every set bit of mask (LSB-first,
// one bit per row) and presents the result. Rows whose bit is clear keep their
// previous content. It returns the number of rows written; if rows runs out
// early the rows applied so far are still presented and ErrShortRows is
// returned.
func (s *Store) ApplyFullFrame(timestamp uint32, mask, rows []byte) (int, error) {
	if len(mask) < MaskBytes {
		return 0, fmt.Errorf("%w: %d", ErrMask, len(mask))
	}
	s.BeginFrame(timestamp)
	var (
		applied int
		err     error
	)
	s.mu.Lock()
	for row := 0; row < Height; row++ {
		if mask[row/8]&(1<<(row%8)) == 0 {
			continue
		}
		if len(rows) < RowBytes {
			err = fmt.Errorf("%w: row %d", ErrShortRows, row)
			break
		}
		_ = s.setRowLocked(row, rows[:RowBytes])
		rows = rows[RowBytes:]
		applied++
	}
	s.mu.Unlock()
	s.EndFrame()
	return applied, err
}

// SetPalette replaces the palette and mode.
func (s *Store) SetPalette(mode Mode, entries []Color) error {
	if len(entries) != mode.PaletteLen() {
		return fmt.Errorf("%w: %s with %d entries", ErrPalette, mode, len(entries))
	}
	s.mu.Lock()
	s.mode = mode
	s.palette = append(s.palette[:0], entries...)
	s.mu.Unlock()
	return nil
}

// InFrame reports whether a reconstruction is open.
func (s *Store) InFrame() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFrame
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	bm := make([]byte, Size)
	copy(bm, s.bitmap[:])
	return Snapshot{
		Bitmap:    bm,
		Palette:   append([]Color(nil), s.palette...),
		Mode:      s.mode,
		Timestamp: s.ts,
	}
}

// Row returns a copy of one row of the bitmap.
func (s *Store) Row(row int) []byte {
	if row < 0 || row >= Height {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.bitmap[row*RowBytes:(row+1)*RowBytes]...)
}
