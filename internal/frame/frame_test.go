package frame

import (
	"bytes"
	"errors"
	"testing"
)

type recordSink struct{ frames []Snapshot }

func (r *recordSink) Present(s Snapshot) { r.frames = append(r.frames, s) }

func row(v byte) []byte { return bytes.Repeat([]byte{v}, RowBytes) }

func TestRowsPresentOnEnd(t *testing.T) {
	sink := &recordSink{}
	s := NewStore(sink)
	s.BeginFrame(42)
	if err := s.SetRow(3, row(0xAA)); err != nil {
		t.Fatalf("SetRow: %v", err)
	}
	if err := s.SetRow(239, row(0x55)); err != nil {
		t.Fatalf("SetRow: %v", err)
	}
	if len(sink.frames) != 0 {
		t.Fatal("presented before EndFrame")
	}
	s.EndFrame()
	if len(sink.frames) != 1 {
		t.Fatalf("presents=%d", len(sink.frames))
	}
	f := sink.frames[0]
	if f.Timestamp != 42 || f.Mode != ModeOneBit {
		t.Fatalf("ts=%d mode=%s", f.Timestamp, f.Mode)
	}
	if !bytes.Equal(f.Bitmap[3*RowBytes:4*RowBytes], row(0xAA)) {
		t.Fatal("row 3 not applied")
	}
	if !bytes.Equal(f.Bitmap[239*RowBytes:], row(0x55)) {
		t.Fatal("row 239 not applied")
	}
	if !bytes.Equal(f.Bitmap[:RowBytes], row(0)) {
		t.Fatal("row 0 touched")
	}
}

func TestSetRowErrors(t *testing.T) {
	s := NewStore(nil)
	if err := s.SetRow(0, row(1)); !errors.Is(err, ErrNotInFrame) {
		t.Fatalf("expected ErrNotInFrame, got %v", err)
	}
	s.BeginFrame(0)
	if err := s.SetRow(Height, row(1)); !errors.Is(err, ErrRowRange) {
		t.Fatalf("expected ErrRowRange, got %v", err)
	}
	if err := s.SetRow(1, []byte{1, 2}); !errors.Is(err, ErrShortRow) {
		t.Fatalf("expected ErrShortRow, got %v", err)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := NewStore(nil)
	snap := s.Snapshot()
	snap.Bitmap[0] = 0xFF
	snap.Palette[0] = Color{1, 2, 3}
	again := s.Snapshot()
	if again.Bitmap[0] != 0 || again.Palette[0] != DefaultPalette[0] {
		t.Fatal("snapshot aliases store state")
	}
}

func TestFullFrameMask(t *testing.T) {
	sink := &recordSink{}
	s := NewStore(sink)
	s.BeginFrame(1)
	for r := 0; r < Height; r++ {
		_ = s.SetRow(r, row(0x11))
	}
	s.EndFrame()

	mask := make([]byte, MaskBytes)
	mask[0] = 0b00000101
	packed := append(row(0xA0), row(0xA2)...)
	n, err := s.ApplyFullFrame(2, mask, packed)
	if err != nil || n != 2 {
		t.Fatalf("ApplyFullFrame n=%d err=%v", n, err)
	}
	if len(sink.frames) != 2 {
		t.Fatalf("presents=%d", len(sink.frames))
	}
	bm := sink.frames[1].Bitmap
	for r := 0; r < Height; r++ {
		got := bm[r*RowBytes : (r+1)*RowBytes]
		want := row(0x11)
		switch r {
		case 0:
			want = row(0xA0)
		case 2:
			want = row(0xA2)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("row %d = %X.. want %X..", r, got[0], want[0])
		}
	}
}

func TestFullFrameShortRows(t *testing.T) {
	sink := &recordSink{}
	s := NewStore(sink)
	mask := make([]byte, MaskBytes)
	mask[1] = 0b11
	n, err := s.ApplyFullFrame(0, mask, row(0x01))
	if !errors.Is(err, ErrShortRows) || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(sink.frames) != 1 || sink.frames[0].Bitmap[8*RowBytes] != 0x01 {
		t.Fatal("partial frame not presented")
	}
	if _, err := s.ApplyFullFrame(0, mask[:3], nil); !errors.Is(err, ErrMask) {
		t.Fatalf("expected ErrMask, got %v", err)
	}
}

func TestPaletteAndReset(t *testing.T) {
	s := NewStore(nil)
	pal := PaletteFromRGB(bytes.Repeat([]byte{1, 2, 3}, 16))
	if err := s.SetPalette(ModeFourBit2x2, pal); err != nil {
		t.Fatalf("SetPalette: %v", err)
	}
	if err := s.SetPalette(ModeOneBit, pal); !errors.Is(err, ErrPalette) {
		t.Fatalf("expected ErrPalette, got %v", err)
	}
	s.BeginFrame(0)
	_ = s.SetRow(5, row(0xFF))
	s.Reset()
	snap := s.Snapshot()
	if snap.Mode != ModeOneBit || len(snap.Palette) != 2 || snap.Palette[1] != DefaultPalette[1] {
		t.Fatalf("reset state: %+v", snap.Palette)
	}
	if s.InFrame() {
		t.Fatal("reset left frame open")
	}
	if !bytes.Equal(s.Row(5), row(0xFF)) {
		t.Fatal("reset cleared the bitmap")
	}
}
