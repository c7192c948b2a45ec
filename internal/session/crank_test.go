package session

import "testing"

func TestWrapDelta(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{90, 90},
		{180, 180},
		{-180, 180},
		{181, -179},
		{-181, 179},
		{350, -10},
		{-350, 10},
		{720, 0},
		{540, 180},
	}
	for _, c := range cases {
		if got := WrapDelta(c.in); got != c.want {
			t.Errorf("WrapDelta(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestCrankTracker(t *testing.T) {
	var c CrankTracker
	if _, ok := c.Update(90); ok {
		t.Fatal("first update should only prime")
	}
	if d, ok := c.Update(100); !ok || d != 10 {
		t.Fatalf("delta = %v, %v", d, ok)
	}
	if d, _ := c.Update(5); d != -95 {
		t.Fatalf("delta = %v, want -95", d)
	}
	if d, _ := c.Update(355); d != -10 {
		t.Fatalf("wrap delta = %v, want -10", d)
	}
	c.Reset()
	if _, ok := c.Update(0); ok {
		t.Fatal("update after reset should only prime")
	}
}
