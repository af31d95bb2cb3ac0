package bufpool

import "testing"

func TestGetPutReuse(t *testing.T) {
	var p Pool
	b1 := p.Get(100)
	if len(b1) != 100 {
		t.Fatalf("len = %d, want 100", len(b1))
	}
	p.Put(b1)
	b2 := p.Get(100)
	if cap(b2) != cap(b1) {
		t.Fatalf("expected reused capacity class, got %d vs %d", cap(b2), cap(b1))
	}
}

func TestGetOversizedFallsBackToAllocation(t *testing.T) {
	var p Pool
	big := p.Get(10 << 20)
	if len(big) != 10<<20 {
		t.Fatalf("len = %d", len(big))
	}
	p.Put(big) // must not panic
}
