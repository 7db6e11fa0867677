package nodeid

import (
	"testing"
	"time"
)

func TestAssignStableWithinTTL(t *testing.T) {
	r := New(time.Hour)
	defer r.Close()

	id1 := r.Assign("pubkey-a")
	id2 := r.Assign("pubkey-a")
	if id1 != id2 {
		t.Errorf("reassigning the same key returned %d then %d, want identical ids", id1, id2)
	}
}

func TestAssignDistinctForDistinctKeys(t *testing.T) {
	r := New(time.Hour)
	defer r.Close()

	a := r.Assign("node-a")
	b := r.Assign("node-b")
	if a == b {
		t.Errorf("distinct keys got the same id %d", a)
	}
}

func TestAssignFreshAfterExpiry(t *testing.T) {
	r := New(10 * time.Millisecond)
	defer r.Close()

	first := r.Assign("node-a")
	time.Sleep(20 * time.Millisecond)
	second := r.Assign("node-a")
	if second == first {
		t.Errorf("Assign after TTL expiry returned the same id %d, want a fresh one", first)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r := New(time.Hour)
	r.Close()
	r.Close()
}
