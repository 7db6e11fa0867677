package chain

import "testing"

func TestConsensusMatrixRecordsExplicitVotes(t *testing.T) {
	m := NewConsensusMatrix()
	m.RecordPrevote(10, "alice")
	m.RecordPrecommit(10, "alice")
	m.RecordFinalized(10, "bob")

	row := m.Row(10)
	if !row["alice"].Prevoted || !row["alice"].Precommitted {
		t.Errorf("alice's row = %+v, want Prevoted and Precommitted both true", row["alice"])
	}
	if !row["bob"].Finalized {
		t.Errorf("bob's row = %+v, want Finalized true", row["bob"])
	}
}

func TestConsensusMatrixImpliesFinalityOnEarlierHeights(t *testing.T) {
	m := NewConsensusMatrix()
	m.RecordPrevote(5, "alice")
	m.RecordFinalized(10, "alice")

	row := m.Row(5)
	rec := row["alice"]
	if rec.Finalized {
		t.Error("height 5 should not be marked Finalized directly")
	}
	if !rec.ImplicitFinalized {
		t.Error("height 5 should be ImplicitFinalized once alice finalizes height 10")
	}
	if rec.ImplicitPointer != 10 {
		t.Errorf("ImplicitPointer = %d, want 10", rec.ImplicitPointer)
	}
}

func TestConsensusMatrixEvictBelowDropsOldHeights(t *testing.T) {
	m := NewConsensusMatrix()
	m.RecordPrevote(3, "alice")
	m.RecordPrevote(7, "alice")
	m.RecordPrevote(12, "alice")

	m.EvictBelow(7)

	if m.Row(3) != nil {
		t.Error("height 3 should have been evicted")
	}
	if m.Row(7) == nil {
		t.Error("height 7 (the new floor) should still be retained")
	}
	if m.Row(12) == nil {
		t.Error("height 12 should still be retained")
	}
}

func TestConsensusMatrixRowMissingHeight(t *testing.T) {
	m := NewConsensusMatrix()
	if m.Row(99) != nil {
		t.Error("Row() for an untouched height should return nil")
	}
}
