package monitor

import (
	"testing"

	"ledgerbot/internal/delivery"
)

func report(kind delivery.OutcomeKind) delivery.Report {
	return delivery.Report{Outcome: delivery.Outcome{
		Kind:        kind,
		Success:     kind == delivery.KindAccounted,
		ShouldReply: kind != delivery.KindIrrelevant,
	}}
}

func TestStatsTrackerCounts(t *testing.T) {
	t.Parallel()
	tr := newStatsTracker()
	tr.addSeen("family", 5)
	tr.recordOutcome("family", report(delivery.KindAccounted))
	tr.recordOutcome("family", report(delivery.KindTimeout))
	tr.recordOutcome("family", report(delivery.KindIrrelevant))

	s, ok := tr.snapshot("family")
	if !ok {
		t.Fatalf("snapshot missing")
	}
	if s.TotalSeen != 5 || s.Processed != 3 || s.Successful != 1 || s.Failed != 1 || s.Irrelevant != 1 {
		t.Fatalf("counters = %+v", s)
	}
	if s.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5", s.SuccessRate)
	}
}

func TestStatsSuccessRateZeroGuard(t *testing.T) {
	t.Parallel()
	tr := newStatsTracker()
	tr.recordOutcome("family", report(delivery.KindIrrelevant))
	s, _ := tr.snapshot("family")
	if s.SuccessRate != 0.0 {
		t.Fatalf("SuccessRate = %v, want 0.0 with no delivery attempts", s.SuccessRate)
	}
}

func TestStatsUnknownChannel(t *testing.T) {
	t.Parallel()
	tr := newStatsTracker()
	if _, ok := tr.snapshot("ghost"); ok {
		t.Fatalf("snapshot reported data for unknown channel")
	}
}

func TestStatsSnapshotAllSorted(t *testing.T) {
	t.Parallel()
	tr := newStatsTracker()
	tr.addSeen("zeta", 1)
	tr.addSeen("alpha", 1)
	all := tr.snapshotAll()
	if len(all) != 2 || all[0].Channel != "alpha" || all[1].Channel != "zeta" {
		t.Fatalf("snapshotAll = %+v", all)
	}
}
