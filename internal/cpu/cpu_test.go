package cpu

import "testing"

func TestLoadsFromSamplesComputesBusyPercent(t *testing.T) {
	before := map[int]statLine{
		0: {busy: 100, total: 1000},
		1: {busy: 500, total: 1000},
	}
	after := map[int]statLine{
		0: {busy: 150, total: 1100}, // busy delta 50, total delta 100 -> 50%
		1: {busy: 500, total: 1000}, // no movement -> 0%
	}

	loads := loadsFromSamples(before, after)
	if len(loads) != 2 {
		t.Fatalf("expected 2 loads, got %d", len(loads))
	}
	if loads[0].CPU != 0 || loads[0].Percent != 50 {
		t.Errorf("cpu0: got %+v, want {0 50}", loads[0])
	}
	if loads[1].CPU != 1 || loads[1].Percent != 0 {
		t.Errorf("cpu1: got %+v, want {1 0}", loads[1])
	}
}

func TestLoadsFromSamplesZeroTotalDeltaYieldsZero(t *testing.T) {
	before := map[int]statLine{0: {busy: 10, total: 100}}
	after := map[int]statLine{0: {busy: 10, total: 100}}

	loads := loadsFromSamples(before, after)
	if len(loads) != 1 || loads[0].Percent != 0 {
		t.Errorf("expected zero percent on zero delta, got %+v", loads)
	}
}

func TestLoadsFromSamplesSkipsUnmatchedCPUs(t *testing.T) {
	before := map[int]statLine{0: {busy: 10, total: 100}}
	after := map[int]statLine{
		0: {busy: 20, total: 200},
		1: {busy: 5, total: 50}, // no "before" entry for cpu 1 — skipped
	}

	loads := loadsFromSamples(before, after)
	if len(loads) != 1 {
		t.Fatalf("expected 1 load (cpu1 skipped), got %d", len(loads))
	}
}
