package thrgroup

import "testing"

func TestWorkerForFlowZeroMeansNoHint(t *testing.T) {
	if got := WorkerForFlow(0, 4); got != -1 {
		t.Fatalf("expected -1 for flowID=0, got %d", got)
	}
}

func TestWorkerForFlowMasksAndMods(t *testing.T) {
	// flowID & 0x7 == 3, 3 % 4 workers == 3
	if got := WorkerForFlow(0x13, 4); got != 3 {
		t.Fatalf("expected worker 3, got %d", got)
	}
	// flowID & 0x7 == 5, 5 % 2 workers == 1
	if got := WorkerForFlow(0x0d, 2); got != 1 {
		t.Fatalf("expected worker 1, got %d", got)
	}
}

func TestWorkerForFlowNoWorkers(t *testing.T) {
	if got := WorkerForFlow(5, 0); got != -1 {
		t.Fatalf("expected -1 with zero workers, got %d", got)
	}
}
