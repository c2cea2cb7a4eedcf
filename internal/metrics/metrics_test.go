package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCorpus(t *testing.T) {
	before := testutil.ToFloat64(CorpusChunksTotal.WithLabelValues("test-domain"))
	failBefore := testutil.ToFloat64(CorpusFetchFailures.WithLabelValues("test-domain"))

	RecordCorpus("test-domain", 12, 0)
	RecordCorpus("test-domain", 3, 2)

	if got := testutil.ToFloat64(CorpusChunksTotal.WithLabelValues("test-domain")) - before; got != 15 {
		t.Errorf("chunks delta = %v, want 15", got)
	}
	if got := testutil.ToFloat64(CorpusFetchFailures.WithLabelValues("test-domain")) - failBefore; got != 2 {
		t.Errorf("failures delta = %v, want 2", got)
	}
}

func TestRecordTrainStepAndEpoch(t *testing.T) {
	before := testutil.ToFloat64(TrainSteps.WithLabelValues("Z"))
	RecordTrainStep("Z", 0.001, 0.5)
	RecordTrainStep("Z", 0.0005, 0.25)

	if got := testutil.ToFloat64(TrainSteps.WithLabelValues("Z")) - before; got != 2 {
		t.Errorf("steps delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(LearningRate.WithLabelValues("Z")); got != 0.0005 {
		t.Errorf("lr = %v, want last value", got)
	}

	RecordEpoch("Z", 1, 2, 3, 4)
	if got := testutil.ToFloat64(TrainLoss.WithLabelValues("Z", "val", "l1")); got != 4 {
		t.Errorf("val l1 = %v", got)
	}
}

func TestRecordEvalAndDegradation(t *testing.T) {
	RecordEval("A", "B", 0.3, 0.7)
	RecordDegradation(1.5, 2.5)

	if got := testutil.ToFloat64(EvalMSE.WithLabelValues("A", "B")); got != 0.3 {
		t.Errorf("mse = %v", got)
	}
	if got := testutil.ToFloat64(GeneralizationRatio.WithLabelValues("B_to_A")); got != 2.5 {
		t.Errorf("ratio = %v", got)
	}
}

func TestObserveStage(t *testing.T) {
	ObserveStage("unit", time.Now().Add(-time.Second))
	if n := testutil.CollectAndCount(StageDuration); n == 0 {
		t.Error("expected stage histogram to have series")
	}
}
