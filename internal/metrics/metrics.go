package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CorpusChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sae_corpus_chunks_total",
		Help: "Text chunks assembled per domain corpus",
	}, []string{"domain"})

	CorpusFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sae_corpus_fetch_failures_total",
		Help: "Remote text resources that could not be fetched",
	}, []string{"domain"})

	CorpusCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sae_corpus_cache_hits_total",
		Help: "Remote text resources served from the on-disk cache",
	})

	BatchesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sae_token_batches_total",
		Help: "Token batches emitted by the batcher",
	})

	CollectedTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sae_collected_tokens_total",
		Help: "Activation rows written to activation stores",
	}, []string{"label"})

	CollectionThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sae_collection_tokens_per_second",
		Help: "Measured throughput of the last collection run",
	}, []string{"label"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sae_model_forward_duration_seconds",
		Help:    "Duration of instrumented model forward passes",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	TrainSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sae_train_steps_total",
		Help: "Optimizer steps taken",
	}, []string{"label"})

	TrainLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sae_train_loss",
		Help: "Most recent epoch losses",
	}, []string{"label", "split", "term"})

	LearningRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sae_learning_rate",
		Help: "Current learning rate of the cosine schedule",
	}, []string{"label"})

	GradNorm = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sae_grad_norm",
		Help:    "Global gradient norm before clipping",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"label"})

	CheckpointsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sae_checkpoints_written_total",
		Help: "Checkpoints persisted",
	}, []string{"label", "kind"})

	EvalMSE = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sae_eval_mse",
		Help: "Reconstruction MSE per train/eval domain pair",
	}, []string{"train", "eval"})

	EvalR2 = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sae_eval_variance_explained",
		Help: "Variance explained per train/eval domain pair",
	}, []string{"train", "eval"})

	GeneralizationRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sae_generalization_mse_ratio",
		Help: "Cross-domain over same-domain MSE ratio",
	}, []string{"direction"})

	FeaturesInterpreted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sae_features_interpreted_total",
		Help: "Feature records produced by the interpretation stage",
	}, []string{"label"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sae_stage_duration_seconds",
		Help:    "Wall time of pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
	}, []string{"stage"})
)

func RecordCorpus(domain string, chunks, failures int) {
	CorpusChunksTotal.WithLabelValues(domain).Add(float64(chunks))
	if failures > 0 {
		CorpusFetchFailures.WithLabelValues(domain).Add(float64(failures))
	}
}

func RecordCollected(label string, rows int) {
	CollectedTokens.WithLabelValues(label).Add(float64(rows))
}

func RecordThroughput(label string, tokensPerSec float64) {
	CollectionThroughput.WithLabelValues(label).Set(tokensPerSec)
}

func RecordForward(duration time.Duration) {
	ForwardDuration.Observe(duration.Seconds())
}

func RecordTrainStep(label string, lr, gradNorm float64) {
	TrainSteps.WithLabelValues(label).Inc()
	LearningRate.WithLabelValues(label).Set(lr)
	GradNorm.WithLabelValues(label).Observe(gradNorm)
}

func RecordEpoch(label string, trainRecon, trainL1, valRecon, valL1 float64) {
	TrainLoss.WithLabelValues(label, "train", "recon").Set(trainRecon)
	TrainLoss.WithLabelValues(label, "train", "l1").Set(trainL1)
	TrainLoss.WithLabelValues(label, "val", "recon").Set(valRecon)
	TrainLoss.WithLabelValues(label, "val", "l1").Set(valL1)
}

func RecordCheckpoint(label, kind string) {
	CheckpointsWritten.WithLabelValues(label, kind).Inc()
}

func RecordEval(train, eval string, mse, r2 float64) {
	EvalMSE.WithLabelValues(train, eval).Set(mse)
	EvalR2.WithLabelValues(train, eval).Set(r2)
}

func RecordDegradation(aToB, bToA float64) {
	GeneralizationRatio.WithLabelValues("A_to_B").Set(aToB)
	GeneralizationRatio.WithLabelValues("B_to_A").Set(bToA)
}

func RecordFeatures(label string, n int) {
	FeaturesInterpreted.WithLabelValues(label).Add(float64(n))
}

// ObserveStage records the elapsed time since start under the stage label.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
