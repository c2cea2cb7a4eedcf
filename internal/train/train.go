// Package train fits one sparse autoencoder per activation store.
package train

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/metrics"
	"github.com/23skdu/longbow-sae/internal/sae"
	"github.com/23skdu/longbow-sae/internal/store"
	"github.com/23skdu/longbow-sae/internal/tensor"
)

var (
	ErrNonFinite  = errors.New("train: loss is not finite")
	ErrTooFewRows = errors.New("train: store has too few rows for a train/validation split")
)

// CheckpointPath is the final checkpoint for a domain label.
func CheckpointPath(dir, label string) string {
	return filepath.Join(dir, "sae_"+label+".safetensors")
}

// StepCheckpointPath is the periodic checkpoint written after step.
func StepCheckpointPath(dir, label string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("sae_%s_step%d.safetensors", label, step))
}

func LogPath(dir, label string) string {
	return filepath.Join(dir, "train_log_"+label+".csv")
}

// SplitRows returns the number of training rows for n stored rows. The
// first 90% train, the rest validate.
func SplitRows(n int) int {
	return n * 9 / 10
}

type Options struct {
	Label         string
	SAE           config.SAE
	CheckpointDir string
	TablesDir     string
	Rng           *rand.Rand
}

// EpochMetrics is one row of the training log.
type EpochMetrics struct {
	Label      string  `json:"label"`
	Epoch      int     `json:"epoch"`
	TrainRecon float64 `json:"train_recon"`
	TrainL1    float64 `json:"train_l1"`
	ValRecon   float64 `json:"val_recon"`
	ValL1      float64 `json:"val_l1"`
	LR         float64 `json:"lr"`
}

type Result struct {
	Label       string `json:"label"`
	Checkpoint  string `json:"checkpoint"`
	TrainLogCSV string `json:"train_log_csv"`
	DModel      int    `json:"d_model"`
	DSAE        int    `json:"d_sae"`
	Steps       int    `json:"steps"`

	Epochs []EpochMetrics `json:"-"`
	Model  *sae.Model     `json:"-"`
}

// Train fits an autoencoder to r. A cancelled context stops between steps;
// periodic checkpoints written so far remain usable.
func Train(ctx context.Context, r *store.Reader, opts Options) (*Result, error) {
	if err := opts.SAE.Validate(); err != nil {
		return nil, err
	}
	if opts.Rng == nil {
		return nil, fmt.Errorf("train %s: nil random source", opts.Label)
	}
	n := r.Len()
	nTrain := SplitRows(n)
	if nTrain == 0 {
		return nil, fmt.Errorf("%w: %s has %d rows", ErrTooFewRows, opts.Label, n)
	}
	for _, dir := range []string{opts.CheckpointDir, opts.TablesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	x := r.Matrix()
	xTrain, xVal := x.Slice(0, nTrain), x.Slice(nTrain, n)

	hp := opts.SAE
	model, err := sae.New(sae.Config{
		DModel: r.DModel(),
		DSAE:   hp.DSAE,
		Mode:   sae.Mode(hp.SparsityMode),
		TopK:   hp.TopK,
	}, opts.Rng)
	if err != nil {
		return nil, err
	}
	params := paramSlices(model)
	opt := NewAdamW(hp.WeightDecay, params)

	batchesPerEpoch := (nTrain + hp.BatchSize - 1) / hp.BatchSize
	totalSteps := hp.Epochs * batchesPerEpoch

	log := logger.Log.With("component", "train", "label", opts.Label)
	log.Info("Training autoencoder", "rows", n, "train_rows", nTrain, "d_model", r.DModel(),
		"d_sae", hp.DSAE, "mode", hp.SparsityMode, "steps", totalSteps)

	order := make([]int, nTrain)
	for i := range order {
		order[i] = i
	}

	res := &Result{
		Label:  opts.Label,
		DModel: r.DModel(),
		DSAE:   hp.DSAE,
		Model:  model,
	}
	step := 0
	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		opts.Rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var reconSum, l1Sum float64
		for lo := 0; lo < nTrain; lo += hp.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			hi := lo + hp.BatchSize
			if hi > nTrain {
				hi = nTrain
			}
			xb := xTrain.Gather(order[lo:hi])
			xhat, h := model.Forward(xb)
			loss := sae.ComputeLoss(xb, xhat, h, hp.L1Coeff)
			if math.IsNaN(loss.Total) || math.IsInf(loss.Total, 0) {
				return nil, fmt.Errorf("%w: %s epoch %d step %d", ErrNonFinite, opts.Label, epoch, step+1)
			}

			grads := model.Backward(xb, xhat, h, hp.L1Coeff).Slices()
			norm := ClipGradNorm(grads, hp.GradClip)
			lr := CosineLR(hp.LR, step, totalSteps)
			opt.Step(params, grads, lr)
			step++
			metrics.RecordTrainStep(opts.Label, lr, norm)

			reconSum += loss.Recon * float64(xb.Rows)
			l1Sum += loss.L1 * float64(xb.Rows)

			if step%hp.CheckpointEvery == 0 {
				path := StepCheckpointPath(opts.CheckpointDir, opts.Label, step)
				if err := model.Save(path, map[string]string{"label": opts.Label, "step": strconv.Itoa(step)}); err != nil {
					return nil, err
				}
				metrics.RecordCheckpoint(opts.Label, "periodic")
				log.Debug("Checkpoint written", "step", step, "path", path)
			}
		}

		valRecon, valL1 := Validate(model, xVal, hp.BatchSize, hp.L1Coeff)
		em := EpochMetrics{
			Label:      opts.Label,
			Epoch:      epoch,
			TrainRecon: reconSum / float64(nTrain),
			TrainL1:    l1Sum / float64(nTrain),
			ValRecon:   valRecon,
			ValL1:      valL1,
			LR:         CosineLR(hp.LR, step, totalSteps),
		}
		res.Epochs = append(res.Epochs, em)
		metrics.RecordEpoch(opts.Label, em.TrainRecon, em.TrainL1, em.ValRecon, em.ValL1)
		log.Info("Epoch finished", "epoch", epoch, "train_recon", em.TrainRecon, "train_l1", em.TrainL1,
			"val_recon", em.ValRecon, "val_l1", em.ValL1, "lr", em.LR)
	}

	res.Steps = step
	res.Checkpoint = CheckpointPath(opts.CheckpointDir, opts.Label)
	if err := model.Save(res.Checkpoint, map[string]string{"label": opts.Label, "step": strconv.Itoa(step)}); err != nil {
		return nil, err
	}
	metrics.RecordCheckpoint(opts.Label, "final")

	res.TrainLogCSV = LogPath(opts.TablesDir, opts.Label)
	if err := WriteLog(res.TrainLogCSV, res.Epochs); err != nil {
		return nil, err
	}
	return res, nil
}

func paramSlices(m *sae.Model) [][]float32 {
	ps := m.Params()
	out := make([][]float32, len(ps))
	for i, p := range ps {
		out[i] = p.Data
	}
	return out
}

// Validate returns row-weighted mean reconstruction and L1 losses over x in
// chunks of batchSize rows. An empty x yields zeros.
func Validate(m *sae.Model, x *tensor.Matrix, batchSize int, l1Coeff float64) (recon, l1 float64) {
	if x.Rows == 0 {
		return 0, 0
	}
	for lo := 0; lo < x.Rows; lo += batchSize {
		hi := lo + batchSize
		if hi > x.Rows {
			hi = x.Rows
		}
		xb := x.Slice(lo, hi)
		xhat, h := m.Forward(xb)
		loss := sae.ComputeLoss(xb, xhat, h, l1Coeff)
		recon += loss.Recon * float64(xb.Rows)
		l1 += loss.L1 * float64(xb.Rows)
	}
	return recon / float64(x.Rows), l1 / float64(x.Rows)
}

var logHeader = []string{"label", "epoch", "train_recon", "train_l1", "val_recon", "val_l1", "lr"}

func WriteLog(path string, rows []EpochMetrics) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create train log: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(logHeader); err != nil {
		return err
	}
	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, r := range rows {
		rec := []string{r.Label, strconv.Itoa(r.Epoch), ff(r.TrainRecon), ff(r.TrainL1), ff(r.ValRecon), ff(r.ValL1), ff(r.LR)}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

// TrainAll trains one autoencoder per label from the collected stores and
// writes train_meta.json under the outputs root.
func TrainAll(ctx context.Context, cfg config.Experiment, labels []string) (map[string]*Result, error) {
	defer metrics.ObserveStage("train", time.Now())
	rng := rand.New(rand.NewSource(cfg.Seed))
	out := make(map[string]*Result, len(labels))
	for _, label := range labels {
		r, err := store.OpenLabel(cfg.Collection.OutputDir, label)
		if err != nil {
			return out, fmt.Errorf("open store %s: %w", label, err)
		}
		res, err := Train(ctx, r, Options{
			Label:         label,
			SAE:           cfg.SAE,
			CheckpointDir: cfg.Outputs.CheckpointsDir,
			TablesDir:     cfg.Outputs.TablesDir,
			Rng:           rng,
		})
		r.Close()
		if err != nil {
			return out, err
		}
		out[label] = res
	}
	if err := os.MkdirAll(cfg.Outputs.Root, 0o755); err != nil {
		return out, err
	}
	if err := store.WriteMeta(filepath.Join(cfg.Outputs.Root, "train_meta.json"), out); err != nil {
		return out, err
	}
	return out, nil
}
