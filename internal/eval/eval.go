// Package eval scores trained autoencoders on every domain's activations
// and derives the cross-domain generalization ratios.
package eval

import (
	"encoding/json"
	"fmt"
	"math"
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
	"github.com/23skdu/longbow-sae/internal/train"
)

const (
	HistogramBins = 20
	varianceFloor = 1e-8
)

// PairResult holds the metrics of one trained model on one domain.
type PairResult struct {
	MSE   float64 `json:"mse"`
	R2    float64 `json:"r2"`
	AvgL0 float64 `json:"avg_l0"`
	AvgL1 float64 `json:"avg_l1"`

	L0   []float64 `json:"-"`
	Freq []float64 `json:"-"`
	Mag  []float64 `json:"-"`
}

type Degradation struct {
	AToB float64 `json:"A_to_B_mse_ratio"`
	BToA float64 `json:"B_to_A_mse_ratio"`
}

// PairKey names a (train, eval) domain pair in results.
func PairKey(train, eval string) string {
	return "train" + train + "_eval" + eval
}

// EvaluatePair runs m over x in chunks of chunk rows. m is not modified.
func EvaluatePair(m *sae.Model, x *tensor.Matrix, chunk int) PairResult {
	n, d, dsae := x.Rows, x.Cols, m.Cfg.DSAE
	res := PairResult{
		L0:   make([]float64, n),
		Freq: make([]float64, dsae),
		Mag:  make([]float64, dsae),
	}
	if n == 0 {
		return res
	}
	if chunk <= 0 {
		chunk = n
	}

	var se, l1Total float64
	var l0Total int
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		xb := x.Slice(lo, hi)
		xhat, h := m.Forward(xb)
		for i, v := range xhat.Data {
			diff := float64(v) - float64(xb.Data[i])
			se += diff * diff
		}
		for r := 0; r < h.Rows; r++ {
			var l0 int
			var l1 float64
			for j, v := range h.Row(r) {
				if v > 0 {
					l0++
					res.Freq[j]++
				}
				l1 += math.Abs(float64(v))
				res.Mag[j] += float64(v)
			}
			res.L0[lo+r] = float64(l0)
			l0Total += l0
			l1Total += l1
		}
	}

	res.MSE = se / float64(n*d)
	res.R2 = 1 - res.MSE/math.Max(Variance(x), varianceFloor)
	res.AvgL0 = float64(l0Total) / float64(n)
	res.AvgL1 = l1Total / float64(n)
	for j := range res.Freq {
		res.Freq[j] /= float64(n)
		res.Mag[j] /= float64(n)
	}
	return res
}

// Variance is the mean over all entries of (x - column mean)².
func Variance(x *tensor.Matrix) float64 {
	if x.Rows == 0 {
		return 0
	}
	means := x.ColumnSums()
	for j := range means {
		means[j] /= float64(x.Rows)
	}
	var s float64
	for i := 0; i < x.Rows; i++ {
		for j, v := range x.Row(i) {
			diff := float64(v) - means[j]
			s += diff * diff
		}
	}
	return s / float64(x.Rows*x.Cols)
}

// MeanCode returns the per-feature mean of m's code over x.
func MeanCode(m *sae.Model, x *tensor.Matrix, chunk int) []float64 {
	out := make([]float64, m.Cfg.DSAE)
	if x.Rows == 0 {
		return out
	}
	if chunk <= 0 {
		chunk = x.Rows
	}
	for lo := 0; lo < x.Rows; lo += chunk {
		hi := lo + chunk
		if hi > x.Rows {
			hi = x.Rows
		}
		sums := m.Encode(x.Slice(lo, hi)).ColumnSums()
		for j, s := range sums {
			out[j] += s
		}
	}
	for j := range out {
		out[j] /= float64(x.Rows)
	}
	return out
}

// Selectivity is mean code on xA minus mean code on xB, both under the
// domain-A model.
func Selectivity(modelA *sae.Model, xA, xB *tensor.Matrix, chunk int) []float64 {
	a := MeanCode(modelA, xA, chunk)
	b := MeanCode(modelA, xB, chunk)
	for j := range a {
		a[j] -= b[j]
	}
	return a
}

// ComputeDegradation returns the cross over same-domain MSE ratios.
func ComputeDegradation(pairs map[string]PairResult) Degradation {
	ratio := func(cross, same string) float64 {
		return pairs[cross].MSE / math.Max(pairs[same].MSE, varianceFloor)
	}
	return Degradation{
		AToB: ratio(PairKey("A", "B"), PairKey("A", "A")),
		BToA: ratio(PairKey("B", "A"), PairKey("B", "B")),
	}
}

// Histogram bins values into equal-width bins over [min, max]; the last bin
// is closed. A degenerate range is widened by 0.5 on each side.
func Histogram(values []float64, bins int) (edges []float64, counts []int) {
	lo, hi := 0.0, 1.0
	if len(values) > 0 {
		lo, hi = values[0], values[0]
		for _, v := range values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if lo == hi {
		lo -= 0.5
		hi += 0.5
	}
	edges = make([]float64, bins+1)
	for i := range edges {
		edges[i] = lo + (hi-lo)*float64(i)/float64(bins)
	}
	counts = make([]int, bins)
	for _, v := range values {
		b := int((v - lo) / (hi - lo) * float64(bins))
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	return edges, counts
}

// Results is everything Run computes.
type Results struct {
	Pairs       map[string]PairResult
	Degradation Degradation
	Selectivity []float64
}

// MarshalJSON flattens pairs next to the generalization_degradation record.
func (r *Results) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Pairs)+1)
	for k, v := range r.Pairs {
		out[k] = v
	}
	out["generalization_degradation"] = r.Degradation
	return json.Marshal(out)
}

var labels = []string{"A", "B"}

// Run evaluates both final checkpoints on both stores and writes the
// results JSON and tables.
func Run(cfg config.Experiment) (*Results, error) {
	defer metrics.ObserveStage("eval", time.Now())
	log := logger.Log.With("component", "eval")

	xs := make(map[string]*tensor.Matrix, len(labels))
	for _, l := range labels {
		r, err := store.OpenLabel(cfg.Collection.OutputDir, l)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", l, err)
		}
		xs[l] = r.Matrix()
		r.Close()
	}
	if xs["A"].Cols != xs["B"].Cols {
		return nil, fmt.Errorf("%w: store A has d_model %d, store B has %d", sae.ErrShape, xs["A"].Cols, xs["B"].Cols)
	}
	models := make(map[string]*sae.Model, len(labels))
	for _, l := range labels {
		ck, err := sae.Load(train.CheckpointPath(cfg.Outputs.CheckpointsDir, l))
		if err != nil {
			return nil, err
		}
		if ck.Model.Cfg.DModel != xs[l].Cols {
			return nil, fmt.Errorf("%w: checkpoint %s has d_model %d, store has %d", sae.ErrShape, l, ck.Model.Cfg.DModel, xs[l].Cols)
		}
		models[l] = ck.Model
	}
	if err := os.MkdirAll(cfg.Outputs.TablesDir, 0o755); err != nil {
		return nil, err
	}

	res := &Results{Pairs: make(map[string]PairResult, 4)}
	summary := [][]string{{"train", "eval", "mse", "r2", "avg_l0", "avg_l1"}}
	for _, tl := range labels {
		for _, el := range labels {
			key := PairKey(tl, el)
			pr := EvaluatePair(models[tl], xs[el], store.DefaultChunkRows)
			res.Pairs[key] = pr
			metrics.RecordEval(tl, el, pr.MSE, pr.R2)
			log.Info("Pair evaluated", "pair", key, "mse", pr.MSE, "r2", pr.R2, "avg_l0", pr.AvgL0, "avg_l1", pr.AvgL1)
			summary = append(summary, []string{tl, el, ff(pr.MSE), ff(pr.R2), ff(pr.AvgL0), ff(pr.AvgL1)})

			if err := writeHistogram(filepath.Join(cfg.Outputs.TablesDir, "l0_hist_"+key+".csv"), pr.L0); err != nil {
				return nil, err
			}
			if err := writeFreqMag(filepath.Join(cfg.Outputs.TablesDir, "feature_freq_mag_"+key+".csv"), pr); err != nil {
				return nil, err
			}
		}
	}

	res.Selectivity = Selectivity(models["A"], xs["A"], xs["B"], store.DefaultChunkRows)
	sel := [][]string{{"feature", "selectivity_A_minus_B"}}
	for j, v := range res.Selectivity {
		sel = append(sel, []string{strconv.Itoa(j), ff(v)})
	}
	if err := writeCSV(filepath.Join(cfg.Outputs.TablesDir, "feature_selectivity_AminusB.csv"), sel); err != nil {
		return nil, err
	}
	if err := writeCSV(filepath.Join(cfg.Outputs.TablesDir, "summary_metrics.csv"), summary); err != nil {
		return nil, err
	}

	res.Degradation = ComputeDegradation(res.Pairs)
	metrics.RecordDegradation(res.Degradation.AToB, res.Degradation.BToA)
	log.Info("Generalization degradation", "A_to_B", res.Degradation.AToB, "B_to_A", res.Degradation.BToA)

	if err := os.MkdirAll(filepath.Dir(cfg.Outputs.ResultsJSON), 0o755); err != nil {
		return nil, err
	}
	if err := store.WriteMeta(cfg.Outputs.ResultsJSON, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ReadResults loads a results JSON written by Run. Per-feature vectors and
// selectivity are not persisted there and come back empty.
func ReadResults(path string) (*Results, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse results %s: %w", path, err)
	}
	res := &Results{Pairs: make(map[string]PairResult)}
	for k, v := range doc {
		if k == "generalization_degradation" {
			if err := json.Unmarshal(v, &res.Degradation); err != nil {
				return nil, err
			}
			continue
		}
		var pr PairResult
		if err := json.Unmarshal(v, &pr); err != nil {
			return nil, err
		}
		res.Pairs[k] = pr
	}
	return res, nil
}
