// Package interpret ranks autoencoder features and collects the token
// contexts on which each of them fires hardest.
package interpret

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/longbow-sae/internal/batch"
	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/metrics"
	"github.com/23skdu/longbow-sae/internal/sae"
	"github.com/23skdu/longbow-sae/internal/store"
	"github.com/23skdu/longbow-sae/internal/train"
)

const (
	fallbackLabel   = "misc-pattern"
	minWordLen      = 4
	labelWords      = 3
	markdownContext = 5
	markdownRunes   = 220
)

// Feature is the summary of one ranked feature.
type Feature struct {
	Index     int       `json:"feature_index"`
	Mean      float64   `json:"activation_mean"`
	Max       float64   `json:"activation_max"`
	Frequency float64   `json:"activation_frequency"`
	Label     string    `json:"heuristic_label"`
	Contexts  []string  `json:"top_contexts"`
	Values    []float64 `json:"top_values"`
}

// Report holds the ranked features of one domain, best first.
type Report struct {
	Label    string
	Features []Feature
}

// MarshalJSON writes an object keyed by feature index in rank order.
func (r *Report) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Features {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(strconv.Itoa(f.Index))
		buf.Write(key)
		buf.WriteByte(':')
		v, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores a report written by MarshalJSON, ordered by
// descending frequency × mean as it was ranked.
func (r *Report) UnmarshalJSON(data []byte) error {
	var byKey map[string]Feature
	if err := json.Unmarshal(data, &byKey); err != nil {
		return err
	}
	r.Features = r.Features[:0]
	for _, f := range byKey {
		r.Features = append(r.Features, f)
	}
	sort.SliceStable(r.Features, func(i, j int) bool {
		si := r.Features[i].Frequency * r.Features[i].Mean
		sj := r.Features[j].Frequency * r.Features[j].Mean
		if si != sj {
			return si > sj
		}
		return r.Features[i].Index < r.Features[j].Index
	})
	return nil
}

// Options bound the size of a report.
type Options struct {
	TopFeatures int
	TopContexts int
	Window      int
	Chunk       int
}

// OptionsFrom maps the interpret section of the experiment config.
func OptionsFrom(c config.Interpret) Options {
	return Options{
		TopFeatures: c.TopFeatures,
		TopContexts: c.TopContexts,
		Window:      c.ContextWindowTokens,
		Chunk:       store.DefaultChunkRows,
	}
}

// Rank orders feature indices by descending score; equal scores keep
// ascending index order.
func Rank(score []float64, n int) []int {
	idx := make([]int, len(score))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return score[idx[a]] > score[idx[b]] })
	if n < len(idx) {
		idx = idx[:n]
	}
	return idx
}

type hit struct {
	row int
	val float64
}

// topHits keeps the k largest activations, earliest row first on ties.
type topHits struct {
	k    int
	hits []hit
}

func (t *topHits) offer(row int, val float64) {
	if len(t.hits) == t.k && val <= t.hits[len(t.hits)-1].val {
		return
	}
	pos := sort.Search(len(t.hits), func(i int) bool { return t.hits[i].val < val })
	t.hits = append(t.hits, hit{})
	copy(t.hits[pos+1:], t.hits[pos:])
	t.hits[pos] = hit{row: row, val: val}
	if len(t.hits) > t.k {
		t.hits = t.hits[:t.k]
	}
}

// Extract encodes every row of r with m and builds the report. Two passes
// over the store keep memory bounded by one chunk of codes.
func Extract(m *sae.Model, r *store.Reader, tok batch.Tokenizer, label string, opts Options) (*Report, error) {
	if r.DModel() != m.Cfg.DModel {
		return nil, fmt.Errorf("%w: model d_model %d, store %d", sae.ErrShape, m.Cfg.DModel, r.DModel())
	}
	if opts.TopFeatures <= 0 || opts.TopContexts <= 0 || opts.Window < 0 {
		return nil, config.Invalidf("interpret: top_features=%d top_contexts=%d window=%d",
			opts.TopFeatures, opts.TopContexts, opts.Window)
	}
	chunk := opts.Chunk
	if chunk <= 0 {
		chunk = store.DefaultChunkRows
	}
	n, dsae := r.Len(), m.Cfg.DSAE
	rep := &Report{Label: label}
	if n == 0 {
		return rep, nil
	}

	freq := make([]float64, dsae)
	mag := make([]float64, dsae)
	err := eachChunk(m, r, chunk, func(row int, h []float32) {
		for j, v := range h {
			if v > 0 {
				freq[j]++
			}
			mag[j] += float64(v)
		}
	})
	if err != nil {
		return nil, err
	}
	score := make([]float64, dsae)
	for j := range score {
		freq[j] /= float64(n)
		mag[j] /= float64(n)
		score[j] = freq[j] * mag[j]
	}

	ranked := Rank(score, opts.TopFeatures)
	tops := make([]topHits, len(ranked))
	maxes := make([]float64, len(ranked))
	for i := range tops {
		tops[i].k = opts.TopContexts
	}
	first := true
	err = eachChunk(m, r, chunk, func(row int, h []float32) {
		for i, f := range ranked {
			v := float64(h[f])
			if first || v > maxes[i] {
				maxes[i] = v
			}
			tops[i].offer(row, v)
		}
		first = false
	})
	if err != nil {
		return nil, err
	}

	ids := r.Tokens()
	for i, f := range ranked {
		feat := Feature{
			Index:     f,
			Mean:      mag[f],
			Max:       maxes[i],
			Frequency: freq[f],
		}
		for _, hi := range tops[i].hits {
			feat.Contexts = append(feat.Contexts, tok.Decode(Window(ids, hi.row, opts.Window)))
			feat.Values = append(feat.Values, hi.val)
		}
		feat.Label = HeuristicLabel(feat.Contexts)
		rep.Features = append(rep.Features, feat)
	}
	return rep, nil
}

func eachChunk(m *sae.Model, r *store.Reader, chunk int, fn func(row int, h []float32)) error {
	for lo := 0; lo < r.Len(); lo += chunk {
		hi := lo + chunk
		if hi > r.Len() {
			hi = r.Len()
		}
		x, err := r.Rows(lo, hi)
		if err != nil {
			return err
		}
		h := m.Encode(x)
		for i := 0; i < h.Rows; i++ {
			fn(lo+i, h.Row(i))
		}
	}
	return nil
}

// Window returns the token ids in [i-w, i+w] clamped to ids.
func Window(ids []int32, i, w int) []int {
	lo, hi := i-w, i+w+1
	if lo < 0 {
		lo = 0
	}
	if hi > len(ids) {
		hi = len(ids)
	}
	out := make([]int, 0, hi-lo)
	for _, id := range ids[lo:hi] {
		out = append(out, int(id))
	}
	return out
}

// HeuristicLabel names a feature after the three most common words of four
// or more letters across its contexts.
func HeuristicLabel(contexts []string) string {
	counts := make(map[string]int)
	var order []string
	for _, c := range contexts {
		for _, w := range strings.Fields(c) {
			w = strings.ToLower(strings.Trim(w, ".,:;!?()[]{}\"'`"))
			if len([]rune(w)) < minWordLen {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	if len(order) == 0 {
		return fallbackLabel
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > labelWords {
		order = order[:labelWords]
	}
	return strings.Join(order, ", ")
}

// JSONPath and MarkdownPath name the per-domain report files.
func JSONPath(dir, label string) string { return filepath.Join(dir, "features_"+label+".json") }
func MarkdownPath(dir, label string) string { return filepath.Join(dir, "features_"+label+".md") }

// WriteMarkdown renders a human-readable summary of rep.
func WriteMarkdown(path string, rep *Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Feature summaries (%s)\n\n", rep.Label)
	for _, f := range rep.Features {
		fmt.Fprintf(&b, "## Feature %d: %s\n", f.Index, f.Label)
		fmt.Fprintf(&b, "- mean: %.4f\n", f.Mean)
		fmt.Fprintf(&b, "- max: %.4f\n", f.Max)
		fmt.Fprintf(&b, "- frequency: %.4f\n", f.Frequency)
		for i, c := range f.Contexts {
			if i == markdownContext {
				break
			}
			if rs := []rune(c); len(rs) > markdownRunes {
				c = string(rs[:markdownRunes])
			}
			fmt.Fprintf(&b, "  - %s\n", strings.ReplaceAll(c, "\n", " "))
		}
		b.WriteString("\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ReadReport loads a features JSON written by Run.
func ReadReport(path, label string) (*Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rep := &Report{Label: label}
	if err := json.Unmarshal(raw, rep); err != nil {
		return nil, fmt.Errorf("parse features %s: %w", path, err)
	}
	return rep, nil
}

// Run interprets the final checkpoint of one domain against its store and
// writes the JSON and Markdown reports to the features directory.
func Run(cfg config.Experiment, label string, tok batch.Tokenizer) (*Report, error) {
	defer metrics.ObserveStage("interpret", time.Now())
	log := logger.Log.With("component", "interpret", "label", label)

	r, err := store.OpenLabel(cfg.Collection.OutputDir, label)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", label, err)
	}
	defer r.Close()
	ck, err := sae.Load(train.CheckpointPath(cfg.Outputs.CheckpointsDir, label))
	if err != nil {
		return nil, err
	}

	rep, err := Extract(ck.Model, r, tok, label, OptionsFrom(cfg.Interpret))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Outputs.FeaturesDir, 0o755); err != nil {
		return nil, err
	}
	jsonPath := JSONPath(cfg.Outputs.FeaturesDir, label)
	if err := store.WriteMeta(jsonPath, rep); err != nil {
		return nil, err
	}
	mdPath := MarkdownPath(cfg.Outputs.FeaturesDir, label)
	if err := WriteMarkdown(mdPath, rep); err != nil {
		return nil, err
	}
	metrics.RecordFeatures(label, len(rep.Features))
	log.Info("Features written", "features", len(rep.Features), "json", jsonPath, "markdown", mdPath)
	return rep, nil
}
