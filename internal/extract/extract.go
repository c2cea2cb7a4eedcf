// Package extract runs token batches through an instrumented model and
// appends the observed activations to an activation store.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-sae/internal/batch"
	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/metrics"
	"github.com/23skdu/longbow-sae/internal/model"
	"github.com/23skdu/longbow-sae/internal/store"
	"github.com/23skdu/longbow-sae/internal/tensor"
)

// BatchSource yields token batches until ok is false.
type BatchSource interface {
	Next() (*batch.TokenBatch, bool)
}

type Options struct {
	Adapter   model.Adapter
	Layer     int
	Stream    model.Stream
	Batches   BatchSource
	Label     string
	Target    int
	Dir       string
	ModelName string
	RunID     string
}

// queue holds captured tensors between the observer and the writer.
type queue struct {
	mu    sync.Mutex
	items []*tensor.Matrix
}

func (q *queue) push(m *tensor.Matrix) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

func (q *queue) pop() (*tensor.Matrix, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// Collect fills a new store for opts.Label. The store is closed on every
// path once created, so its metadata always records the rows actually
// written; on cancellation the metadata is returned together with the
// context error.
func Collect(ctx context.Context, opts Options) (*store.Meta, error) {
	a := opts.Adapter
	if err := model.CheckCapabilities(a, opts.Layer, opts.Stream); err != nil {
		return nil, err
	}
	w, err := store.Create(opts.Dir, opts.Label, opts.Target, a.DModel())
	if err != nil {
		return nil, err
	}
	log := logger.Log.With("component", "extract", "label", opts.Label)
	log.Info("Collecting activations", "model", opts.ModelName, "layer", opts.Layer,
		"stream", opts.Stream, "target", opts.Target, "d_model", a.DModel())

	var q queue
	observe := func(_ int, acts *tensor.Matrix) { q.push(acts) }

	start := time.Now()
	loopErr := model.WithObservation(a, opts.Layer, opts.Stream, observe, func() error {
		for !w.Full() {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, ok := opts.Batches.Next()
			if !ok {
				log.Warn("Batch source exhausted before target", "collected", w.Len(), "target", opts.Target)
				return nil
			}
			if err := a.Forward(ctx, b); err != nil {
				return fmt.Errorf("forward: %w", err)
			}
			tokens := b.Flat()
			for {
				acts, ok := q.pop()
				if !ok {
					break
				}
				if acts.Rows != len(tokens) || acts.Cols != a.DModel() {
					return fmt.Errorf("observer delivered %dx%d for %d tokens", acts.Rows, acts.Cols, len(tokens))
				}
				n, err := w.Append(acts.Data, tokens)
				if err != nil {
					return err
				}
				metrics.RecordCollected(opts.Label, n)
			}
			log.Debug("Batch written", "collected", w.Len())
		}
		return nil
	})

	elapsed := time.Since(start).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(w.Len()) / elapsed
	}
	meta, closeErr := w.Close(store.Meta{
		ThroughputTokensPerSec: throughput,
		ModelName:              opts.ModelName,
		LayerIndex:             opts.Layer,
		ActivationStream:       string(opts.Stream),
		RunID:                  opts.RunID,
	})
	if closeErr != nil {
		return nil, errors.Join(loopErr, closeErr)
	}
	metrics.RecordThroughput(opts.Label, throughput)
	log.Info("Collection finished", "collected", meta.TokensCollected, "target", meta.TokensTarget,
		"tokens_per_sec", throughput, "storage_mb", meta.StorageMB)
	return meta, loopErr
}

// Domain is one labelled text source for CollectAll.
type Domain struct {
	Label  string
	Source batch.Source
}

// CollectAll collects every domain in order with one shared run id and
// writes meta_all.json next to the stores.
func CollectAll(ctx context.Context, a model.Adapter, cfg config.Experiment, domains []Domain) (map[string]*store.Meta, error) {
	defer metrics.ObserveStage("collect", time.Now())
	stream, err := model.ParseStream(cfg.Model.ActivationStream)
	if err != nil {
		return nil, err
	}
	if err := model.CheckCapabilities(a, cfg.Model.LayerIndex, stream); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	all := make(map[string]*store.Meta, len(domains))
	for _, d := range domains {
		target := cfg.TokensFor(d.Label)
		batcher, err := batch.NewBatcher(d.Source, a.Tokenizer(), cfg.Collection.SeqLen, cfg.Collection.BatchSize, target)
		if err != nil {
			return all, err
		}
		meta, err := Collect(ctx, Options{
			Adapter:   a,
			Layer:     cfg.Model.LayerIndex,
			Stream:    stream,
			Batches:   batcher,
			Label:     d.Label,
			Target:    target,
			Dir:       cfg.Collection.OutputDir,
			ModelName: cfg.Model.ModelName,
			RunID:     runID,
		})
		if meta != nil {
			all[d.Label] = meta
		}
		if err != nil {
			return all, fmt.Errorf("collect %s: %w", d.Label, err)
		}
	}
	if err := store.WriteMeta(filepath.Join(cfg.Collection.OutputDir, "meta_all.json"), all); err != nil {
		return all, err
	}
	return all, nil
}
