package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-sae/internal/actflight"
	"github.com/23skdu/longbow-sae/internal/artifacts"
	"github.com/23skdu/longbow-sae/internal/catalog"
	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/corpus"
	"github.com/23skdu/longbow-sae/internal/eval"
	"github.com/23skdu/longbow-sae/internal/extract"
	"github.com/23skdu/longbow-sae/internal/interpret"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/model"
	"github.com/23skdu/longbow-sae/internal/ollama"
	"github.com/23skdu/longbow-sae/internal/store"
	"github.com/23skdu/longbow-sae/internal/tokenizer"
	"github.com/23skdu/longbow-sae/internal/train"
)

var errUsage = errors.New("usage")

var labels = []string{"A", "B"}

// app carries what every command needs. The catalog is optional and only
// opened when outputs.catalog_db is set.
type app struct {
	cfg     config.Experiment
	cat     *catalog.Catalog
	fetcher *corpus.Fetcher
}

func newApp(cfg config.Experiment) (*app, error) {
	a := &app{
		cfg:     cfg,
		fetcher: corpus.NewFetcher(corpus.FetcherConfig{CacheDir: cfg.Data.CacheDir, Retries: 2}),
	}
	if cfg.Outputs.CatalogDB != "" {
		cat, err := catalog.Open(cfg.Outputs.CatalogDB)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		a.cat = cat
	}
	return a, nil
}

func (a *app) Close() {
	if a.cat != nil {
		a.cat.Close()
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "collect":
		return a.collect(ctx)
	case "train":
		return a.train(ctx)
	case "eval":
		return a.eval(ctx)
	case "interpret":
		fs := newFlagSet(cmd)
		label := fs.String("label", "", "A or B, empty for both")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		return a.interpret(ctx, *label)
	case "export":
		fs := newFlagSet(cmd)
		label := fs.String("label", "", "A or B, empty for both")
		out := fs.String("out", filepath.Join(a.cfg.Outputs.Root, "arrow"), "Output directory")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		return a.export(*label, *out)
	case "pull":
		fs := newFlagSet(cmd)
		from := fs.String("from", a.cfg.Serve.FlightAddr, "Flight server address")
		label := fs.String("label", "", "A or B")
		out := fs.String("out", "", "Directory for the pulled store")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		if *out == "" || !knownLabel(*label) {
			return fmt.Errorf("%w: pull needs -label A|B and -out", errUsage)
		}
		return a.pull(ctx, *from, *label, *out)
	case "serve":
		return a.serve(ctx)
	case "all":
		return a.all(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func knownLabel(l string) bool { return l == "A" || l == "B" }

func pick(label string) ([]string, error) {
	if label == "" {
		return labels, nil
	}
	if !knownLabel(label) {
		return nil, config.Invalidf("unknown label %q (use A or B)", label)
	}
	return []string{label}, nil
}

func (a *app) all(ctx context.Context) error {
	if err := a.collect(ctx); err != nil {
		return err
	}
	if err := a.train(ctx); err != nil {
		return err
	}
	if err := a.eval(ctx); err != nil {
		return err
	}
	return a.interpret(ctx, "")
}

func (a *app) collect(ctx context.Context) error {
	specs := make([]corpus.TextStreamSpec, len(labels))
	for i, l := range labels {
		specs[i] = corpus.SpecFor(a.cfg.Data, l)
		if _, err := corpus.DomainOf(specs[i].Name); err != nil {
			return err
		}
	}
	stream, err := model.ParseStream(a.cfg.Model.ActivationStream)
	if err != nil {
		return err
	}

	m, err := model.Load(a.cfg.Model.ModelName, a.cfg.Model.DType)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := model.CheckCapabilities(m, a.cfg.Model.LayerIndex, stream); err != nil {
		return err
	}

	domains := make([]extract.Domain, len(labels))
	for i, l := range labels {
		src, err := corpus.Open(ctx, specs[i], a.fetcher)
		if err != nil {
			return fmt.Errorf("corpus %s: %w", l, err)
		}
		domains[i] = extract.Domain{Label: l, Source: src}
	}

	metas, err := extract.CollectAll(ctx, m, a.cfg, domains)
	for _, l := range labels {
		if meta, ok := metas[l]; ok && a.cat != nil {
			if cerr := a.cat.RecordStore(ctx, *meta); cerr != nil {
				logger.Log.Warn("Catalog update failed", "label", l, "error", cerr)
			}
		}
	}
	return err
}

func (a *app) train(ctx context.Context) error {
	results, err := train.TrainAll(ctx, a.cfg, labels)
	for _, l := range labels {
		if r, ok := results[l]; ok {
			logger.Log.Info("SAE trained", "label", l, "checkpoint", r.Checkpoint, "steps", r.Steps)
		}
	}
	return err
}

func (a *app) eval(ctx context.Context) error {
	res, err := eval.Run(a.cfg)
	if err != nil {
		return err
	}
	logger.Log.Info("Evaluation written", "path", a.cfg.Outputs.ResultsJSON,
		"a_to_b", res.Degradation.AToB, "b_to_a", res.Degradation.BToA)
	if a.cat != nil {
		if err := a.cat.RecordEvaluation(ctx, res); err != nil {
			logger.Log.Warn("Catalog update failed", "stage", "eval", "error", err)
		}
	}
	return nil
}

func (a *app) interpret(ctx context.Context, label string) error {
	which, err := pick(label)
	if err != nil {
		return err
	}
	path, err := ollama.Resolve(a.cfg.Model.ModelName)
	if err != nil {
		return err
	}
	tok, err := tokenizer.New(path)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}
	for _, l := range which {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := interpret.Run(a.cfg, l, tok)
		if err != nil {
			return fmt.Errorf("interpret %s: %w", l, err)
		}
		if a.cat != nil {
			if err := a.cat.RecordFeatures(ctx, rep); err != nil {
				logger.Log.Warn("Catalog update failed", "label", l, "error", err)
			}
		}
	}
	return nil
}

func (a *app) export(label, out string) error {
	which, err := pick(label)
	if err != nil {
		return err
	}
	for _, l := range which {
		r, err := store.OpenLabel(a.cfg.Collection.OutputDir, l)
		if err != nil {
			return fmt.Errorf("open store %s: %w", l, err)
		}
		path := filepath.Join(out, "acts_"+l+".arrow")
		err = store.ExportArrow(r, path, store.DefaultChunkRows)
		r.Close()
		if err != nil {
			return fmt.Errorf("export %s: %w", l, err)
		}
		logger.Log.Info("Store exported", "label", l, "path", path)
	}
	return nil
}

func (a *app) pull(ctx context.Context, from, label, out string) error {
	fc := actflight.NewFlightClientAddr(from)
	if err := fc.Connect(ctx); err != nil {
		return err
	}
	defer fc.Close()

	b, err := fc.Fetch(ctx, label)
	if err != nil {
		return err
	}
	meta, err := b.Save(out)
	if err != nil {
		return err
	}
	logger.Log.Info("Store pulled", "from", from, "label", label, "rows", meta.TokensCollected, "dir", out)
	return nil
}

// serve runs the artifact and Flight servers until ctx is done or either
// one fails.
func (a *app) serve(ctx context.Context) error {
	fs, err := actflight.Listen(a.cfg.Serve.FlightAddr, actflight.NewService(a.cfg.Collection.OutputDir, labels))
	if err != nil {
		return fmt.Errorf("flight listen: %w", err)
	}
	web := artifacts.New(a.cfg, a.cat)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return web.ListenAndServe(gctx, a.cfg.Serve.HTTPAddr) })
	g.Go(fs.Serve)
	g.Go(func() error {
		<-gctx.Done()
		fs.Shutdown()
		return nil
	})
	return g.Wait()
}
