// Package catalog indexes collection runs, evaluation results and feature
// reports in a SQLite database so they can be queried without re-reading
// the artifact files.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/23skdu/longbow-sae/internal/eval"
	"github.com/23skdu/longbow-sae/internal/interpret"
	"github.com/23skdu/longbow-sae/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS stores (
	label TEXT NOT NULL,
	run_id TEXT NOT NULL,
	model_name TEXT NOT NULL,
	layer_index INTEGER NOT NULL,
	activation_stream TEXT NOT NULL,
	d_model INTEGER NOT NULL,
	tokens_collected INTEGER NOT NULL,
	tokens_target INTEGER NOT NULL,
	throughput REAL NOT NULL,
	storage_mb REAL NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (label, run_id)
);
CREATE TABLE IF NOT EXISTS evaluations (
	train TEXT NOT NULL,
	eval TEXT NOT NULL,
	mse REAL NOT NULL,
	r2 REAL NOT NULL,
	avg_l0 REAL NOT NULL,
	avg_l1 REAL NOT NULL,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (train, eval)
);
CREATE TABLE IF NOT EXISTS degradation (
	direction TEXT PRIMARY KEY,
	ratio REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS features (
	label TEXT NOT NULL,
	feature_index INTEGER NOT NULL,
	position INTEGER NOT NULL,
	act_mean REAL NOT NULL,
	act_max REAL NOT NULL,
	act_frequency REAL NOT NULL,
	heuristic_label TEXT NOT NULL,
	contexts TEXT NOT NULL,
	vals TEXT NOT NULL,
	PRIMARY KEY (label, feature_index)
);
CREATE INDEX IF NOT EXISTS idx_features_position ON features(label, position);
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// Catalog is safe for concurrent use.
type Catalog struct {
	db *sql.DB
}

// Open creates or opens the catalog at path. ":memory:" gives a private
// in-memory catalog.
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("catalog: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// RecordStore upserts the metadata of one collection run.
func (c *Catalog) RecordStore(ctx context.Context, m store.Meta) error {
	var created int64
	if !m.CreatedAt.IsZero() {
		created = m.CreatedAt.UnixNano()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO stores (label, run_id, model_name, layer_index, activation_stream, d_model,
			tokens_collected, tokens_target, throughput, storage_mb, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (label, run_id) DO UPDATE SET
			model_name = excluded.model_name,
			layer_index = excluded.layer_index,
			activation_stream = excluded.activation_stream,
			d_model = excluded.d_model,
			tokens_collected = excluded.tokens_collected,
			tokens_target = excluded.tokens_target,
			throughput = excluded.throughput,
			storage_mb = excluded.storage_mb,
			created_at = excluded.created_at`,
		m.Label, m.RunID, m.ModelName, m.LayerIndex, m.ActivationStream, m.DModel,
		m.TokensCollected, m.TokensTarget, m.ThroughputTokensPerSec, m.StorageMB, created)
	if err != nil {
		return fmt.Errorf("catalog: record store %s: %w", m.Label, err)
	}
	return nil
}

// Stores lists recorded collection runs, newest first.
func (c *Catalog) Stores(ctx context.Context) ([]store.Meta, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT label, run_id, model_name, layer_index, activation_stream, d_model,
			tokens_collected, tokens_target, throughput, storage_mb, created_at
		FROM stores ORDER BY created_at DESC, label`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query stores: %w", err)
	}
	defer rows.Close()
	var out []store.Meta
	for rows.Next() {
		var m store.Meta
		var created int64
		if err := rows.Scan(&m.Label, &m.RunID, &m.ModelName, &m.LayerIndex, &m.ActivationStream, &m.DModel,
			&m.TokensCollected, &m.TokensTarget, &m.ThroughputTokensPerSec, &m.StorageMB, &created); err != nil {
			return nil, err
		}
		if created != 0 {
			m.CreatedAt = time.Unix(0, created).UTC()
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordEvaluation replaces the stored pair metrics and ratios with res.
func (c *Catalog) RecordEvaluation(ctx context.Context, res *eval.Results) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, tl := range []string{"A", "B"} {
		for _, el := range []string{"A", "B"} {
			pr, ok := res.Pairs[eval.PairKey(tl, el)]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO evaluations (train, eval, mse, r2, avg_l0, avg_l1, recorded_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				tl, el, pr.MSE, pr.R2, pr.AvgL0, pr.AvgL1, now); err != nil {
				return fmt.Errorf("catalog: record pair %s/%s: %w", tl, el, err)
			}
		}
	}
	for dir, v := range map[string]float64{"A_to_B": res.Degradation.AToB, "B_to_A": res.Degradation.BToA} {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO degradation (direction, ratio) VALUES (?, ?)`, dir, v); err != nil {
			return fmt.Errorf("catalog: record degradation: %w", err)
		}
	}
	return tx.Commit()
}

// Evaluation reads back the latest recorded results. Per-feature vectors are
// not kept in the catalog.
func (c *Catalog) Evaluation(ctx context.Context) (*eval.Results, error) {
	res := &eval.Results{Pairs: make(map[string]eval.PairResult)}
	rows, err := c.db.QueryContext(ctx, `SELECT train, eval, mse, r2, avg_l0, avg_l1 FROM evaluations`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query evaluations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tl, el string
		var pr eval.PairResult
		if err := rows.Scan(&tl, &el, &pr.MSE, &pr.R2, &pr.AvgL0, &pr.AvgL1); err != nil {
			return nil, err
		}
		res.Pairs[eval.PairKey(tl, el)] = pr
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	drows, err := c.db.QueryContext(ctx, `SELECT direction, ratio FROM degradation`)
	if err != nil {
		return nil, fmt.Errorf("catalog: query degradation: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var dir string
		var v float64
		if err := drows.Scan(&dir, &v); err != nil {
			return nil, err
		}
		switch dir {
		case "A_to_B":
			res.Degradation.AToB = v
		case "B_to_A":
			res.Degradation.BToA = v
		}
	}
	return res, drows.Err()
}

// RecordFeatures replaces every feature of rep.Label with rep.
func (c *Catalog) RecordFeatures(ctx context.Context, rep *interpret.Report) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM features WHERE label = ?`, rep.Label); err != nil {
		return fmt.Errorf("catalog: clear features %s: %w", rep.Label, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO features (label, feature_index, position, act_mean, act_max, act_frequency, heuristic_label, contexts, vals)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for rank, f := range rep.Features {
		contexts, err := json.Marshal(f.Contexts)
		if err != nil {
			return err
		}
		vals, err := json.Marshal(f.Values)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rep.Label, f.Index, rank, f.Mean, f.Max, f.Frequency,
			f.Label, string(contexts), string(vals)); err != nil {
			return fmt.Errorf("catalog: record feature %s/%d: %w", rep.Label, f.Index, err)
		}
	}
	return tx.Commit()
}

// Features returns the recorded features of label in rank order.
func (c *Catalog) Features(ctx context.Context, label string) ([]interpret.Feature, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT feature_index, act_mean, act_max, act_frequency, heuristic_label, contexts, vals
		FROM features WHERE label = ? ORDER BY position`, label)
	if err != nil {
		return nil, fmt.Errorf("catalog: query features: %w", err)
	}
	defer rows.Close()
	var out []interpret.Feature
	for rows.Next() {
		var f interpret.Feature
		var contexts, vals string
		if err := rows.Scan(&f.Index, &f.Mean, &f.Max, &f.Frequency, &f.Label, &contexts, &vals); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(contexts), &f.Contexts); err != nil {
			return nil, fmt.Errorf("catalog: feature %d contexts: %w", f.Index, err)
		}
		if err := json.Unmarshal([]byte(vals), &f.Values); err != nil {
			return nil, fmt.Errorf("catalog: feature %d values: %w", f.Index, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
