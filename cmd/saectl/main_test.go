package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-sae/internal/actflight"
	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/eval"
	"github.com/23skdu/longbow-sae/internal/interpret"
	"github.com/23skdu/longbow-sae/internal/model"
	"github.com/23skdu/longbow-sae/internal/store"
)

const proseText = `The river runs through the valley of the old town.
Scholars of history write about the kingdom and its people.
The harvest festival brings music and dancing to the square.
Mountains rise above the forest where wolves hunt at night.
`

const codeText = `func main() {
	for i := 0; i < 10; i++ {
		fmt.Println(i)
	}
}

def handler(event, context):
    if event is None:
        return None
    return event["body"]

import os
class Config:
    pass
`

func corpusServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prose.txt":
			w.Write([]byte(proseText))
		case "/code.txt":
			w.Write([]byte(codeText))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func studyConfig(t *testing.T) config.Experiment {
	t.Helper()
	root := t.TempDir()
	modelPath := filepath.Join(root, "tiny.gguf")
	require.NoError(t, model.WriteSynthetic(modelPath, model.DefaultSyntheticSpec()))
	srv := corpusServer(t)

	cfg := config.Default()
	cfg.Data.DatasetAName = "wikitext"
	cfg.Data.DatasetBName = "github-code"
	cfg.Data.SourcesA = []string{srv.URL + "/prose.txt"}
	cfg.Data.SourcesB = []string{srv.URL + "/code.txt"}
	cfg.Data.CacheDir = filepath.Join(root, "cache")
	cfg.Model.ModelName = modelPath
	cfg.Model.LayerIndex = 2
	cfg.Model.DType = "float32"
	cfg.Collection.SeqLen = 8
	cfg.Collection.BatchSize = 2
	cfg.Collection.TokensA = 64
	cfg.Collection.TokensB = 64
	cfg.Collection.OutputDir = filepath.Join(root, "acts")
	cfg.SAE.DSAE = 16
	cfg.SAE.BatchSize = 8
	cfg.SAE.Epochs = 2
	cfg.SAE.CheckpointEvery = 4
	cfg.Interpret.TopFeatures = 3
	cfg.Interpret.TopContexts = 2
	cfg.Interpret.ContextWindowTokens = 2
	cfg.Outputs.Root = filepath.Join(root, "out")
	cfg.Outputs.ResultsJSON = filepath.Join(root, "out", "results.json")
	cfg.Outputs.TablesDir = filepath.Join(root, "out", "tables")
	cfg.Outputs.FeaturesDir = filepath.Join(root, "out", "features")
	cfg.Outputs.CheckpointsDir = filepath.Join(root, "ckpt")
	cfg.Outputs.CatalogDB = filepath.Join(root, "out", "catalog.db")
	cfg.Serve.HTTPAddr = "127.0.0.1:0"
	cfg.Serve.FlightAddr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, cfg config.Experiment) *app {
	t.Helper()
	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestAllRunsTheStudyEndToEnd(t *testing.T) {
	cfg := studyConfig(t)
	a := newTestApp(t, cfg)
	ctx := context.Background()

	require.NoError(t, a.run(ctx, "all", nil))

	for _, l := range labels {
		meta, err := store.ReadMeta(store.MetaPath(cfg.Collection.OutputDir, l))
		require.NoError(t, err)
		assert.Equal(t, 64, meta.TokensCollected)
		assert.Equal(t, 32, meta.DModel)
		assert.FileExists(t, interpret.JSONPath(cfg.Outputs.FeaturesDir, l))
		assert.FileExists(t, interpret.MarkdownPath(cfg.Outputs.FeaturesDir, l))
	}
	assert.FileExists(t, filepath.Join(cfg.Collection.OutputDir, "meta_all.json"))

	res, err := eval.ReadResults(cfg.Outputs.ResultsJSON)
	require.NoError(t, err)
	assert.Len(t, res.Pairs, 4)

	stores, err := a.cat.Stores(ctx)
	require.NoError(t, err)
	assert.Len(t, stores, 2)
	assert.Equal(t, stores[0].RunID, stores[1].RunID)

	feats, err := a.cat.Features(ctx, "B")
	require.NoError(t, err)
	assert.Len(t, feats, 3)

	cached, err := os.ReadDir(cfg.Data.CacheDir)
	require.NoError(t, err)
	assert.NotEmpty(t, cached)

	out := filepath.Join(cfg.Outputs.Root, "arrow")
	require.NoError(t, a.run(ctx, "export", []string{"-label", "A", "-out", out}))
	assert.FileExists(t, filepath.Join(out, "acts_A.arrow"))
	assert.NoFileExists(t, filepath.Join(out, "acts_B.arrow"))
}

func TestPullCopiesRemoteStore(t *testing.T) {
	cfg := studyConfig(t)
	a := newTestApp(t, cfg)
	ctx := context.Background()
	require.NoError(t, a.run(ctx, "collect", nil))

	srv, err := actflight.Listen("127.0.0.1:0", actflight.NewService(cfg.Collection.OutputDir, labels))
	require.NoError(t, err)
	go srv.Serve()
	t.Cleanup(srv.Shutdown)

	out := t.TempDir()
	require.NoError(t, a.run(ctx, "pull", []string{"-from", srv.Addr(), "-label", "B", "-out", out}))

	local, err := store.OpenLabel(cfg.Collection.OutputDir, "B")
	require.NoError(t, err)
	defer local.Close()
	pulled, err := store.OpenLabel(out, "B")
	require.NoError(t, err)
	defer pulled.Close()
	assert.Equal(t, local.Tokens(), pulled.Tokens())
	assert.Equal(t, local.Matrix().Data, pulled.Matrix().Data)
	assert.Equal(t, cfg.Model.LayerIndex, pulled.Meta().LayerIndex)
}

func TestServeStopsOnCancel(t *testing.T) {
	a := newTestApp(t, studyConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, "serve", nil) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestCollectRejectsUnknownDomainBeforeFetching(t *testing.T) {
	cfg := studyConfig(t)
	cfg.Data.DatasetBName = "imagenet"
	a := newTestApp(t, cfg)

	err := a.run(context.Background(), "collect", nil)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	_, statErr := os.Stat(cfg.Collection.OutputDir)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(cfg.Data.CacheDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCommandArguments(t *testing.T) {
	a := newTestApp(t, studyConfig(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		cmd     string
		args    []string
		usage   bool
		cfgErr  bool
		message string
	}{
		{name: "unknown command", cmd: "frobnicate", usage: true},
		{name: "bad flag", cmd: "interpret", args: []string{"-nope"}, usage: true},
		{name: "pull without out", cmd: "pull", args: []string{"-label", "A"}, usage: true},
		{name: "pull bad label", cmd: "pull", args: []string{"-label", "C", "-out", "x"}, usage: true},
		{name: "interpret bad label", cmd: "interpret", args: []string{"-label", "C"}, cfgErr: true},
		{name: "export bad label", cmd: "export", args: []string{"-label", "Z"}, cfgErr: true},
		{name: "eval before train", cmd: "eval", message: "open store A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.run(ctx, tt.cmd, tt.args)
			require.Error(t, err)
			assert.Equal(t, tt.usage, errors.Is(err, errUsage))
			assert.Equal(t, tt.cfgErr, config.IsConfigError(err))
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}
