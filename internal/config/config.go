package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration errors. They are fatal and must be
// raised before any side effect (file creation, network fetch).
var ErrInvalid = errors.New("configuration error")

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalid)
}

// Invalidf builds a configuration error.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

type SparsityMode string

const (
	SparsityReLUL1 SparsityMode = "relu_l1"
	SparsityTopK   SparsityMode = "topk"
)

type Data struct {
	DatasetAName       string   `yaml:"dataset_a_name"`
	DatasetAConfig     string   `yaml:"dataset_a_config"`
	DatasetASplit      string   `yaml:"dataset_a_split"`
	DatasetBName       string   `yaml:"dataset_b_name"`
	DatasetBConfig     string   `yaml:"dataset_b_config"`
	DatasetBSplit      string   `yaml:"dataset_b_split"`
	TextFieldA         string   `yaml:"text_field_a"`
	TextFieldB         string   `yaml:"text_field_b"`
	MaxCharsPerExample int      `yaml:"max_chars_per_example"`
	CacheDir           string   `yaml:"cache_dir"`
	SourcesA           []string `yaml:"sources_a"`
	SourcesB           []string `yaml:"sources_b"`
}

type Model struct {
	ModelName        string `yaml:"model_name"`
	LayerIndex       int    `yaml:"layer_index"`
	ActivationStream string `yaml:"activation_stream"`
	DType            string `yaml:"dtype"`
}

type Collection struct {
	SeqLen    int    `yaml:"seq_len"`
	BatchSize int    `yaml:"batch_size"`
	TokensA   int    `yaml:"tokens_a"`
	TokensB   int    `yaml:"tokens_b"`
	OutputDir string `yaml:"output_dir"`
}

type SAE struct {
	DSAE            int          `yaml:"d_sae"`
	LR              float64      `yaml:"lr"`
	BatchSize       int          `yaml:"batch_size"`
	Epochs          int          `yaml:"epochs"`
	L1Coeff         float64      `yaml:"l1_coeff"`
	GradClip        float64      `yaml:"grad_clip"`
	CheckpointEvery int          `yaml:"checkpoint_every"`
	WeightDecay     float64      `yaml:"weight_decay"`
	SparsityMode    SparsityMode `yaml:"sparsity_mode"`
	TopK            int          `yaml:"topk"`
}

type Interpret struct {
	TopFeatures         int `yaml:"top_features"`
	TopContexts         int `yaml:"top_contexts"`
	ContextWindowTokens int `yaml:"context_window_tokens"`
}

type Outputs struct {
	Root           string `yaml:"root"`
	ResultsJSON    string `yaml:"results_json"`
	TablesDir      string `yaml:"tables_dir"`
	FeaturesDir    string `yaml:"features_dir"`
	CheckpointsDir string `yaml:"checkpoints_dir"`
	CatalogDB      string `yaml:"catalog_db"`
}

type Serve struct {
	HTTPAddr   string `yaml:"http_addr"`
	FlightAddr string `yaml:"flight_addr"`
}

// Experiment is the full configuration of one study run.
type Experiment struct {
	Seed             int64      `yaml:"seed"`
	DevicePreference string     `yaml:"device_preference"`
	Data             Data       `yaml:"data"`
	Model            Model      `yaml:"model"`
	Collection       Collection `yaml:"collection"`
	SAE              SAE        `yaml:"sae"`
	Interpret        Interpret  `yaml:"interpret"`
	Outputs          Outputs    `yaml:"outputs"`
	Serve            Serve      `yaml:"serve"`
}

func Default() Experiment {
	return Experiment{
		Seed:             42,
		DevicePreference: "cpu",
		Data: Data{
			DatasetAName:       "wikitext",
			DatasetASplit:      "train",
			DatasetBName:       "github-code",
			DatasetBSplit:      "train",
			TextFieldA:         "text",
			TextFieldB:         "code",
			MaxCharsPerExample: 2000,
			CacheDir:           ".cache/corpus",
		},
		Model: Model{
			LayerIndex:       6,
			ActivationStream: "mlp_output",
			DType:            "float16",
		},
		Collection: Collection{
			SeqLen:    128,
			BatchSize: 8,
			TokensA:   200_000,
			TokensB:   200_000,
			OutputDir: "artifacts/activations",
		},
		SAE: SAE{
			DSAE:            4096,
			LR:              1e-3,
			BatchSize:       1024,
			Epochs:          5,
			L1Coeff:         1e-3,
			GradClip:        1.0,
			CheckpointEvery: 500,
			WeightDecay:     0.0,
			SparsityMode:    SparsityReLUL1,
			TopK:            32,
		},
		Interpret: Interpret{
			TopFeatures:         25,
			TopContexts:         10,
			ContextWindowTokens: 12,
		},
		Outputs: Outputs{
			Root:           "outputs",
			ResultsJSON:    "outputs/results.json",
			TablesDir:      "outputs/tables",
			FeaturesDir:    "outputs/features",
			CheckpointsDir: "artifacts/checkpoints",
			CatalogDB:      "outputs/catalog.db",
		},
		Serve: Serve{
			HTTPAddr:   ":8088",
			FlightAddr: "localhost:8815",
		},
	}
}

// Load reads a YAML file over Default() and validates the result.
func Load(path string) (Experiment, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, Invalidf("parse config %s: %v", path, err)
	}
	cfg.fillDerived()
	return cfg, cfg.Validate()
}

// fillDerived points unset output paths below Outputs.Root.
func (c *Experiment) fillDerived() {
	root := c.Outputs.Root
	if root == "" {
		return
	}
	if c.Outputs.ResultsJSON == "" {
		c.Outputs.ResultsJSON = filepath.Join(root, "results.json")
	}
	if c.Outputs.TablesDir == "" {
		c.Outputs.TablesDir = filepath.Join(root, "tables")
	}
	if c.Outputs.FeaturesDir == "" {
		c.Outputs.FeaturesDir = filepath.Join(root, "features")
	}
}

func (c *Experiment) Validate() error {
	if c.Data.DatasetAName == "" || c.Data.DatasetBName == "" {
		return Invalidf("dataset_a_name and dataset_b_name are required")
	}
	if c.Data.MaxCharsPerExample <= 0 {
		return Invalidf("invalid max_chars_per_example: %d (must be positive)", c.Data.MaxCharsPerExample)
	}
	if c.Model.ModelName == "" {
		return Invalidf("model_name is required")
	}
	if c.Model.LayerIndex < 0 {
		return Invalidf("invalid layer_index: %d (must be non-negative)", c.Model.LayerIndex)
	}
	switch c.Model.ActivationStream {
	case "mlp_output", "residual":
	default:
		return Invalidf("unsupported activation_stream %q (use mlp_output or residual)", c.Model.ActivationStream)
	}
	switch strings.ToLower(c.Model.DType) {
	case "float16", "bfloat16", "float32":
	default:
		return Invalidf("unsupported dtype %q", c.Model.DType)
	}
	if c.Collection.SeqLen <= 0 {
		return Invalidf("invalid seq_len: %d (must be positive)", c.Collection.SeqLen)
	}
	if c.Collection.BatchSize <= 0 {
		return Invalidf("invalid batch_size: %d (must be positive)", c.Collection.BatchSize)
	}
	if c.Collection.TokensA <= 0 || c.Collection.TokensB <= 0 {
		return Invalidf("invalid token targets: a=%d b=%d (must be positive)", c.Collection.TokensA, c.Collection.TokensB)
	}
	if c.Collection.OutputDir == "" {
		return Invalidf("collection.output_dir is required")
	}
	if err := c.SAE.Validate(); err != nil {
		return err
	}
	if c.Interpret.TopFeatures <= 0 || c.Interpret.TopContexts <= 0 {
		return Invalidf("invalid interpret counts: features=%d contexts=%d (must be positive)",
			c.Interpret.TopFeatures, c.Interpret.TopContexts)
	}
	if c.Interpret.ContextWindowTokens < 0 {
		return Invalidf("invalid context_window_tokens: %d (must be non-negative)", c.Interpret.ContextWindowTokens)
	}
	if c.Outputs.ResultsJSON == "" || c.Outputs.TablesDir == "" ||
		c.Outputs.FeaturesDir == "" || c.Outputs.CheckpointsDir == "" {
		return Invalidf("outputs: results_json, tables_dir, features_dir and checkpoints_dir are required")
	}
	return nil
}

func (s *SAE) Validate() error {
	if s.DSAE <= 0 {
		return Invalidf("invalid d_sae: %d (must be positive)", s.DSAE)
	}
	if s.LR <= 0 {
		return Invalidf("invalid lr: %g (must be positive)", s.LR)
	}
	if s.BatchSize <= 0 {
		return Invalidf("invalid sae batch_size: %d (must be positive)", s.BatchSize)
	}
	if s.Epochs <= 0 {
		return Invalidf("invalid epochs: %d (must be positive)", s.Epochs)
	}
	if s.L1Coeff < 0 {
		return Invalidf("invalid l1_coeff: %g (must be non-negative)", s.L1Coeff)
	}
	if s.GradClip <= 0 {
		return Invalidf("invalid grad_clip: %g (must be positive)", s.GradClip)
	}
	if s.CheckpointEvery <= 0 {
		return Invalidf("invalid checkpoint_every: %d (must be positive)", s.CheckpointEvery)
	}
	if s.WeightDecay < 0 {
		return Invalidf("invalid weight_decay: %g (must be non-negative)", s.WeightDecay)
	}
	switch s.SparsityMode {
	case SparsityReLUL1:
	case SparsityTopK:
		if s.TopK <= 0 {
			return Invalidf("invalid topk: %d (must be positive in topk mode)", s.TopK)
		}
	default:
		return Invalidf("unsupported sparsity_mode %q (use relu_l1 or topk)", s.SparsityMode)
	}
	return nil
}

// TokensFor returns the collection target for a domain label.
func (c *Experiment) TokensFor(label string) int {
	if label == "B" {
		return c.Collection.TokensB
	}
	return c.Collection.TokensA
}
