// Package corpus turns a dataset name into an endless stream of text
// chunks. Names containing "wiki" or "prose" select the prose source (one
// document, one chunk per non-empty line); names containing "code" or
// "github" select the code source (several files, one chunk per
// blank-line separated paragraph).
package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/logger"
	"github.com/23skdu/longbow-sae/internal/metrics"
)

const WikiURL = "https://raw.githubusercontent.com/pytorch/examples/main/word_language_model/data/wikitext-2/train.txt"

var CodeURLs = []string{
	"https://raw.githubusercontent.com/python/cpython/main/Lib/ast.py",
	"https://raw.githubusercontent.com/python/cpython/main/Lib/tokenize.py",
	"https://raw.githubusercontent.com/pallets/flask/main/src/flask/app.py",
	"https://raw.githubusercontent.com/numpy/numpy/main/numpy/linalg/__init__.py",
}

var (
	ErrUnsupportedDomain = fmt.Errorf("%w: unsupported dataset name (use a wiki-like name for A and a code-like name for B)", config.ErrInvalid)
	ErrNoContent         = errors.New("corpus: no source could be downloaded")
)

type Domain string

const (
	DomainProse Domain = "prose"
	DomainCode  Domain = "code"
)

// DomainOf classifies a dataset name.
func DomainOf(name string) (Domain, error) {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "wiki"), strings.Contains(n, "prose"):
		return DomainProse, nil
	case strings.Contains(n, "code"), strings.Contains(n, "github"):
		return DomainCode, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedDomain, name)
}

type TextStreamSpec struct {
	Name               string
	Config             string
	Split              string
	TextField          string
	MaxCharsPerExample int
	CacheDir           string
	// Sources overrides the default URLs for the domain.
	Sources []string
}

// Stream cycles over a finite list of chunks. It is not safe for
// concurrent use.
type Stream struct {
	domain Domain
	chunks []string
	pos    int
}

// Open resolves the domain of spec.Name, downloads its resources and splits them
// into chunks. Unsupported names fail before any network access.
func Open(ctx context.Context, spec TextStreamSpec, f *Fetcher) (*Stream, error) {
	domain, err := DomainOf(spec.Name)
	if err != nil {
		return nil, err
	}
	if spec.MaxCharsPerExample <= 0 {
		return nil, config.Invalidf("invalid max_chars_per_example: %d (must be positive)", spec.MaxCharsPerExample)
	}
	if f == nil {
		f = NewFetcher(FetcherConfig{CacheDir: spec.CacheDir})
	}
	log := logger.Log.With("component", "corpus", "domain", string(domain))

	var chunks []string
	switch domain {
	case DomainProse:
		urls := spec.Sources
		if len(urls) == 0 {
			urls = []string{WikiURL}
		}
		for _, u := range urls {
			text, err := f.Fetch(ctx, u)
			if err != nil {
				metrics.RecordCorpus(string(domain), 0, 1)
				return nil, fmt.Errorf("prose source: %w", err)
			}
			chunks = append(chunks, SplitLines(text, spec.MaxCharsPerExample)...)
		}
	case DomainCode:
		urls := spec.Sources
		if len(urls) == 0 {
			urls = CodeURLs
		}
		failures := 0
		for _, u := range urls {
			text, err := f.Fetch(ctx, u)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				failures++
				log.Warn("skipping code source", "url", u, "err", err)
				continue
			}
			chunks = append(chunks, SplitParagraphs(text, spec.MaxCharsPerExample)...)
		}
		metrics.RecordCorpus(string(domain), 0, failures)
		if failures == len(urls) {
			return nil, ErrNoContent
		}
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s sources contained no text", ErrNoContent, domain)
	}
	metrics.RecordCorpus(string(domain), len(chunks), 0)
	log.Info("corpus ready", "chunks", len(chunks))
	return &Stream{domain: domain, chunks: chunks}, nil
}

// NewStream wraps an in-memory chunk list.
func NewStream(domain Domain, chunks []string) *Stream {
	return &Stream{domain: domain, chunks: chunks}
}

func (s *Stream) Domain() Domain { return s.domain }
func (s *Stream) Len() int { return len(s.chunks) }

// Next returns the next chunk, wrapping to the first after the last. It
// reports false only for an empty stream.
func (s *Stream) Next() (string, bool) {
	if len(s.chunks) == 0 {
		return "", false
	}
	c := s.chunks[s.pos]
	s.pos = (s.pos + 1) % len(s.chunks)
	return c, true
}

// Reset restarts the stream from its first chunk.
func (s *Stream) Reset() { s.pos = 0 }

// SplitLines yields trimmed, non-empty lines truncated to max characters.
func SplitLines(text string, max int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, truncate(line, max))
		}
	}
	return out
}

// SplitParagraphs yields trimmed, non-empty blank-line separated blocks
// truncated to max characters.
func SplitParagraphs(text string, max int) []string {
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, truncate(block, max))
		}
	}
	return out
}

func truncate(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

// SpecFor builds the stream descriptor for domain label "A" or "B".
func SpecFor(cfg config.Data, label string) TextStreamSpec {
	if label == "B" {
		return TextStreamSpec{
			Name: cfg.DatasetBName, Config: cfg.DatasetBConfig, Split: cfg.DatasetBSplit,
			TextField: cfg.TextFieldB, MaxCharsPerExample: cfg.MaxCharsPerExample,
			CacheDir: cfg.CacheDir, Sources: cfg.SourcesB,
		}
	}
	return TextStreamSpec{
		Name: cfg.DatasetAName, Config: cfg.DatasetAConfig, Split: cfg.DatasetASplit,
		TextField: cfg.TextFieldA, MaxCharsPerExample: cfg.MaxCharsPerExample,
		CacheDir: cfg.CacheDir, Sources: cfg.SourcesA,
	}
}
