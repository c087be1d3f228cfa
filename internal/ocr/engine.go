package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options configures Load.
type Options struct {
	Backend    string
	Checkpoint string
	CacheDir   string
	// Offline forbids running without a locally cached checkpoint.
	Offline bool

	InferenceURL    string
	APIKey          string
	ServedModel     string
	MaxOutputTokens int

	Logger *slog.Logger
}

// BackendFactory constructs a ready Model for a resolved checkpoint.
type BackendFactory func(ctx context.Context, opts Options, cp Checkpoint, proc Processor) (Model, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend selectable by name.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[strings.ToLower(name)] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func backend(name string) (BackendFactory, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[strings.ToLower(name)]
	return f, ok
}

// Engine is the process-wide model state: checkpoint, processor and a ready
// backend. It is built once by Load and only read afterwards.
type Engine struct {
	Model
	Checkpoint Checkpoint
	Processor  Processor
	Backend    string
}

// Load resolves the checkpoint, reads its processor configuration and binds
// the selected backend. Any error means the process must not serve requests.
func Load(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	logger.Info("loading model", slog.String("checkpoint", opts.Checkpoint), slog.String("backend", opts.Backend))

	factory, ok := backend(opts.Backend)
	if !ok {
		return nil, fmt.Errorf("unknown OCR backend %q (available: %s)", opts.Backend, strings.Join(Backends(), ", "))
	}

	cp, err := ResolveCheckpoint(opts.CacheDir, opts.Checkpoint)
	if err != nil {
		if opts.Offline || !errors.Is(err, ErrCheckpointNotCached) {
			return nil, fmt.Errorf("resolve checkpoint: %w", err)
		}
		logger.Warn("checkpoint not cached; continuing because offline mode is off", slog.String("checkpoint", opts.Checkpoint))
		cp = Checkpoint{ID: opts.Checkpoint}
	}

	proc, err := LoadProcessor(cp)
	if err != nil {
		return nil, fmt.Errorf("load processor for %s: %w", cp.ID, err)
	}

	model, err := factory(ctx, opts, cp, proc)
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", opts.Backend, err)
	}

	logger.Info("model loaded",
		slog.String("checkpoint", cp.ID),
		slog.String("revision", cp.Revision),
		slog.String("model_type", cp.ModelType),
		slog.Duration("took", time.Since(start)),
	)
	return &Engine{Model: model, Checkpoint: cp, Processor: proc, Backend: strings.ToLower(opts.Backend)}, nil
}
