// Package app assembles the engine: it loads the job description into a
// manifest, registers the tool adapters, builds the flowgraph, and hands
// the result to the executor.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vk/fabflow/internal/ctxlog"
	"github.com/vk/fabflow/internal/flowgraph"
	"github.com/vk/fabflow/internal/hclflow"
	"github.com/vk/fabflow/internal/keypath"
	"github.com/vk/fabflow/internal/manifest"
	"github.com/vk/fabflow/internal/tool"
)

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	manifest *manifest.Manifest
	registry *tool.Registry
	graph    *flowgraph.Graph
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance with the job loaded and the flowgraph built.
// When no modules are given, the compiled-in core modules are used.
func NewApp(outW io.Writer, cfg *Config, modules ...tool.Module) (*App, error) {
	logger := newLogger(cfg, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	m := manifest.New()
	if err := hclflow.LoadFile(cfg.JobPath, m); err != nil {
		return nil, fmt.Errorf("loading job file: %w", err)
	}
	logger.Debug("Job description loaded.", "path", cfg.JobPath)

	if err := setSearchRoots(m, cfg.JobPath); err != nil {
		return nil, err
	}

	reg := tool.NewRegistry()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All tool modules registered.", "tasks", reg.Tasks())

	g, err := flowgraph.Build(ctx, m, reg)
	if err != nil {
		return nil, fmt.Errorf("building flowgraph: %w", err)
	}
	logger.Debug("Flowgraph built.", "nodes", len(g.Nodes))

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		manifest: m,
		registry: reg,
		graph:    g,
	}, nil
}

// setSearchRoots anchors relative file values at the job file's directory,
// the working directory, and any configured extra roots.
func setSearchRoots(m *manifest.Manifest, jobPath string) error {
	jobDir, err := filepath.Abs(filepath.Dir(jobPath))
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	roots := []string{jobDir, cwd}

	extra, err := m.Get(keypath.New("option", "scpath"))
	if err == nil && !extra.IsNull() {
		for _, v := range extra.AsValueSlice() {
			root := v.AsString()
			if !filepath.IsAbs(root) {
				root = filepath.Join(jobDir, root)
			}
			roots = append(roots, root)
		}
	}
	m.SetSearchRoots(roots)
	return nil
}

// Manifest returns the application's manifest. This is primarily for
// testing.
func (a *App) Manifest() *manifest.Manifest {
	return a.manifest
}

// Graph returns the built flowgraph. This is primarily for testing.
func (a *App) Graph() *flowgraph.Graph {
	return a.graph
}
