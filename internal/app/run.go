package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/fabflow/internal/ctxlog"
	"github.com/vk/fabflow/internal/executor"
	"github.com/vk/fabflow/internal/report"
)

// Run executes the loaded job and prints the summary. The returned error
// reflects the run outcome; the summary is printed even for failed runs so
// partial metrics stay visible.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	exec := executor.New(a.manifest, a.graph)
	exec.Workers = a.config.Workers
	runErr := exec.Run(ctx)

	if err := a.printSummary(); err != nil {
		a.logger.Error("Failed to print summary.", "error", err)
	}
	return runErr
}

func (a *App) printSummary() error {
	rpt := report.New(a.manifest, a.graph)

	fmt.Fprintln(a.outW)
	if err := rpt.Metrics().Render(a.outW); err != nil {
		return err
	}

	path := rpt.WinningPath()
	if len(path) == 0 {
		return nil
	}
	names := make([]string, len(path))
	for i, id := range path {
		names[i] = id.String()
	}
	fmt.Fprintf(a.outW, "\nwinning path: %s\n", strings.Join(names, " "))
	return nil
}
