package simple

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cochaviz/preview/internal/bootstrap"
	"github.com/cochaviz/preview/internal/logging"
	"github.com/cochaviz/preview/internal/metrics"
	"github.com/cochaviz/preview/internal/presenter"
	"github.com/cochaviz/preview/internal/sandbox"
	"github.com/cochaviz/preview/internal/setup"
)

// Check verifies that the configured project directory can be bootstrapped.
func Check(settings Settings, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	projectDir, err := setup.ResolveProjectDir(settings.ProjectDir)
	if err != nil {
		return err
	}
	logger.Info("verifying project", "project_dir", projectDir)
	return setup.Verify(projectDir)
}

// RunPreview bootstraps the project in a local runtime and presents it on out
// and, when settings.Listen is set, over HTTP. It returns once ctx ends, the
// HTTP server fails, or the cycle fails without an HTTP view to report it.
// The runtime is torn down before returning.
func RunPreview(ctx context.Context, settings Settings, out io.Writer, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	projectDir, err := setup.ResolveProjectDir(settings.ProjectDir)
	if err != nil {
		return err
	}
	if err := setup.Verify(projectDir); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.New(registry)

	sink := logging.NewSink(logger)
	defer sink.Flush()

	runtime := &sandbox.LocalRuntime{
		WorkDir:   projectDir,
		Env:       settings.Env,
		UsePTY:    settings.UsePTY,
		KillGrace: settings.KillGrace,
		Prober: sandbox.NewReadinessProber(
			logger.With("driver", "local"),
			settings.Probe.Attempts,
			settings.Probe.WaitMin,
			settings.Probe.WaitMax,
		),
		Logger: logger.With("driver", "local"),
	}

	orchestrator := bootstrap.New(bootstrap.Config{
		Logger:             logger,
		Sink:               sink,
		Recorder:           recorder,
		ReadyTimeout:       settings.ReadyTimeout,
		InstallTimeout:     settings.InstallTimeout,
		FailOnInstallError: settings.StrictInstall,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	terminal := presenter.NewTerminal(out)
	wg.Add(1)
	go func() {
		defer wg.Done()
		terminal.Run(runCtx, orchestrator)
	}()

	serveErr := make(chan error, 1)
	if settings.Listen != "" {
		gin.SetMode(gin.ReleaseMode)
		view := presenter.NewHTTP(orchestrator, logger, registry)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveErr <- view.Serve(runCtx, settings.Listen)
		}()
	}

	cycleID := orchestrator.Start(runCtx, runtime)
	logger.Info("bootstrapping project", "project_dir", projectDir, "cycle", cycleID, "listen", settings.Listen)

	finished := make(chan bootstrap.State, 1)
	go func() {
		if state, err := orchestrator.Wait(runCtx); err == nil {
			finished <- state
		}
	}()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			if err != nil {
				runErr = fmt.Errorf("serve preview: %w", err)
			}
			break loop
		case state := <-finished:
			if state.Phase == bootstrap.PhaseFailed && settings.Listen == "" {
				runErr = fmt.Errorf("bootstrap failed: %s", state.Reason)
				break loop
			}
		}
	}

	if err := orchestrator.Teardown(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	cancel()
	wg.Wait()

	return runErr
}
