package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/taskrelay/internal/adapters"
	"github.com/agentworkforce/taskrelay/internal/config"
	"github.com/agentworkforce/taskrelay/internal/httpapi"
	"github.com/agentworkforce/taskrelay/internal/logging"
	"github.com/agentworkforce/taskrelay/internal/taskrelay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "taskrelay",
		Short:        "Replicate tasks to every storage backend a user has configured",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.verbose {
				cfg.LogLevel = "debug"
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("TASKRELAY_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(a.serveCmd(), a.backendsCmd(), a.healthCmd(), a.pushCmd(), a.importCmd())
	return root
}

// runtime is the wiring shared by the server and the one-shot commands.
type runtime struct {
	registry *taskrelay.Registry
	store    taskrelay.ConfigRepository
	metrics  *taskrelay.Metrics
	gatherer prometheus.Gatherer
}

func (a *app) buildRuntime(ctx context.Context, watch bool) (*runtime, error) {
	registry := taskrelay.NewRegistry(a.logger)
	if err := adapters.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("register builtin backends: %w", err)
	}
	if _, err := adapters.DiscoverManifests(a.cfg.ManifestDir, registry, a.logger); err != nil {
		return nil, fmt.Errorf("discover backend manifests: %w", err)
	}
	dsn, err := a.cfg.ResolveConfigStoreDSN()
	if err != nil {
		return nil, err
	}
	store, err := taskrelay.BuildConfigStoreFromDSN(dsn, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config store: %w", err)
	}
	if fileStore, ok := store.(*taskrelay.FileConfigStore); ok && watch {
		if err := fileStore.Watch(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("watch %s: %w", fileStore.Path(), err)
		}
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &runtime{
		registry: registry,
		store:    store,
		metrics:  taskrelay.NewMetrics(promRegistry),
		gatherer: promRegistry,
	}, nil
}

func (a *app) orchestratorOptions(rt *runtime) taskrelay.OrchestratorOptions {
	policy := taskrelay.BestEffort
	if a.cfg.RequireAnySuccess {
		policy = taskrelay.RequireAny
	}
	return taskrelay.OrchestratorOptions{
		MaxRetries:    a.cfg.MaxRetries,
		BaseDelay:     a.cfg.BaseDelay,
		FailurePolicy: policy,
		QuietOnEmpty:  !a.cfg.WarnOnEmpty,
		Logger:        a.logger,
		Metrics:       rt.metrics,
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.buildRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			handler := httpapi.NewServerWithConfig(rt.registry, rt.store, httpapi.ServerConfig{
				RateLimitMax:         a.cfg.RateLimitMax,
				RateLimitWindow:      a.cfg.RateLimitWindow,
				MaxBodyBytes:         a.cfg.MaxBodyBytes,
				HealthStreamInterval: a.cfg.HealthStreamInterval,
				Orchestrator:         a.orchestratorOptions(rt),
				Gatherer:             rt.gatherer,
				Logger:               a.logger,
			})
			server := &http.Server{
				Addr:              a.cfg.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("taskrelay listening", zap.String("addr", a.cfg.Addr), zap.Strings("backends", rt.registry.ListAvailable()))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List registered backend types",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.store.Close()
			return writeJSON(cmd.OutOrStdout(), rt.registry.Describe())
		},
	}
}

func (a *app) healthCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every backend configured for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.store.Close()
			orchestrator := taskrelay.NewOrchestrator(rt.registry, rt.store, a.orchestratorOptions(rt))
			if _, err := orchestrator.LoadConfigurations(cmd.Context(), userID); err != nil {
				return err
			}
			defer orchestrator.CloseAll()
			return writeJSON(cmd.OutOrStdout(), orchestrator.HealthCheckAll(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose backend configs are loaded")
	return cmd
}

func (a *app) pushCmd() *cobra.Command {
	var userID, taskPath string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Save one task (read from a JSON file, or stdin with -) to every backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := readTask(cmd.InOrStdin(), taskPath)
			if err != nil {
				return err
			}
			rt, err := a.buildRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.store.Close()
			orchestrator := taskrelay.NewOrchestrator(rt.registry, rt.store, a.orchestratorOptions(rt))
			if _, err := orchestrator.LoadConfigurations(cmd.Context(), userID); err != nil {
				return err
			}
			defer orchestrator.CloseAll()

			outcomes, saveErr := orchestrator.Save(cmd.Context(), task)
			if err := writeJSON(cmd.OutOrStdout(), map[string]any{
				"externalIds": outcomes.ExternalIDs(),
				"failures":    outcomes.Failures(),
			}); err != nil {
				return err
			}
			return saveErr
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose backend configs are loaded")
	cmd.Flags().StringVar(&taskPath, "task", "-", "task JSON file")
	return cmd
}

type taskImporter interface {
	ImportAll(ctx context.Context) ([]taskrelay.Task, error)
}

func (a *app) importCmd() *cobra.Command {
	var configID string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Print every task stored in a backend that supports bulk reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.buildRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.store.Close()
			cfg, err := rt.store.Get(cmd.Context(), configID)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configID, err)
			}
			backend, err := rt.registry.Build(cfg.BackendName, cfg.Settings)
			if err != nil {
				return &taskrelay.ConfigError{ConfigID: cfg.ID, Backend: cfg.BackendName, Err: err}
			}
			if closer, ok := backend.(io.Closer); ok {
				defer closer.Close()
			}
			importer, ok := backend.(taskImporter)
			if !ok {
				return fmt.Errorf("%w: backend %s cannot list its tasks", taskrelay.ErrNotImplemented, cfg.BackendName)
			}
			tasks, err := importer.ImportAll(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tasks)
		},
	}
	cmd.Flags().StringVar(&configID, "config-id", "", "backend config to read from")
	_ = cmd.MarkFlagRequired("config-id")
	return cmd
}

func readTask(stdin io.Reader, path string) (taskrelay.Task, error) {
	var data []byte
	var err error
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return taskrelay.Task{}, fmt.Errorf("read task: %w", err)
	}
	var task taskrelay.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return taskrelay.Task{}, fmt.Errorf("%w: decode task: %v", taskrelay.ErrInvalidInput, err)
	}
	task = task.Normalized()
	if err := task.Validate(); err != nil {
		return taskrelay.Task{}, err
	}
	return task, nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
