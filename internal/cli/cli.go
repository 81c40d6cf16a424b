// Package cli implements the jobserver command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/UniQw/jobserver"
	"github.com/UniQw/jobserver/metrics"
	"github.com/UniQw/jobserver/redisstorage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the file read by every command.
type Config struct {
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Storage struct {
		InvisibilityTimeout time.Duration `yaml:"invisibility_timeout"`
		FetchPollInterval   time.Duration `yaml:"fetch_poll_interval"`
	} `yaml:"storage"`

	Server jobserver.ServerConfig `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Metrics.Addr = ":9090"
	cfg.LogLevel = "info"
	return cfg
}

// loadConfig reads path over the defaults. A missing file keeps the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) jobserver.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return jobserver.NewSlogLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
}

type env struct {
	cfg    *Config
	log    jobserver.Logger
	rdb    redis.UniversalClient
	engine *jobserver.Engine
}

func (e *env) Close() error {
	return e.rdb.Close()
}

func openEnv(configFile string, stderr io.Writer, opts ...jobserver.EngineOption) (*env, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := newLogger(cfg.LogLevel, stderr)
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	storage := redisstorage.New(rdb, redisstorage.Options{
		InvisibilityTimeout: cfg.Storage.InvisibilityTimeout,
		FetchPollInterval:   cfg.Storage.FetchPollInterval,
		Logger:              log,
	})
	opts = append([]jobserver.EngineOption{jobserver.WithLogger(log)}, opts...)
	return &env{cfg: cfg, log: log, rdb: rdb, engine: jobserver.New(storage, opts...)}, nil
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string
	rootCmd := &cobra.Command{
		Use:          "jobserver",
		Short:        "Background job server on Redis",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/jobserver.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildEnqueueCommand(&configFile))
	rootCmd.AddCommand(buildStatusCommand(&configFile))
	rootCmd.AddCommand(buildRecurringCommand(&configFile))
	return rootCmd
}

func buildRunCommand(configFile *string) *cobra.Command {
	var queues []string
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a job server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, e, queues, workers)
		},
	}
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "queues to process, in priority order")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of workers")
	return cmd
}

func runServer(ctx context.Context, e *env, queues []string, workers int) error {
	if err := e.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s unreachable: %w", e.cfg.Redis.Addr, err)
	}
	registerDemoMethods(e.engine.Registry(), e.log)

	var metricsSrv *http.Server
	if e.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		e.engine.Filters().Add(metrics.NewCollector(reg), metrics.FilterOrder)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: e.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Errorf("metrics server failed: addr=%s err=%v", e.cfg.Metrics.Addr, err)
			}
		}()
		e.log.Infof("metrics listening: addr=%s", e.cfg.Metrics.Addr)
	}

	sc := e.cfg.Server
	if len(queues) > 0 {
		sc.Queues = queues
	}
	if workers > 0 {
		sc.WorkerCount = workers
	}
	srv := jobserver.NewServer(e.engine, sc)
	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	e.log.Infof("signal received; stopping server")
	srv.Stop()

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(sctx)
	}
	return nil
}

// registerDemoMethods installs methods usable from `jobserver enqueue`.
func registerDemoMethods(reg *jobserver.Registry, log jobserver.Logger) {
	if !reg.Has("demo", "Echo") {
		reg.HandleStatic("demo", "Echo", func(ctx context.Context, _ any, args jobserver.Arguments) (any, error) {
			parts := make([]string, 0, args.Len())
			for i := 0; i < args.Len(); i++ {
				var v any
				if err := args.Decode(i, &v); err != nil {
					return nil, err
				}
				parts = append(parts, fmt.Sprint(v))
			}
			msg := strings.Join(parts, " ")
			log.Infof("demo.Echo: id=%s msg=%q", jobserver.JobID(ctx), msg)
			return msg, nil
		})
	}
	if !reg.Has("demo", "Sleep") {
		reg.HandleStatic("demo", "Sleep", func(ctx context.Context, _ any, args jobserver.Arguments) (any, error) {
			var d string
			if args.Len() > 0 {
				if err := args.Decode(0, &d); err != nil {
					return nil, err
				}
			}
			dur, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("demo.Sleep: %w", err)
			}
			deadline := time.Now().Add(dur)
			for time.Now().Before(deadline) {
				if err := jobserver.CheckCancellation(ctx); err != nil {
					return nil, err
				}
				select {
				case <-ctx.Done():
					return nil, context.Cause(ctx)
				case <-time.After(min(time.Second, time.Until(deadline))):
				}
			}
			return nil, nil
		})
	}
	if !reg.Has("demo", "Fail") {
		reg.HandleStatic("demo", "Fail", func(context.Context, any, jobserver.Arguments) (any, error) {
			return nil, errors.New("demo.Fail: simulated failure")
		})
	}
}

// parseArgs turns command line arguments into job arguments: valid JSON is
// kept as is, anything else becomes a string.
func parseArgs(raw []string) []any {
	out := make([]any, 0, len(raw))
	for _, a := range raw {
		if json.Valid([]byte(a)) {
			out = append(out, json.RawMessage(a))
			continue
		}
		out = append(out, a)
	}
	return out
}

func buildEnqueueCommand(configFile *string) *cobra.Command {
	var queue string
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "enqueue TYPE METHOD [ARGS...]",
		Short: "Create a job",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			job, err := e.engine.NewJob(args[0], args[1], parseArgs(args[2:])...)
			if err != nil {
				return err
			}
			var opts []jobserver.Option
			if queue != "" {
				opts = append(opts, jobserver.Queue(queue))
			}
			if delay > 0 {
				opts = append(opts, jobserver.Delay(delay))
			}
			id, err := jobserver.NewClient(e.engine).Enqueue(cmd.Context(), job, opts...)
			if err != nil {
				return err
			}
			if id == "" {
				return errors.New("job creation was canceled by a filter")
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "queue name")
	cmd.Flags().DurationVar(&delay, "delay", 0, "schedule the job after this delay")
	return cmd
}

func buildStatusCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the state history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			client := jobserver.NewClient(e.engine)
			data, err := client.Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			history, err := client.StateHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job:     %s\nstate:   %s\ncreated: %s\n", data.Job, data.State, data.CreatedAt.Format(time.RFC3339))
			for _, h := range history {
				fmt.Fprintf(out, "  %s  %-10s %s\n", h.CreatedAt.Format(time.RFC3339), h.Name, h.Reason)
			}
			return nil
		},
	}
}

func buildRecurringCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recurring",
		Short: "Manage recurring jobs",
	}

	var tz, queue string
	add := &cobra.Command{
		Use:   "add ID CRON TYPE METHOD [ARGS...]",
		Short: "Add or update a recurring job",
		Args:  cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			job, err := e.engine.NewJob(args[2], args[3], parseArgs(args[4:])...)
			if err != nil {
				return err
			}
			var opts []jobserver.RecurringOption
			if tz != "" {
				opts = append(opts, jobserver.WithTimeZone(tz))
			}
			if queue != "" {
				opts = append(opts, jobserver.WithQueue(queue))
			}
			return jobserver.NewRecurringJobManager(e.engine).AddOrUpdate(cmd.Context(), args[0], job, args[1], opts...)
		},
	}
	add.Flags().StringVar(&tz, "tz", "", "IANA time zone of the cron expression (default UTC)")
	add.Flags().StringVarP(&queue, "queue", "q", "", "queue of the created jobs")

	remove := &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a recurring job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			return jobserver.NewRecurringJobManager(e.engine).RemoveIfExists(cmd.Context(), args[0])
		},
	}

	trigger := &cobra.Command{
		Use:   "trigger ID",
		Short: "Create a job of a recurring job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			id, err := jobserver.NewRecurringJobManager(e.engine).Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recurring jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(*configFile, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			jobs, err := jobserver.NewRecurringJobManager(e.engine).List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rj := range jobs {
				next := "-"
				if !rj.NextExecution.IsZero() {
					next = rj.NextExecution.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%-20s %-15s %-25s next=%s", rj.ID, rj.Cron, rj.Job, next)
				if rj.Error != "" {
					fmt.Fprintf(out, " error=%q", rj.Error)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.AddCommand(add, remove, trigger, list)
	return cmd
}
