package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryguy/worker/v3/internal/cron"
)

// NewCommand returns the CLI for a worker built from handlers:
//
//	serve     run the HTTP server, cron triggers and queue consumers
//	trigger   run one scheduled event or one fetch and print the result
//	validate  check the configuration and exit
func NewCommand(handlers Handlers, opts ...Option) *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Run a worker locally",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default: $WORKER_CONFIG or ./worker.yaml)")

	load := func() (HostConfig, ProcessEnv, error) {
		pe, err := ParseProcessEnv()
		if err != nil {
			return HostConfig{}, ProcessEnv{}, err
		}
		path := configFile
		if path == "" {
			path = pe.ConfigFile
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			return HostConfig{}, ProcessEnv{}, err
		}
		if pe.Environment != "" {
			cfg.Environment = pe.Environment
		}
		return cfg, pe, nil
	}

	build := func(ctx context.Context) (*Host, *Resources, error) {
		cfg, pe, err := load()
		if err != nil {
			return nil, nil, err
		}
		logger, err := newLogger(cfg.Environment)
		if err != nil {
			return nil, nil, err
		}
		e, res, err := OpenEnv(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		ApplyProcessEnv(pe, &cfg, e)
		host, err := NewHost(cfg, handlers, e, append([]Option{WithLogger(logger)}, opts...)...)
		if err != nil {
			_ = res.Close()
			return nil, nil, err
		}
		return host, res, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP and run cron triggers and queue consumers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			host, res, err := build(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = res.Close() }()
			return host.ListenAndServe(ctx)
		},
	}

	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Run a single event against the worker",
	}
	trigger.AddCommand(&cobra.Command{
		Use:   "cron <expression>",
		Short: "Run the scheduled handler once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, res, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = res.Close() }()
			defer func() { _ = host.Shutdown(context.Background()) }()
			result := host.ExecuteScheduled(cmd.Context(), args[0])
			printLogs(cmd.OutOrStdout(), result.Logs)
			if result.Error != nil {
				return result.Error
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", result.Duration.Round(time.Millisecond))
			return nil
		},
	})
	var method string
	var headers []string
	var body string
	fetch := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Run the fetch handler once and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, res, err := build(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = res.Close() }()
			defer func() { _ = host.Shutdown(context.Background()) }()

			req := &WorkerRequest{Method: strings.ToUpper(method), URL: args[0], Headers: map[string]string{}}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("header %q: want name:value", h)
				}
				req.Headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
			}
			if body != "" {
				req.Body = []byte(body)
			}
			result := host.Execute(cmd.Context(), req)
			out := cmd.OutOrStdout()
			printLogs(out, result.Logs)
			if result.Error != nil {
				return result.Error
			}
			resp := result.Response
			fmt.Fprintf(out, "%d\n", resp.StatusCode)
			keys := make([]string, 0, len(resp.Headers))
			for k := range resp.Headers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "%s: %s\n", k, resp.Headers[k])
			}
			fmt.Fprintln(out)
			_, err = out.Write(resp.Body)
			return err
		},
	}
	fetch.Flags().StringVarP(&method, "method", "X", "GET", "request method")
	fetch.Flags().StringArrayVarP(&headers, "header", "H", nil, "request header as name:value (repeatable)")
	fetch.Flags().StringVarP(&body, "data", "d", "", "request body")
	trigger.AddCommand(fetch)

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			for _, expr := range cfg.Crons {
				if err := cron.Validate(expr); err != nil {
					return err
				}
			}
			for _, c := range cfg.DurableObjects {
				if _, ok := handlers.DurableObjects[c.ClassName]; !ok {
					return fmt.Errorf("%w: durable object class %q", ErrNoHandler, c.ClassName)
				}
			}
			if len(cfg.Queues.Consumers) > 0 && handlers.Queue == nil {
				return fmt.Errorf("%w: queue consumers configured without a queue handler", ErrNoHandler)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (environment %s)\n", cfg.Environment)
			return nil
		},
	}

	root.AddCommand(serve, trigger, validate)
	return root
}

func newLogger(e Environment) (*zap.Logger, error) {
	if e.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func printLogs(w io.Writer, logs []LogEntry) {
	for _, l := range logs {
		fmt.Fprintf(w, "[%s] %s\n", l.Level, l.Message)
	}
}
