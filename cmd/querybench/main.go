// Command querybench runs a synthetic subscribe/query/mutate workload against
// the engine and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/IvanBrykalov/querycache/client"
	"github.com/IvanBrykalov/querycache/config"
	"github.com/IvanBrykalov/querycache/fetch"
	pmet "github.com/IvanBrykalov/querycache/metrics/prom"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "querybench",
		Short: "Run a synthetic workload against querycache",
		Long: `querybench drives subscribers, queries and optimistic mutations against a
simulated backend and prints throughput, hit rate and fetch statistics.

Every flag can also be set in the config file under "bench" or through
QUERYCACHE_BENCH_<FLAG> environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "read config %s", path)
				}
			}
			log, err := newLogger(v.GetString("log.level"), v.GetString("log.format"))
			if err != nil {
				return err
			}
			return run(cmd.Context(), v, log)
		},
	}

	fl := cmd.Flags()
	fl.String("config", "", "config file (yaml, toml or json)")
	fl.String("log-level", "info", "log level: debug | info | warn | error")
	fl.String("log-format", "text", "log format: text | json")

	fl.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	fl.Duration("duration", 10*time.Second, "benchmark duration")
	fl.Int("keys", 10_000, "keyspace size")
	fl.Float64("zipf-s", 1.1, "Zipf s > 1 (skew)")
	fl.Float64("zipf-v", 1.0, "Zipf v")
	fl.Int64("seed", time.Now().UnixNano(), "random seed")
	fl.Int("subscribe", 10, "subscribe percentage per operation [0..100]")
	fl.Int("mutate", 5, "mutate percentage per operation [0..100]")
	fl.Int("invalidate", 1, "invalidate percentage per operation [0..100]")

	fl.Duration("latency", 2*time.Millisecond, "simulated backend latency")
	fl.Float64("fail-rate", 0.05, "simulated backend failure rate [0..1]")

	fl.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	fl.String("http", "", "serve Prometheus metrics at addr (e.g. :8080); empty = disabled")
	fl.String("snapshot", "", "write the dehydrated cache as JSON to this file at the end")

	binds := map[string]string{
		"config":           "config",
		"log.level":        "log-level",
		"log.format":       "log-format",
		"bench.workers":    "workers",
		"bench.duration":   "duration",
		"bench.keys":       "keys",
		"bench.zipf_s":     "zipf-s",
		"bench.zipf_v":     "zipf-v",
		"bench.seed":       "seed",
		"bench.subscribe":  "subscribe",
		"bench.mutate":     "mutate",
		"bench.invalidate": "invalidate",
		"bench.latency":    "latency",
		"bench.fail_rate":  "fail-rate",
		"bench.pprof":      "pprof",
		"bench.http":       "http",
		"bench.snapshot":   "snapshot",
	}
	for k, name := range binds {
		_ = v.BindPFlag(k, fl.Lookup(name))
	}
	return cmd
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, errors.Errorf("unknown log format %q (use text or json)", format)
	}
}

func run(ctx context.Context, v *viper.Viper, log *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := config.Decode(v)
	if err != nil {
		return err
	}
	w := workloadFromViper(v)
	if err := w.validate(); err != nil {
		return err
	}

	// ---- pprof server (on DefaultServeMux) ----
	if addr := v.GetString("bench.pprof"); addr != "" {
		go func() {
			log.Info("pprof: serving", "addr", addr)
			log.Error("pprof server stopped", "err", http.ListenAndServe(addr, nil))
		}()
	}

	// ---- Prometheus metrics ----
	opt := client.FromConfig(file, map[string]fetch.Func{"item": w.backend().fetch})
	if addr := v.GetString("bench.http"); addr != "" {
		opt.Metrics = pmet.New(nil, "querycache", "bench", nil)
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info("metrics: serving", "addr", addr)
			log.Error("metrics server stopped", "err", http.ListenAndServe(addr, nil))
		}()
	}
	opt.Logger = log

	c, err := client.New(opt)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	rep := w.run(ctx, c)
	rep.print(os.Stdout, w)
	fmt.Printf("Len()=%d\n", c.Len())

	if path := v.GetString("bench.snapshot"); path != "" {
		raw, err := json.MarshalIndent(c.Dehydrate(), "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode snapshot")
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return errors.Wrapf(err, "write snapshot %s", path)
		}
		log.Info("snapshot written", "path", path, "bytes", len(raw))
	}
	return nil
}
