// Command saectl runs the cross-domain SAE study: collect activations for
// two text domains, train one SAE per domain, evaluate all four pairings
// and label the top features.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-sae/internal/config"
	"github.com/23skdu/longbow-sae/internal/logger"
)

var (
	configPath  = flag.String("config", "configs/experiment.yaml", "Path to the experiment YAML")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics, empty to disable")
)

const usage = `usage: saectl [flags] <command> [command flags]

commands:
  collect              fetch both corpora and fill the activation stores
  train                train one SAE per store
  eval                 cross-evaluate the SAEs and write results
  interpret [-label]   rank and label features of one or both SAEs
  export [-label -out] write stores as Arrow IPC files
  pull -from -label -out  copy a store from a remote Flight server
  serve                serve artifacts over HTTP and stores over Flight
  all                  collect, train, eval and interpret in order

flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger.Setup(*logLevel, *logFormat)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("Metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Log.Warn("Metrics server error", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		logger.Log.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	err = a.run(ctx, flag.Arg(0), flag.Args()[1:])
	a.Close()

	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		flag.Usage()
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		logger.Log.Warn("Interrupted", "command", flag.Arg(0))
		os.Exit(1)
	default:
		logger.Log.Error("Command failed", "command", flag.Arg(0), "error", err,
			"config_error", config.IsConfigError(err))
		os.Exit(1)
	}
}
