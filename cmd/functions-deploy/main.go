package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/github/functions-deploy/internal/config"
	"github.com/github/functions-deploy/internal/deploy"
	"github.com/github/functions-deploy/pkg/gcp"
	"github.com/github/functions-deploy/pkg/manifest"
	"github.com/github/functions-deploy/pkg/operation"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// stdinConfirmer asks yes/no questions on the terminal.
type stdinConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func (c *stdinConfirmer) Confirm(ctx context.Context, message string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(c.out, "? %s (y/N) ", message)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func main() {
	var (
		configPath     string
		manifestPath   string
		only           string
		sourceURL      string
		metricsPort    string
		force          bool
		nonInteractive bool
	)

	flag.StringVar(&configPath, "config", getEnvOrDefault("FNDEPLOY_CONFIG", ""), "path to a YAML config file")
	flag.StringVar(&manifestPath, "manifest", "", "path to the functions manifest")
	flag.StringVar(&only, "only", "", `deploy only matching functions, e.g. "functions:api.users,functions:nightly"`)
	flag.StringVar(&sourceURL, "source-url", "", "upload URL of the source archive")
	flag.StringVar(&metricsPort, "metrics-port", "", "port to serve Prometheus metrics on (disabled if empty)")
	flag.BoolVar(&force, "force", false, "skip confirmations for deletes and failure policies")
	flag.BoolVar(&nonInteractive, "non-interactive", false, "never prompt")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Failed to load configuration",
			"error", err)
		os.Exit(1)
	}

	// Flags given on the command line win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "manifest":
			cfg.Manifest = manifestPath
		case "only":
			cfg.Only = only
		case "source-url":
			cfg.SourceURL = sourceURL
		case "metrics-port":
			cfg.MetricsPort = metricsPort
		case "force":
			cfg.Force = force
		case "non-interactive":
			cfg.NonInteractive = nonInteractive
		}
	})

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration",
			"error", err)
		os.Exit(1)
	}

	// init logging
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.LUTC)
	slog.SetDefault(config.NewLogger(cfg.Log, os.Stdout))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var promSrv *http.Server
	if cfg.MetricsPort != "" {
		promSrv = &http.Server{
			Addr:              ":" + cfg.MetricsPort,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			Handler:           http.NewServeMux(),
		}
		promSrv.Handler.(*http.ServeMux).Handle("/metrics", promhttp.Handler())

		go func() {
			slog.Info("starting Prometheus metrics server",
				"url", promSrv.Addr)
			if err := promSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("failed to start metrics server",
					"error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	triggers, err := manifest.Load(cfg.Manifest)
	if err != nil {
		slog.Error("Failed to load manifest",
			"manifest", cfg.Manifest,
			"error", err)
		os.Exit(1)
	}

	clientOpts := []gcp.ClientOption{
		gcp.WithRetries(cfg.API.Retries),
		gcp.WithRateLimiter(cfg.API.RateLimit, cfg.API.Burst),
	}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, gcp.WithEndpoint(cfg.Endpoint))
	}
	client, err := gcp.NewClient(ctx, clientOpts...)
	if err != nil {
		slog.Error("Failed to create Google API client",
			"error", err)
		os.Exit(1)
	}

	d := deploy.New(client, client, client,
		&stdinConfirmer{in: bufio.NewReader(os.Stdin), out: os.Stderr},
		deploy.Options{
			Project:           cfg.Project,
			AppEngineLocation: cfg.AppEngineLocation,
			Runtime:           cfg.Runtime,
			SourceURL:         cfg.SourceURL,
			Filters:           deploy.ParseFilterGroups(cfg.Only),
			Force:             cfg.Force,
			NonInteractive:    cfg.NonInteractive,
			Concurrency:       cfg.Queue.Concurrency,
			DispatchRate:      cfg.Queue.DispatchRate,
			Burst:             cfg.Queue.Burst,
			Poll: operation.Options{
				Interval:   cfg.Poll.Interval,
				MaxRetries: cfg.Poll.MaxRetries,
				MaxBackoff: cfg.Poll.MaxBackoff,
			},
		}, slog.Default())

	slog.Info("Starting functions deploy",
		"project", cfg.Project,
		"functions", len(triggers))
	runErr := d.Run(ctx, triggers)

	if promSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := promSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown metrics server gracefully",
				"error", err)
		}
		shutdownCancel()
	}

	if runErr != nil {
		var deployErr *deploy.DeployError
		if errors.As(runErr, &deployErr) {
			fmt.Fprintln(os.Stderr, "To try redeploying those functions, run:")
			fmt.Fprintln(os.Stderr, "    "+deployErr.RetryCommand)
		}
		slog.Error("Functions deploy failed",
			"error", runErr)
		cancel()
		os.Exit(1)
	}
}
