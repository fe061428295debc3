// Command ncached serves a namespaced cache over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/chrisbrine/ncache/auth"
	"github.com/chrisbrine/ncache/config"
	"github.com/chrisbrine/ncache/namespace"
	"github.com/chrisbrine/ncache/server"
)

const usage = `usage:
  ncached [-config path] [-addr addr] [-check]
  ncached hash-key [-cost n] <key>
  ncached gen-key
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "ncached:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "hash-key":
			return hashKey(args[1:], stdout, stderr)
		case "gen-key":
			return genKey(stdout)
		case "help", "-h", "-help", "--help":
			fmt.Fprint(stdout, usage)
			return nil
		}
	}

	fs := flag.NewFlagSet("ncached", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the YAML configuration (default $NCACHE_CONFIG)")
	addr := fs.String("addr", "", "listen address, overrides the configuration")
	check := fs.Bool("check", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *check {
		fmt.Fprintln(stdout, "configuration ok")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, stderr)
}

func serve(ctx context.Context, cfg config.Config, logw io.Writer) error {
	logger := cfg.Logger(logw)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr, err := namespace.New(ctx, cfg.Namespace,
		namespace.WithStorage(cfg.Storage),
		namespace.WithLogger(logger),
		namespace.WithMetrics(reg),
	)
	if err != nil {
		return fmt.Errorf("start namespaces: %w", err)
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Error("close namespaces", "err", err)
		}
	}()

	opts := []server.Option{
		server.WithAddress(cfg.Addr),
		server.WithLogger(logger),
		server.WithGatherer(reg),
		server.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout),
		server.WithShutdownTimeout(cfg.HTTP.ShutdownTimeout),
		server.WithBodyLimit(cfg.HTTP.BodyLimit),
	}
	if len(cfg.HTTP.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORSOrigins(cfg.HTTP.CORSOrigins...))
	}
	keys, err := cfg.Keys()
	if err != nil {
		return err
	}
	if keys != nil {
		opts = append(opts, server.WithKeys(keys))
	}
	srv, err := server.New(mgr, opts...)
	if err != nil {
		return err
	}

	logger.Info("starting",
		"storage", string(cfg.Storage.Resolved()),
		"default_namespace", mgr.Default(),
		"protected", mgr.Protected(),
		"auth", keys != nil)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}

func hashKey(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cost := fs.Int("cost", auth.DefaultCost, "bcrypt cost")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("hash-key: expected exactly one key")
	}
	hash, err := auth.HashKey(fs.Arg(0), *cost)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func genKey(stdout io.Writer) error {
	key, err := auth.GenerateKey(0)
	if err != nil {
		return err
	}
	hash, err := auth.HashKey(key, auth.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "key:  %s\nhash: %s\n", key, hash)
	return nil
}
