package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dbpool"
	"dbpool/sqldriver"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configs []string
	listen  string
}

func newServeCommand() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve --config FILE [--config FILE...]",
		Short: "Keep pools open and export their statistics as prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.configs, "config", "c", nil, "Pool configuration files; each file becomes a pool named after it")
	flags.StringVar(&opts.listen, "listen", ":9090", "Address to serve /metrics on")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// poolName returns the file name of path without its extension.
func poolName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func runServe(opts serveOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := dbpool.NewManager(sqldriver.New())
	defer manager.Close()

	for _, path := range opts.configs {
		cfg, err := dbpool.LoadConfigFile(path)
		if err != nil {
			return err
		}
		if _, err := manager.Open(ctx, poolName(path), cfg); err != nil {
			return errors.Wrapf(err, "opening pool from %s", path)
		}
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(dbpool.NewCollector("dbpool", manager)); err != nil {
		return errors.Wrap(err, "registering collector")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              opts.listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"listen": opts.listen,
			"pools":  manager.Names(),
		}).Info("serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "serving metrics")
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
