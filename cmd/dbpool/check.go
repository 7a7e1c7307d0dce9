package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"dbpool"
	"dbpool/sqldriver"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type checkOptions struct {
	config  string
	name    string
	reserve int
	query   string
	timeout time.Duration
}

func newCheckCommand() *cobra.Command {
	var opts checkOptions

	cmd := &cobra.Command{
		Use:   "check --config FILE",
		Short: "Open a pool, reserve connections and probe them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.config, "config", "c", "", "Pool configuration file (.yaml, .yml or .toml)")
	flags.StringVar(&opts.name, "name", "check", "Name of the pool in log output")
	flags.IntVarP(&opts.reserve, "reserve", "n", 1, "Number of connections to reserve")
	flags.StringVar(&opts.query, "query", "select 1", "Query run on every reserved connection")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Time limit for the whole check")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runCheck(ctx context.Context, out io.Writer, opts checkOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	cfg, err := dbpool.LoadConfigFile(opts.config)
	if err != nil {
		return err
	}

	manager := dbpool.NewManager(sqldriver.New())
	defer manager.Close()

	pool, err := manager.Open(ctx, opts.name, cfg)
	if err != nil {
		return errors.Wrapf(err, "opening pool %s", cfg.GetId())
	}
	log := logrus.WithField("pool", pool.Name())

	reserved := make([]*dbpool.PooledConnection, 0, opts.reserve)
	defer func() {
		for _, pc := range reserved {
			if err := pool.Release(pc); err != nil {
				log.WithError(err).WithField("conn", pc.ID).Warn("release failed")
			}
		}
	}()

	for i := 0; i < opts.reserve; i++ {
		pc, err := pool.Reserve(ctx)
		if err != nil {
			return errors.Wrapf(err, "reserving connection %d of %d", i+1, opts.reserve)
		}
		reserved = append(reserved, pc)

		start := time.Now()
		if err := pc.Conn.Probe(ctx, opts.query); err != nil {
			return errors.Wrapf(err, "probing connection %s", pc.ID)
		}
		log.WithFields(logrus.Fields{
			"conn":    pc.ID,
			"elapsed": time.Since(start),
		}).Debug("probe succeeded")
	}

	printStats(out, pool.Name(), pool.Stats())
	return nil
}

func printStats(out io.Writer, name string, s dbpool.Stats) {
	fmt.Fprintf(out, "pool:        %s\n", name)
	fmt.Fprintf(out, "available:   %d\n", s.Available)
	fmt.Fprintf(out, "reserved:    %d\n", s.Reserved)
	fmt.Fprintf(out, "opened:      %d\n", s.Opened)
	fmt.Fprintf(out, "exhausted:   %d\n", s.Exhausted)
}
