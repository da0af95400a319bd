package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gitopslab/e2e/internal/config"
	"github.com/gitopslab/e2e/internal/logging"
	"github.com/gitopslab/e2e/internal/scenario"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type rootOpts struct {
	RepoRoot string
	EnvFile  string
	Timeout  time.Duration

	cfg *config.Config
	log *logrus.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
e2e drives one change through the local GitOps platform: it commits a marker
to the Git host, trains and publishes a model for that commit, points the
GitOps manifests at the new model and image, and checks that the deployed
service answers a prediction.

Configuration comes from the process environment and the .env file at the
repository root.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "e2e",
		Short:             "Run the end-to-end platform scenario",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.PersistentPreRunE,
		RunE:              opts.RunE,
	}
	cmd.PersistentFlags().StringVar(&opts.RepoRoot, "repo-root", ".", "root of the platform checkout")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "env file to read (default <repo-root>/.env)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 0, "global deadline, overrides E2E_TIMEOUT")
	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	opts.cfg = config.Load(opts.RepoRoot, opts.EnvFile)
	if cmd.Flags().Changed("timeout") {
		opts.cfg.Timeout = opts.Timeout
	}
	opts.log = logging.New(opts.cfg.LogLevel, os.Stdout)
	return nil
}

func (opts *rootOpts) context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (opts *rootOpts) RunE(cmd *cobra.Command, _ []string) error {
	ctx, stop := opts.context()
	defer stop()

	if err := scenario.Run(ctx, opts.cfg, opts.log); err != nil {
		opts.log.Errorf("E2E failed: %v", err)
		return err
	}
	return nil
}
