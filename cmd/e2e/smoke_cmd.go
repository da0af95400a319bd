package main

import (
	"github.com/gitopslab/e2e/internal/scenario"
	"github.com/spf13/cobra"
)

type smokeOpts struct {
	*rootOpts
	SkipMinIO  bool
	SkipMLflow bool
}

func newSmoke(parent *rootOpts) *smokeOpts {
	return &smokeOpts{rootOpts: parent}
}

func (opts *smokeOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check that every platform endpoint is reachable",
		RunE:  opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.SkipMinIO, "skip-minio", false, "skip the object store checks")
	cmd.Flags().BoolVar(&opts.SkipMLflow, "skip-mlflow", false, "skip the tracker checks")
	return cmd
}

func (opts *smokeOpts) RunE(cmd *cobra.Command, _ []string) error {
	ctx, stop := opts.context()
	defer stop()

	smoke := scenario.NewSmoke(opts.cfg, opts.log)
	smoke.SkipMinIO = opts.SkipMinIO
	smoke.SkipMLflow = opts.SkipMLflow
	if err := smoke.Run(ctx); err != nil {
		opts.log.Errorf("[FAIL] %v", err)
		return err
	}
	return nil
}
