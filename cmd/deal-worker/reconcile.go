package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"deal-pipeline/internal/common/config"
	"deal-pipeline/internal/common/observability"
	rp "deal-pipeline/internal/workers/deals/reconcile-pipeline"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the pipeline once and print the result as JSON",
	RunE:  runReconcile,
}

var reconcileArgs struct {
	requests bool
	stage    string
}

func init() {
	flags := reconcileCmd.Flags()
	flags.BoolVar(&reconcileArgs.requests, "requests", false, "include one card per request")
	flags.StringVar(&reconcileArgs.stage, "stage", "", "only list requests in this stage (new, viewed, negotiating, accepted, declined)")
}

func runReconcile(cmd *cobra.Command, argv []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zapLog, log := newLogger(cfg)
	defer zapLog.Sync()

	obs := observability.NewNoop()
	p, err := buildPipeline(ctx, cfg, log, obs)
	if err != nil {
		return err
	}
	defer p.Close()

	handler := rp.NewHandler(&rp.Config{Timeout: config.GetDuration(cfg.Pipeline.RefreshTimeout)}, p.svc, log, obs)
	out, err := handler.Execute(ctx, &rp.Input{
		IncludeRequests: reconcileArgs.requests || reconcileArgs.stage != "",
		Stage:           reconcileArgs.stage,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
