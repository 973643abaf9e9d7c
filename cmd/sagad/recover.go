package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/finvest/sagaflow/management"
)

var (
	recoverShort = "Run one recovery sweep and print its report"

	recoverLong = `Runs a single recovery sweep against the configured store: stale sagas
are marked failed, pending compensations are retried, exhausted ones are
escalated for manual resolution and, with recovery.retry_transient, transient
failures are retried.

The report is printed as JSON. The command exits non-zero when any saga
could not be handled.`
)

var errSweepIncomplete = errors.New("recovery sweep left sagas unhandled")

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: recoverShort,
		Long:  recoverLong,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			if err := printReport(cmd, report); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return errSweepIncomplete
			}
			return nil
		},
	}
}

func printReport(cmd *cobra.Command, report *management.Report) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
