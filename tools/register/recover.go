package main

import (
	"fmt"
	"io"

	"github.com/TNZtims/bazaar-pos-sub001/client/abandon"
	"github.com/TNZtims/bazaar-pos-sub001/models"
	"github.com/spf13/cobra"
)

// RecoverResult is the outcome of a replay.
type RecoverResult struct {
	Pending  []models.CartLine `json:"pending"`
	Released int               `json:"released"`
	Cleared  bool              `json:"cleared"`
}

// NewRecoverCommand replays releases left in the intent log.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Release holds left behind by an earlier session",
		Long: `Replay the releases recorded in the intent log by a register that
ended without clearing its cart. Lines are removed from the log only once
the service acknowledged them.

Exit codes:
  0 - nothing left to release
  1 - some releases could not be delivered; run again later
  2 - command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, log, err := rootOpts.openSession(ctx)
			if err != nil {
				return err
			}
			defer log.Close()

			result := RecoverResult{}
			if result.Cleared, err = log.Cleared(ctx, c.StoreID(), c.ActorID()); err != nil {
				return WrapExitError(ExitCommandError, "failed to read intent log", err)
			}
			if result.Pending, err = log.Pending(ctx, c.StoreID(), c.ActorID()); err != nil {
				return WrapExitError(ExitCommandError, "failed to read intent log", err)
			}

			out := &Output{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			if !dryRun {
				d := abandon.NewDetector(abandon.Config{
					StoreID:  c.StoreID(),
					ActorID:  c.ActorID(),
					Cart:     noCart{},
					Log:      log,
					Releaser: c,
					Logger:   rootOpts.logger,
				})
				result.Released, err = d.Recover(ctx)
				if err != nil {
					_ = out.Result(result, func(w io.Writer) {})
					return WrapExitError(ExitFailure, "replay incomplete", err)
				}
			}
			return out.Result(result, func(w io.Writer) {
				switch {
				case result.Cleared:
					fmt.Fprintln(w, "cart was cleared; nothing to release")
				case dryRun:
					for _, l := range result.Pending {
						fmt.Fprintf(w, "would release %s x%d\n", l.ProductID, l.Quantity)
					}
				default:
					fmt.Fprintf(w, "released %d line(s)\n", result.Released)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show what would be released")
	return cmd
}

// noCart stands in when recovering outside a live session.
type noCart struct{}

func (noCart) Lines() []models.CartLine { return nil }
