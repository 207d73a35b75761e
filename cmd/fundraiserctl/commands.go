package main

import (
	"encoding/json"
	"fmt"
	"os"

	"squares-fundraiser/config"
	"squares-fundraiser/services"
	"squares-fundraiser/utils"

	"github.com/spf13/cobra"
)

func envDatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

func NewVerifyLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-ledger",
		Short: "Check that player totals equal their succeeded donations",
		Long: `Check the ledger conservation rules:

  - every player's total raised equals the sum of its succeeded donations
  - every purchased square is backed by a succeeded donation
  - no square is backed by more than one succeeded donation

Exits non-zero when drift is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.open()
			if err != nil {
				return err
			}
			defer sess.Close()

			report, err := services.RunLedgerCheck(cmd.Context(), sess.DB, sess.Effects)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Players checked: %d\n", report.PlayersChecked)
				for _, d := range report.Drifts {
					fmt.Fprintf(out, "  DRIFT %s: recorded %s, donations %s\n",
						d.PlayerID, utils.FormatCents(d.TotalRaisedCents), utils.FormatCents(d.SucceededCents))
				}
				for _, id := range report.OversoldSquares {
					fmt.Fprintf(out, "  OVERSOLD square %s\n", id)
				}
				for _, id := range report.UnbackedSquares {
					fmt.Fprintf(out, "  UNBACKED square %s\n", id)
				}
			}

			if !report.Healthy() {
				return fmt.Errorf("ledger drift detected")
			}
			if rootOpts.Format == "text" {
				fmt.Fprintln(out, "Ledger OK")
			}
			return nil
		},
	}
}

type RandomizeOptions struct {
	*RootOptions
	PlayerID      string
	Denominations string
}

func NewRandomizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RandomizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "randomize",
		Short: "Shuffle values across a player's unpurchased squares",
		Long: `Shuffle values across a player's unpurchased squares.

Example:
  fundraiserctl randomize --player 6f1c... --denominations 5,10,20,25`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			denoms, err := config.ParseDenominations(opts.Denominations)
			if err != nil {
				return fmt.Errorf("invalid --denominations: %w", err)
			}
			sess, err := opts.open()
			if err != nil {
				return err
			}
			defer sess.Close()

			grid := services.NewGridService(sess.DB, sess.Effects)
			updated, err := grid.RandomizeSquareValues(cmd.Context(), opts.PlayerID, denoms, nil, opts.Actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Randomized %d square(s)\n", updated)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.PlayerID, "player", "", "player id")
	cmd.Flags().StringVar(&opts.Denominations, "denominations", "5,10,20,25", "comma-separated dollar values")
	_ = cmd.MarkFlagRequired("player")

	return cmd
}

type PurgeOptions struct {
	*RootOptions
	PlayerID string
	Yes      bool
}

func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Irreversibly delete a player with its squares and donations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return fmt.Errorf("purge is irreversible: re-run with --yes")
			}
			sess, err := opts.open()
			if err != nil {
				return err
			}
			defer sess.Close()

			grid := services.NewGridService(sess.DB, sess.Effects)
			if err := grid.PurgePlayer(cmd.Context(), opts.PlayerID, opts.Actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged player %s\n", opts.PlayerID)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.PlayerID, "player", "", "player id")
	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the purge")
	_ = cmd.MarkFlagRequired("player")

	return cmd
}
