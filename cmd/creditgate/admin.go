package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/creditgate"
)

// olderThan overrides the reservation timeout for sweep
var olderThan time.Duration

func init() {
	sweepCmd.Flags().DurationVar(&olderThan, "older-than", 0, "refund reservations older than this (default: quota.reservation_timeout)")
}

var balanceCmd = &cobra.Command{
	Use:   "balance <account-id>",
	Short: "Show a user's remaining credits",
	Long: `Show a signed-in user's remaining credits. A user seen for the first
time is created with the authenticated grant. Guest balances live inside the
serving process and cannot be inspected from here.

Examples:
  creditgate balance user-123
  creditgate balance --config creditgate.yaml user-123`,
	Args: cobra.ExactArgs(1),
	RunE: runBalance,
}

var grantCmd = &cobra.Command{
	Use:   "grant <account-id> <amount>",
	Short: "Add credits to a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runGrant,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Refund abandoned reservations once",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres tables",
	Long: `Create the ledger and reservation tables if they do not exist.
Only meaningful with storage.backend=postgres.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func userAccount(id string) creditgate.Account {
	return creditgate.Account{ID: id, Kind: creditgate.KindAuthenticated}
}

func runBalance(cmd *cobra.Command, args []string) error {
	acc := userAccount(args[0])
	d, err := initDependencies(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	rec, err := d.quota.Balance(cmd.Context(), acc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", acc.ID, rec.Balance)
	return nil
}

func runGrant(cmd *cobra.Command, args []string) error {
	acc := userAccount(args[0])
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[1], err)
	}
	d, err := initDependencies(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	rec, err := d.quota.Grant(cmd.Context(), acc, amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", acc.ID, rec.Balance)
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	d, err := initDependencies(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	age := olderThan
	if age <= 0 {
		age = d.quota.ReservationTimeout()
	}
	n, err := d.quota.SweepAbandoned(cmd.Context(), age)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "refunded %d abandoned reservations\n", n)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	d, err := initDependencies(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()

	if d.pgStore == nil {
		return fmt.Errorf("migrate requires storage.backend=postgres, got %q", d.cfg.Storage.Backend)
	}
	if err := d.pgStore.EnsureSchema(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
	return nil
}
