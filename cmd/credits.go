package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/credit-broker/internal/model"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust credit balances",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("credits")
	},
}

// -- credits balance --

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <owner-id>",
	Short: "Show an owner's credit balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		acct, err := newLedger(st).Balance(ctx, args[0])
		if err != nil {
			return err
		}
		formatBalance(cmd.OutOrStdout(), acct)
		return nil
	},
}

// -- credits history --

var creditsHistoryCmd = &cobra.Command{
	Use:   "history <owner-id>",
	Short: "List an owner's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		entries, err := newLedger(st).History(ctx, args[0], limit, offset)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No ledger entries found.")
			return nil
		}
		formatLedger(cmd.OutOrStdout(), entries)
		return nil
	},
}

// -- credits adjust --

var creditsAdjustCmd = &cobra.Command{
	Use:   "adjust <owner-id>",
	Short: "Grant or deduct credits",
	Long:  "Grant credits with --grant N or deduct them with --deduct N. Every adjustment is recorded with the acting admin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grant, _ := cmd.Flags().GetInt("grant")
		deduct, _ := cmd.Flags().GetInt("deduct")
		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")

		delta, err := adjustmentDelta(grant, deduct)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entry, err := newLedger(st).AdminAdjust(ctx, args[0], delta, reason, actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "balance %d -> %d (entry %s)\n", entry.BalanceBefore, entry.BalanceAfter, entry.ID)
		return nil
	},
}

// adjustmentDelta converts grant/deduct flags to a ledger delta, where
// negative values add credits.
func adjustmentDelta(grant, deduct int) (int, error) {
	switch {
	case grant < 0 || deduct < 0:
		return 0, eris.New("credits adjust: --grant and --deduct must be positive")
	case grant > 0 && deduct > 0:
		return 0, eris.New("credits adjust: use either --grant or --deduct")
	case grant > 0:
		return -grant, nil
	case deduct > 0:
		return deduct, nil
	default:
		return 0, eris.New("credits adjust: --grant or --deduct is required")
	}
}

// -- credits renew --

var creditsRenewCmd = &cobra.Command{
	Use:   "renew <owner-id>",
	Short: "Start a new billing period",
	Long:  "Resets used credits and sets the total to the plan allotment (--plan) or an explicit --credits value.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, _ := cmd.Flags().GetString("plan")
		credits, _ := cmd.Flags().GetInt("credits")

		total, err := renewalTotal(plan, credits, cmd.Flags().Changed("credits"))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		previous, err := newLedger(st).ResetForRenewal(ctx, args[0], total, plan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "renewed %s: %d credits (previous balance %d)\n", args[0], total, previous)
		return nil
	},
}

func renewalTotal(plan string, credits int, explicit bool) (int, error) {
	if explicit {
		if credits < 0 {
			return 0, eris.New("credits renew: --credits must not be negative")
		}
		return credits, nil
	}
	if plan == "" {
		return 0, eris.New("credits renew: --plan or --credits is required")
	}
	n, ok := cfg.PlanCredits(plan)
	if !ok {
		return 0, eris.Errorf("credits renew: unknown plan %q", plan)
	}
	return n, nil
}

func formatBalance(w io.Writer, acct *model.CreditAccount) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "OWNER\tPLAN\tTOTAL\tUSED\tAVAILABLE\n")
	plan := acct.PlanTier
	if plan == "" {
		plan = "-"
	}
	fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", acct.OwnerID, plan, acct.TotalCredits, acct.UsedCredits, acct.Available())
	tw.Flush() //nolint:errcheck
}

func formatLedger(w io.Writer, entries []model.LedgerEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "CREATED\tACTION\tDELTA\tBALANCE\tTRANSACTION\tDESCRIPTION\n")
	for _, e := range entries {
		tx := e.TransactionID
		if len(tx) > 8 {
			tx = tx[:8]
		}
		if tx == "" {
			tx = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%+d\t%d -> %d\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"),
			e.ActionType,
			e.Delta,
			e.BalanceBefore, e.BalanceAfter,
			tx,
			e.Description,
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	creditsHistoryCmd.Flags().Int("limit", 50, "maximum entries to show")
	creditsHistoryCmd.Flags().Int("offset", 0, "entries to skip")

	creditsAdjustCmd.Flags().Int("grant", 0, "credits to add")
	creditsAdjustCmd.Flags().Int("deduct", 0, "credits to remove")
	creditsAdjustCmd.Flags().String("reason", "", "reason recorded on the ledger entry")
	creditsAdjustCmd.Flags().String("actor", "", "admin user id recorded on the ledger entry")
	_ = creditsAdjustCmd.MarkFlagRequired("actor")

	creditsRenewCmd.Flags().String("plan", "", "plan tier whose allotment to apply")
	creditsRenewCmd.Flags().Int("credits", 0, "explicit allotment, overrides --plan")

	creditsCmd.AddCommand(creditsBalanceCmd, creditsHistoryCmd, creditsAdjustCmd, creditsRenewCmd)
	rootCmd.AddCommand(creditsCmd)
}
