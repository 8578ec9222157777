package admin

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mmeshcher/storybook/internal/model"
)

const cliReference = "cli"

func (a *app) newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and adjust account credits",
	}

	cmd.AddCommand(
		a.newAdjustCmd("grant", "Add credits to an account", model.ReasonAdminGrant, 1),
		a.newAdjustCmd("deduct", "Remove credits from an account", model.ReasonAdminDeduct, -1),
		a.newHistoryCmd(),
		a.newVerifyCmd(),
	)
	return cmd
}

func (a *app) newAdjustCmd(use, short string, reason model.Reason, sign int64) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <account-id> <amount>",
		Short: short,
		Long: short + `.

The amount is always given as a positive number. A deduction never takes the
balance below zero: the ledger records the amount actually removed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}

			svc, err := a.service()
			if err != nil {
				return err
			}

			balance, err := svc.Grant(cmd.Context(), args[0], sign*amount, reason, cliReference)
			if err != nil {
				return err
			}

			ok(cmd.OutOrStdout(), "%s %d credits, balance is now %d", reason, amount, balance)
			return nil
		},
	}
}

func (a *app) newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <account-id>",
		Short: "Show recent ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}

			entries, err := svc.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				warn(cmd.OutOrStdout(), "No ledger entries")
				return nil
			}

			// Цветная сумма идёт последней: escape-коды внутри ячейки tabwriter сбивают выравнивание.
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tREASON\tREFERENCE\tBALANCE\tAMOUNT")
			for _, e := range entries {
				ref := "-"
				if e.ReferenceID != nil {
					ref = *e.ReferenceID
				}
				if e.MergedFrom != nil {
					ref += " (from " + *e.MergedFrom + ")"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.CreatedAt.Format(time.DateTime), e.Reason, ref, e.BalanceAfter, formatAmount(e.Amount))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show (1-100)")
	return cmd
}

func formatAmount(amount int64) string {
	if amount > 0 {
		return color.GreenString("+%d", amount)
	}
	return color.RedString("%d", amount)
}

func (a *app) newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account-id>",
		Short: "Check that the balance matches the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}

			rec, err := svc.VerifyBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if !rec.Consistent() {
				return fmt.Errorf("balance %d does not match ledger sum %d", rec.Balance, rec.LedgerSum)
			}
			ok(cmd.OutOrStdout(), "Balance %d matches ledger", rec.Balance)
			return nil
		},
	}
}
