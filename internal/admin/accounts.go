package admin

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mmeshcher/storybook/internal/model"
)

func (a *app) newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "merge <anonymous-id> <target-id>",
		Short: "Move an anonymous account into another account",
		Long: `Move the balance, books, payments and ledger of an anonymous account into
the target account and delete the anonymous account.

Merging an account that no longer exists is reported and is not an error.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}

			res, err := svc.MergeAccounts(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !res.Merged {
				warn(cmd.OutOrStdout(), "Nothing to merge: account %s not found", args[0])
				return nil
			}

			ok(cmd.OutOrStdout(), "Merged %s into %s: %d credits, %d books, %d payments, %d ledger entries",
				args[0], args[1], res.Transferred, res.Books, res.Payments, res.LedgerEntries)
			return nil
		},
	})
	return cmd
}

func (a *app) newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue API tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "issue <email>",
		Short: "Issue a bearer token for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.tokens.Secret) == 0 {
				return errors.New("AUTH_SECRET is required")
			}

			token, exp, err := a.tokens.Sign(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	})
	return cmd
}

func (a *app) newBookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Work with generated books",
	}

	var (
		accountID string
		variant   string
		out       string
	)

	pdf := &cobra.Command{
		Use:   "pdf <book-id>",
		Short: "Export a book as PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := model.ParseVariant(variant)
			if err != nil {
				return err
			}

			svc, err := a.service()
			if err != nil {
				return err
			}

			doc, err := svc.ExportPDF(cmd.Context(), accountID, args[0], v)
			if err != nil {
				return err
			}

			path := out
			if path == "" {
				path = doc.Filename
			}
			if err := os.WriteFile(path, doc.Data, 0o644); err != nil {
				return fmt.Errorf("write pdf: %w", err)
			}

			source := "rendered"
			if doc.Cached {
				source = "cached"
			}
			ok(cmd.OutOrStdout(), "Wrote %s (%d bytes, %s)", path, len(doc.Data), source)
			return nil
		},
	}

	pdf.Flags().StringVar(&accountID, "account", "", "Owner account id")
	pdf.Flags().StringVar(&variant, "variant", string(model.VariantDigital), "PDF variant: digital or print")
	pdf.Flags().StringVarP(&out, "out", "o", "", "Output file (default: derived from the book)")
	_ = pdf.MarkFlagRequired("account")

	cmd.AddCommand(pdf)
	return cmd
}
