package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"zkpay/internal/service"
)

func newCreateWalletCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create-wallet <name>",
		Short: "Create a new wallet",
		Args:  cobra.ExactArgs(1),
		RunE: withService(opts, func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error {
			name := cmd.Flags().Arg(0)
			w, err := svc.CreateWallet(ctx, name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Wallet created for '%s'\n", ok("[✔]"), name)
			fmt.Fprintf(out, "%s Public Key: %s...\n", ok("[✔]"), w.PublicTag.Short())
			fmt.Fprintf(out, "%s Viewing Key: %s...\n", ok("[✔]"), w.ViewingPublic.Short())
			return nil
		}),
	}
}

func newMintCommand(opts *globalOptions) *cobra.Command {
	var to string
	var amount uint64
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint tokens to a wallet",
		Args:  cobra.NoArgs,
		RunE: withService(opts, func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error {
			receipt, err := svc.Mint(ctx, to, amount)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Minted %d units to %s\n", ok("[✔]"), amount, to)
			fmt.Fprintf(out, "%s Created note: %s... (hidden)\n", info("[+]"), receipt.Commitment.Short())
			return nil
		}),
	}
	cmd.Flags().StringVarP(&to, "to", "t", "", "Recipient wallet name")
	cmd.Flags().Uint64VarP(&amount, "amount", "a", 0, "Amount to mint")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newSendCommand(opts *globalOptions) *cobra.Command {
	var from, to string
	var amount uint64
	cmd := &cobra.Command{
		Use:     "send",
		Aliases: []string{"transfer"},
		Short:   "Send tokens to another wallet",
		Args:    cobra.NoArgs,
		RunE: withService(opts, func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Building proof for %d units from %s to %s...\n", info("[⚙]"), amount, from, to)
			tx, err := svc.Transfer(ctx, from, to, amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Sent %d units from %s to %s\n", ok("[✔]"), amount, from, to)
			fmt.Fprintf(out, "%s Spent %d note(s), created %d note(s) (hidden)\n", info("[+]"),
				len(tx.InputNullifiers), len(tx.OutputCommitments))
			return nil
		}),
	}
	cmd.Flags().StringVarP(&from, "from", "f", "", "Sender wallet name")
	cmd.Flags().StringVarP(&to, "to", "t", "", "Recipient wallet name")
	cmd.Flags().Uint64VarP(&amount, "amount", "a", 0, "Amount to send")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newConsolidateCommand(opts *globalOptions) *cobra.Command {
	var wallet string
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge a wallet's smallest notes into one",
		Args:  cobra.NoArgs,
		RunE: withService(opts, func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error {
			out := cmd.OutOrStdout()
			tx, err := svc.Consolidate(ctx, wallet)
			if err != nil {
				return err
			}
			if tx == nil {
				fmt.Fprintf(out, "%s Nothing to consolidate for %s\n", info("[i]"), wallet)
				return nil
			}
			fmt.Fprintf(out, "%s Merged %d notes of %s into one (hidden)\n", ok("[✔]"), len(tx.InputNullifiers), wallet)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&wallet, "wallet", "w", "", "Wallet name")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func newCheckBalanceCommand(opts *globalOptions) *cobra.Command {
	var wallet string
	cmd := &cobra.Command{
		Use:     "check-balance",
		Aliases: []string{"balance"},
		Short:   "Check wallet balance",
		Args:    cobra.NoArgs,
		RunE: withService(opts, func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s Scanning ledger with viewing key...\n", info("[🔍]"))
			report, err := svc.Balance(ctx, wallet)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Found %d note(s) for you\n", ok("[✔]"), report.Notes)
			fmt.Fprintf(out, "💵 Your private balance: %d units\n", report.Balance)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&wallet, "wallet", "w", "", "Wallet name")
	cmd.MarkFlagRequired("wallet")
	return cmd
}

func newLedgerCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "ledger",
		Aliases: []string{"view-ledger"},
		Short:   "View the ledger",
		Args:    cobra.NoArgs,
		RunE: withService(opts, func(_ context.Context, cmd *cobra.Command, svc *service.Service) error {
			return renderLedger(cmd.OutOrStdout(), svc.Ledger())
		}),
	}
}

func newAuditCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Re-verify every proof on the ledger",
		Args:  cobra.NoArgs,
		RunE: withService(opts, func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error {
			report, err := svc.Audit(ctx)
			if report != nil {
				renderAudit(cmd.OutOrStdout(), report)
			}
			return err
		}),
	}
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show health checks, ledger statistics and metrics",
		Args:  cobra.NoArgs,
		RunE: withService(opts, func(ctx context.Context, cmd *cobra.Command, svc *service.Service) error {
			return renderStatus(cmd.OutOrStdout(), svc.Status(ctx))
		}),
	}
}
