package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tech-consulting/assetops/internal/engine"
	"github.com/tech-consulting/assetops/internal/model"
)

type loanFlags struct {
	asset    model.AssetRef
	ticketID string
}

var (
	checkOutFlags = &loanFlags{}
	checkInFlags  = &loanFlags{}
)

// checkOutCmd represents the checkout command
var checkOutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Lend an asset to the requestor of a loan ticket",
	Run: func(cmd *cobra.Command, _ []string) {
		runLoan(cmd.Context(), checkOutFlags, (*engine.Engine).CheckOutAsset)
	},
}

// checkInCmd represents the checkin command
var checkInCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Return a loaned asset to stock, closing its ticket when given",
	Run: func(cmd *cobra.Command, _ []string) {
		runLoan(cmd.Context(), checkInFlags, (*engine.Engine).CheckInAsset)
	},
}

type loanFunc func(*engine.Engine, context.Context, model.AssetRef, string, string) model.OperationOutcome

func runLoan(ctx context.Context, flags *loanFlags, loan loanFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	var outcome model.OperationOutcome

	err := runEngine(ctx, args, func(ctx context.Context, e *engine.Engine) any {
		outcome = loan(e, ctx, flags.asset, flags.ticketID, args.Actor)
		return outcome
	})
	if err != nil {
		os.Exit(1)
	}

	os.Exit(exitStatus(outcome.Status))
}

func loanCmdFlags(cmd *cobra.Command, flags *loanFlags) {
	cmd.Flags().StringVarP(&flags.asset.AssetTag, "tag", "t", "", "asset tag, TRL12345")
	cmd.Flags().StringVarP(&flags.asset.SerialNumber, "serial", "s", "", "asset serial number, used when the tag is unknown")
	cmd.Flags().StringVarP(&flags.ticketID, "ticket", "", "", "loan ticket id")
}

func init() {
	loanCmdFlags(checkOutCmd, checkOutFlags)
	loanCmdFlags(checkInCmd, checkInFlags)

	if err := checkOutCmd.MarkFlagRequired("ticket"); err != nil {
		slog.Error("failed to mark required flag", "error", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(checkOutCmd, checkInCmd)
}
