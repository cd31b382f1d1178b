package cmd

import (
	"context"
	"log/slog"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"

	"github.com/tech-consulting/assetops/internal/engine"
	"github.com/tech-consulting/assetops/internal/model"
)

var (
	warrantySerial  string
	warrantyVendors []string
)

// warrantyCmd represents the warranty command
var warrantyCmd = &cobra.Command{
	Use:   "warranty",
	Short: "Look up the warranty coverage of a serial number across vendors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		set := mapset.NewSet[model.VendorIdentity]()

		for _, name := range warrantyVendors {
			vendor, err := model.ParseVendor(name)
			if err != nil {
				return err
			}

			set.Add(vendor)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		var status model.Status

		err := runEngine(ctx, args, func(ctx context.Context, e *engine.Engine) any {
			result := e.LookupWarranty(ctx, warrantySerial, set)
			status = result.Status()

			return result
		})
		if err != nil {
			os.Exit(1)
		}

		os.Exit(exitStatus(status))

		return nil
	},
}

func init() {
	warrantyCmd.Flags().StringVarP(&warrantySerial, "serial", "s", "", "serial number to look up")
	warrantyCmd.Flags().StringSliceVarP(&warrantyVendors, "vendors", "v", nil, "vendors to ask, all configured vendors when empty")

	if err := warrantyCmd.MarkFlagRequired("serial"); err != nil {
		slog.Error("failed to mark required flag", "error", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(warrantyCmd)
}
