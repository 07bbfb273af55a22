package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"smartborrow/internal/services"
)

var fineCmd = &cobra.Command{
	Use:   "fine <due> <returned>",
	Short: "Compute the late fine for a return",
	Long:  `Prints the fine charged when an item due on <due> comes back on <returned>. Dates are YYYY-MM-DD.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		due, err := time.Parse(time.DateOnly, args[0])
		if err != nil {
			return fmt.Errorf("due date: %w", err)
		}
		returned, err := time.Parse(time.DateOnly, args[1])
		if err != nil {
			return fmt.Errorf("return date: %w", err)
		}
		currency, _ := cmd.Flags().GetString("currency")
		fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", services.ComputeFine(due, returned), currency)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fineCmd)
	fineCmd.Flags().String("currency", "THB", "Currency label")
}
