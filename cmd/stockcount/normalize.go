package main

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/extract"
	"github.com/spf13/cobra"
)

var normalizeDate string

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Canonicalize a single field value",
}

var normalizeCodeCmd = &cobra.Command{
	Use:   "code [value]",
	Short: "Normalize a product code to nine digits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printNormalized(cmd, args[0], extract.NormalizeProductCode(args[0]))
	},
}

var normalizeAddressCmd = &cobra.Command{
	Use:   "address [value]",
	Short: `Normalize an address to "L NNN NNNN"`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printNormalized(cmd, args[0], extract.NormalizeAddress(args[0]))
	},
}

var normalizeDateCmd = &cobra.Command{
	Use:   "date [value]",
	Short: "Normalize a manufacture date to YYYY-MM-DD",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := time.Now()
		if normalizeDate != "" {
			var err error
			if ref, err = time.Parse(extract.DateLayout, normalizeDate); err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
		}
		return printNormalized(cmd, args[0], extract.NormalizeDate(args[0], ref))
	},
}

func init() {
	normalizeDateCmd.Flags().StringVar(&normalizeDate, "date", "", "reference date (YYYY-MM-DD); defaults to today")
	normalizeCmd.AddCommand(normalizeCodeCmd, normalizeAddressCmd, normalizeDateCmd)
	rootCmd.AddCommand(normalizeCmd)
}

func printNormalized(cmd *cobra.Command, input string, out *string) error {
	if out == nil {
		return fmt.Errorf("cannot normalize %q", input)
	}
	fmt.Fprintln(cmd.OutOrStdout(), *out)
	return nil
}
