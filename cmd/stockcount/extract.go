package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stockcount/internal/config"
	"github.com/loqalabs/loqa-stockcount/internal/extract"
	"github.com/spf13/cobra"
)

var (
	extractDate   string
	extractMode   string
	extractConfig string
	extractWire   bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [text]",
	Short: "Extract a count record from an utterance",
	Long: `Runs the configured extraction engine over one utterance and prints the
normalized record as JSON. Without arguments the utterance is read from stdin.`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVar(&extractDate, "date", "", "reference date (YYYY-MM-DD) for relative dates; defaults to today")
	extractCmd.Flags().StringVar(&extractMode, "mode", "", "override extraction.mode (rules|ollama|openai|exec)")
	extractCmd.Flags().StringVar(&extractConfig, "config", "", "path to configuration file")
	extractCmd.Flags().BoolVar(&extractWire, "wire", false, "print the record with the extraction wire keys")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read utterance: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("no utterance given")
	}

	cfg, err := config.Load(extractConfig)
	if err != nil {
		return err
	}
	if extractMode != "" {
		cfg.Extraction.Mode = extractMode
	}
	extractor, err := extract.Local(cfg.Extraction)
	if err != nil {
		return err
	}

	ref := extractDate
	if ref == "" {
		ref = time.Now().In(cfg.Capture.Location()).Format(extract.DateLayout)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Extraction.Timeout())
	defer cancel()
	record, err := extractor.Extract(ctx, extract.Request{UtteranceText: text, ReferenceDate: ref})
	if err != nil {
		return err
	}

	var out []byte
	if extractWire {
		out, err = extract.Encode(record)
	} else {
		out, err = json.MarshalIndent(record, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
