package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdfsum/pdfsum/internal/job"
)

var summarizeJSON bool

var summarizeCmd = &cobra.Command{
	Use:   "summarize <file.pdf>",
	Short: "Summarize one local PDF and print the review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := args[0]
		if !job.IsPDFName(path) {
			return fmt.Errorf("%s: %w", path, job.ErrNotPDF)
		}
		if _, err := os.Stat(path); err != nil {
			return err
		}
		p, err := newPipeline(cfg)
		if err != nil {
			return err
		}

		out, err := p.Run(cmd.Context(), path)
		if err != nil {
			return err
		}
		if summarizeJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Summary)
		return nil
	},
}

func init() {
	summarizeCmd.Flags().BoolVar(&summarizeJSON, "json", false, "print the full outcome as JSON")
	rootCmd.AddCommand(summarizeCmd)
}
