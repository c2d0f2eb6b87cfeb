package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdfsum/pdfsum/internal/status"
	"github.com/pdfsum/pdfsum/internal/submit"
	"github.com/pdfsum/pdfsum/internal/webhook"
)

var submitCallback string

var submitCmd = &cobra.Command{
	Use:   "submit <file.pdf|url>",
	Short: "Queue a local PDF or a PDF URL and print the job id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		sub, err := submit.New(q, submit.Config{
			UploadDir:       cfg.UploadDir,
			DownloadTimeout: cfg.DownloadTimeout,
			MaxBytes:        cfg.MaxUploadBytes,
		}, submit.WithCallbackValidator(webhook.ValidateURL))
		if err != nil {
			return err
		}

		target := args[0]
		var rec *submit.Receipt
		if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
			rec, err = sub.SubmitURL(ctx, target, submitCallback)
		} else {
			f, ferr := os.Open(target)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			rec, err = sub.SubmitUpload(ctx, filepath.Base(target), f, submitCallback)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd, rec)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Print the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer q.Close()
		rs, mirror, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if mirror != nil {
			defer mirror.Close()
		}

		rep, err := status.NewReporter(rs, q).Status(ctx, args[0])
		if err != nil {
			return err
		}
		if err := printJSON(cmd, rep); err != nil {
			return err
		}
		if rep.Status == status.StateNotFound {
			return fmt.Errorf("job %s not found", args[0])
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	submitCmd.Flags().StringVar(&submitCallback, "callback-url", "", "POST the terminal result to this URL")
	rootCmd.AddCommand(submitCmd, statusCmd)
}
