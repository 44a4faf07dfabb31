package main

import (
	"fmt"
	"os"

	"github.com/apk-analysis/apk-patcher-go/internal/delta"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var algorithms = map[string]delta.Algorithm{
	"raw":   delta.AlgRaw,
	"bzip2": delta.AlgBzip2,
	"zstd":  delta.AlgZstd,
}

func newDiffCmd(a *app) *cobra.Command {
	var (
		output    string
		format    string
		algorithm string
	)
	cmd := &cobra.Command{
		Use:   "diff <old> <new>",
		Short: "Create a bsdiff delta between two files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, ok := algorithms[algorithm]
			if !ok {
				return fmt.Errorf("unknown algorithm %q (raw, bzip2, zstd)", algorithm)
			}
			f := delta.Format(format)
			if f != delta.FormatBSDIFF40 && f != delta.FormatBSDF2 {
				return fmt.Errorf("unknown format %q (bsdiff40, bsdf2)", format)
			}

			oldData, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			newData, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			patch, err := delta.Diff(oldData, newData, delta.DiffOptions{Format: f, Algorithm: alg})
			if err != nil {
				return err
			}
			// 写出前先自检一次
			if _, err := delta.NewRestorer(a.logger).Restore(oldData, patch); err != nil {
				return fmt.Errorf("delta self-check failed: %w", err)
			}
			if err := os.WriteFile(output, patch, 0o644); err != nil {
				return err
			}

			a.logger.WithFields(logrus.Fields{
				"old":    args[0],
				"new":    args[1],
				"output": output,
				"size":   len(patch),
			}).Info("✅ Delta written")
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", output, len(patch))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "delta file to write")
	cmd.Flags().StringVar(&format, "format", string(delta.FormatBSDIFF40), "delta format: bsdiff40, bsdf2")
	cmd.Flags().StringVar(&algorithm, "algorithm", "bzip2", "block compression for bsdf2: raw, bzip2, zstd")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
