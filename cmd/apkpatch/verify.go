package main

import (
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/signing"
	"github.com/spf13/cobra"
)

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <signed.apk>",
		Short: "Verify the v1 (JAR) signature of an APK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := signing.VerifyV1(args[0])
			if err != nil {
				a.logger.WithError(err).Errorf("❌ Signature verification failed: %s", args[0])
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s\nsigner: %s\nserial: %s\n",
				args[0], cert.Subject.String(), cert.SerialNumber.String())
			return nil
		},
	}
}
