package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apk-analysis/apk-patcher-go/internal/signing"
	"github.com/spf13/cobra"
)

func newKeygenCmd(a *app) *cobra.Command {
	var (
		out      string
		password string
		alias    string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create (or show) PKCS#12 signing material",
		Long: `Create a self-signed RSA key and certificate in a PKCS#12 file.
An existing readable file is loaded and left untouched unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = a.cfg.Signing.KeystorePath
			}
			if out == "" {
				out = filepath.Join(a.cfg.DataDir, signing.DefaultFileName)
			}
			if force {
				if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}

			m, err := signing.NewMaterialStore(a.logger, signing.StoreOptions{
				Path:     out,
				Password: password,
				Alias:    alias,
				Generate: true,
			}).Load()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "path:    %s\n", m.Path)
			fmt.Fprintf(w, "alias:   %s\n", m.Alias)
			fmt.Fprintf(w, "subject: %s\n", m.Cert.Subject.String())
			fmt.Fprintf(w, "serial:  %s\n", m.Cert.SerialNumber.String())
			fmt.Fprintf(w, "expires: %s\n", m.Cert.NotAfter.Format("2006-01-02"))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "PKCS#12 file (default signing.keystore_path or <data-dir>/"+signing.DefaultFileName+")")
	cmd.Flags().StringVar(&password, "password", signing.DefaultPassword, "PKCS#12 password")
	cmd.Flags().StringVar(&alias, "alias", signing.DefaultAlias, "key alias")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing file")
	return cmd
}
