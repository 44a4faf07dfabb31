package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/apk-analysis/apk-patcher-go/internal/catalog"
	"github.com/spf13/cobra"
)

func newCatalogCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the patch catalog",
	}
	cmd.PersistentFlags().StringVar(&dir, "catalog", "", "patch catalog directory")

	open := func() *catalog.Catalog {
		if dir == "" {
			dir = a.cfg.Patch.CatalogDir
		}
		return catalog.New(a.logger, dir)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List versions that have a patch set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := open()
			versions, err := c.Versions()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tDELTA")
			for _, v := range versions {
				mark := "-"
				if _, ok := c.Delta(v); ok {
					mark = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\n", v, mark)
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <version>",
		Short: "Show the patches of one version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := open().Load(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tTARGET\tEFFECT\tWHERE")
			for _, p := range set.Patches {
				switch {
				case p.Native != nil:
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d offsets\n", p.Name, p.Kind, p.Native.TargetEntry, p.Native.Effect.Kind, len(p.Native.Offsets))
				case p.Dex != nil && p.Dex.IsRaw():
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t0x%x\n", p.Name, p.Kind, p.Dex.TargetEntry, p.Dex.Effect.Kind, p.Dex.Offset)
				case p.Dex != nil:
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s.%s\n", p.Name, p.Kind, p.Dex.TargetEntry, p.Dex.Effect.Kind, p.Dex.ClassName, p.Dex.MethodName)
				}
			}
			return tw.Flush()
		},
	}

	detect := &cobra.Command{
		Use:   "detect <app.apk>",
		Short: "Detect the app version of an APK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := catalog.DetectVersion(args[0])
			if err != nil {
				return err
			}
			c := open()
			_, loadErr := c.Load(info.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "package: %s\nversion: %s (%s)\npatches: %v\n",
				info.Package, info.Version, info.Source, loadErr == nil)
			return nil
		},
	}

	cmd.AddCommand(list, show, detect)
	return cmd
}
