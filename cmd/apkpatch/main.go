package main

import (
	"fmt"
	"os"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// app 命令共享的配置和日志
type app struct {
	configPath string
	logLevel   string
	dataDir    string

	cfg    *config.Config
	logger *logrus.Logger
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.SetDataDir(a.dataDir)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	a.logger = config.InitLogger(&cfg.Log)
	if cfg.Log.File == "" {
		// 标准输出留给命令结果
		a.logger.SetOutput(cmd.ErrOrStderr())
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "apkpatch",
		Short: "Patch, repackage and re-sign Android APKs",
		Long: `apkpatch applies byte-level patches to native libraries and DEX methods
inside an APK, restores protected libraries from bsdiff deltas, rebuilds the
archive with the original entry layout and signs the result.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (work, output, signing material)")

	root.AddCommand(
		newPatchCmd(a),
		newDiffCmd(a),
		newKeygenCmd(a),
		newVerifyCmd(a),
		newEntriesCmd(a),
		newCatalogCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// 不需要加载配置
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "apkpatch %s (build %s, commit %s)\n", Version, BuildTime, GitCommit)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
