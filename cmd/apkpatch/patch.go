package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/apk-analysis/apk-patcher-go/internal/catalog"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/apk-analysis/apk-patcher-go/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type patchFlags struct {
	output      string
	outputDir   string
	catalogDir  string
	version     string
	patchesFile string
	deltaPath   string
	deltaTarget string
	keystore    string
	strategy    string
	strict      bool
	restoreCRC  bool
	pairip      bool
	skipSign    bool
	verify      bool
	keepWork    bool
	jobs        int
	jsonOutput  bool
}

func newPatchCmd(a *app) *cobra.Command {
	f := &patchFlags{}
	cmd := &cobra.Command{
		Use:   "patch <app.apk> [more.apk...]",
		Short: "Apply patches to one or more APKs",
		Long: `Apply the patch set for each APK and write a signed, patched copy.

Without --patches the app version is read from the manifest (or the file
name) and the matching <version>.json and bsdiff/<version>.bsdiff are taken
from the patch catalog. Several APKs are processed concurrently (--jobs).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatch(cmd, a, f, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "output APK (single input only)")
	fl.StringVar(&f.outputDir, "output-dir", "", "directory for patched APKs (default <data-dir>/output)")
	fl.StringVar(&f.catalogDir, "catalog", "", "patch catalog directory")
	fl.StringVar(&f.version, "version", "", "app version, skips detection")
	fl.StringVarP(&f.patchesFile, "patches", "p", "", "patch descriptor JSON, bypasses the catalog")
	fl.StringVar(&f.deltaPath, "delta", "", "bsdiff delta restoring a protected library")
	fl.StringVar(&f.deltaTarget, "delta-target", "", "archive entry the delta applies to")
	fl.StringVar(&f.keystore, "keystore", "", "PKCS#12 signing material (default generated debug key)")
	fl.StringVar(&f.strategy, "strategy", "", "signing strategy: auto, delegated, builtin")
	fl.BoolVar(&f.strict, "strict", false, "require original bytes to match before patching")
	fl.BoolVar(&f.restoreCRC, "restore-crc", false, "write the original CRC of every entry back into the rebuilt headers")
	fl.BoolVar(&f.pairip, "bypass-pairip", false, "replace the pairip Application class in AndroidManifest.xml")
	fl.BoolVar(&f.skipSign, "skip-sign", false, "write the unsigned rebuilt APK")
	fl.BoolVar(&f.verify, "verify", false, "verify the v1 signature after signing")
	fl.BoolVar(&f.keepWork, "keep-work", false, "keep the temporary work directory")
	fl.IntVarP(&f.jobs, "jobs", "j", 2, "APKs processed concurrently")
	fl.BoolVar(&f.jsonOutput, "json", false, "print results as JSON")
	return cmd
}

func runPatch(cmd *cobra.Command, a *app, f *patchFlags, args []string) error {
	if f.output != "" && len(args) > 1 {
		return errors.New("--output can only be used with a single input")
	}
	cfg := a.cfg
	fl := cmd.Flags()
	if f.outputDir != "" {
		cfg.Patch.OutputDir = f.outputDir
	}
	if f.catalogDir != "" {
		cfg.Patch.CatalogDir = f.catalogDir
	}
	if f.strategy != "" {
		cfg.Signing.Strategy = f.strategy
	}
	if fl.Changed("strict") {
		cfg.Patch.Strict = f.strict
	}
	if fl.Changed("restore-crc") {
		cfg.Patch.RestoreCRC = f.restoreCRC
	}
	if fl.Changed("verify") {
		cfg.Signing.VerifyAfter = f.verify
	}
	if fl.Changed("keep-work") {
		cfg.Patch.KeepWork = f.keepWork
	}

	var patches *domain.PatchSet
	if f.patchesFile != "" {
		set, err := catalog.ParseFile(f.patchesFile)
		if err != nil {
			return err
		}
		patches = set
	}

	builder := service.ConfigBuilder{
		Catalog: catalog.New(a.logger, cfg.Patch.CatalogDir),
		Options: service.Options{
			OutputDir:  cfg.Patch.OutputDir,
			Strict:     cfg.Patch.Strict,
			RestoreCRC: cfg.Patch.RestoreCRC,
		},
		Logger: a.logger,
	}
	jobs := make([]domain.JobConfig, 0, len(args))
	for _, input := range args {
		if st, err := os.Stat(input); err != nil || !st.Mode().IsRegular() {
			return fmt.Errorf("input %s is not a readable file", input)
		}
		jc, err := builder.Build(uuid.NewString(), service.SubmitRequest{
			InputPath:       input,
			Version:         f.version,
			Patches:         patches,
			DeltaPath:       f.deltaPath,
			DeltaTarget:     f.deltaTarget,
			OutputPath:      f.output,
			SigningMaterial: f.keystore,
			BypassPairip:    f.pairip,
			SkipSign:        f.skipSign,
			Source:          "cli",
		})
		if err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
		jobs = append(jobs, jc)
	}

	signerFor, err := service.NewSignerFactory(a.logger, cfg, service.RetryConfig(cfg.Retry, a.logger, nil))
	if err != nil {
		return err
	}
	orch := service.NewOrchestrator(a.logger, cfg, signerFor)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := worker.RunBatch(ctx, a.logger, jobs, f.jobs, func(ctx context.Context, jc domain.JobConfig) (*patcher.Result, error) {
		return orch.Run(ctx, jc, patcher.LogSink{Logger: a.logger, JobID: jc.ID})
	})

	if f.jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	} else {
		printSummary(cmd.OutOrStdout(), results)
	}
	if err != nil {
		return err
	}
	if n := worker.Failed(results); n > 0 {
		return fmt.Errorf("%d of %d jobs failed", n, len(results))
	}
	return nil
}

type jsonResult struct {
	Input       string          `json:"input"`
	Result      *patcher.Result `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailureType string          `json:"failure_type,omitempty"`
}

func printJSON(w io.Writer, results []worker.BatchResult) error {
	out := make([]jsonResult, 0, len(results))
	for _, r := range results {
		jr := jsonResult{Input: r.Config.InputPath, Result: r.Result}
		if r.Err != nil {
			jr.Error = r.Err.Error()
			jr.FailureType = string(patcher.FailureOf(r.Err))
		}
		out = append(out, jr)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printSummary(w io.Writer, results []worker.BatchResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INPUT\tSTATUS\tAPPLIED\tFAILED\tSIGNER\tOUTPUT")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(tw, "%s\tfailed (%s)\t-\t-\t-\t%v\n", r.Config.InputPath, patcher.FailureOf(r.Err), r.Err)
			continue
		}
		signer := r.Result.Signer
		if signer == "" {
			signer = "unsigned"
		}
		fmt.Fprintf(tw, "%s\tok\t%d\t%d\t%s\t%s\n", r.Config.InputPath, r.Result.Applied, r.Result.Failed, signer, r.Result.OutputPath)
	}
	tw.Flush()
}
