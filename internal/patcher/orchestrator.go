// Package patcher 把解包、原生库补丁、DEX 补丁、重建和签名串成一个任务
package patcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/apk-analysis/apk-patcher-go/internal/delta"
	"github.com/apk-analysis/apk-patcher-go/internal/dexpatch"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/nativepatch"
	"github.com/apk-analysis/apk-patcher-go/internal/signing"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
)

// SignerFor 根据任务指定的签名材料路径返回签名器，空路径表示默认材料
type SignerFor func(materialPath string) (signing.Signer, error)

// Options 编排器参数
type Options struct {
	// WorkRoot 任务临时目录的父目录，为空时使用系统临时目录
	WorkRoot string
	Archive  archive.Options
	// KeepWorkDir 调试用，任务结束后保留临时目录
	KeepWorkDir bool
	// Verify 非空时在签名后校验签名包，失败记为签名错误
	Verify func(signedPath string) error
}

// Result 任务结果
type Result struct {
	JobID        string                `json:"job_id"`
	OutputPath   string                `json:"output_path,omitempty"`
	OutputDigest digest.Digest         `json:"output_digest,omitempty"`
	AppVersion   string                `json:"app_version,omitempty"`
	States       []domain.JobState     `json:"states"`
	Outcomes     []domain.PatchOutcome `json:"outcomes"`
	// Applied 至少写入成功一处的补丁数，Failed 至少失败一处的补丁数
	Applied      int             `json:"applied"`
	Failed       int             `json:"failed"`
	DeltaApplied bool            `json:"delta_applied"`
	CRCRestored  int             `json:"crc_restored"`
	Archive      *archive.Result `json:"archive,omitempty"`
	Signer       string          `json:"signer,omitempty"`
	Verified     bool            `json:"verified"`
	Duration     time.Duration   `json:"duration"`
}

// Orchestrator 补丁任务编排器
// 自身不启动 goroutine，Run 在调用者的 goroutine 中同步执行
type Orchestrator struct {
	logger    *logrus.Logger
	dex       *dexpatch.Patcher
	restorer  *delta.Restorer
	signerFor SignerFor
	opts      Options
}

// New 创建编排器
func New(logger *logrus.Logger, signerFor SignerFor, opts Options) *Orchestrator {
	if opts.Archive.Alignment == 0 {
		opts.Archive = archive.DefaultOptions()
	}
	return &Orchestrator{
		logger:    logger,
		dex:       dexpatch.NewPatcher(logger),
		restorer:  delta.NewRestorer(logger),
		signerFor: signerFor,
		opts:      opts,
	}
}

// Run 执行一个补丁任务
// 结构性错误以 *JobError 返回，并且只通过 sink.OnError 报告一次
func (o *Orchestrator) Run(ctx context.Context, cfg domain.JobConfig, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	j := &job{
		o:         o,
		cfg:       cfg,
		sink:      sink,
		log:       o.logger.WithField("job_id", cfg.ID),
		buffers:   make(map[string][]byte),
		changed:   make(map[string]bool),
		targets:   make(map[string]string),
		res:       &Result{JobID: cfg.ID, AppVersion: cfg.Patches.Version},
		nextState: domain.StateLoaded,
	}

	start := time.Now()
	err := j.run(ctx)
	j.res.Duration = time.Since(start)

	if err != nil {
		var je *JobError
		if !errors.As(err, &je) {
			je = fail(j.nextState, domain.FailureTypeUnknown, err)
		}
		j.res.States = append(j.res.States, domain.StateError)
		j.log.WithFields(logrus.Fields{
			"state":        je.State,
			"failure_type": je.Failure,
			"error":        je.Err.Error(),
		}).Error("❌ Patch job failed")
		sink.OnError(je.Cause())
		return j.res, je
	}

	j.log.WithFields(logrus.Fields{
		"output":   j.res.OutputPath,
		"digest":   j.res.OutputDigest.String(),
		"applied":  j.res.Applied,
		"failed":   j.res.Failed,
		"duration": j.res.Duration.String(),
	}).Info("✅ Patch job completed")
	sink.OnSuccess(j.res.OutputPath)
	return j.res, nil
}

type job struct {
	o    *Orchestrator
	cfg  domain.JobConfig
	sink ProgressSink
	log  *logrus.Entry

	scratch   string
	extracted *archive.Extracted
	original  map[string]uint32
	// buffers 被修改的条目内容
	buffers map[string][]byte
	changed map[string]bool
	// targets 补丁声明的目标 -> 实际使用的条目
	targets map[string]string
	unsigned string
	final    string

	res       *Result
	nextState domain.JobState
}

type stage struct {
	state domain.JobState
	skip  bool
	fn    func(ctx context.Context) (string, error)
}

func (j *job) run(ctx context.Context) error {
	if err := j.load(); err != nil {
		return err
	}
	defer j.cleanup()

	stages := []stage{
		{domain.StateExtracted, false, j.extract},
		{domain.StateNativePatched, !j.cfg.HasNativeWork(), j.patchNative},
		{domain.StateDexPatched, !j.cfg.HasDexWork(), j.patchDex},
		{domain.StateRepackaged, false, j.repackage},
		{domain.StateSigned, j.cfg.SkipSign, j.sign},
		{domain.StateDone, false, j.finish},
	}
	for _, s := range stages {
		if s.skip {
			j.sink.OnDebug(fmt.Sprintf("skipping %s", s.state))
			continue
		}
		j.nextState = s.state
		if err := ctx.Err(); err != nil {
			return fail(s.state, domain.FailureTypeUnknown, err)
		}
		text, err := s.fn(ctx)
		if err != nil {
			return err
		}
		j.enter(s.state, text)
	}
	return nil
}

func (j *job) enter(state domain.JobState, text string) {
	j.res.States = append(j.res.States, state)
	j.log.WithFields(logrus.Fields{
		"state":    state,
		"progress": state.Progress(),
	}).Info(text)
	j.sink.OnProgress(state, text)
}

// load 校验任务配置并创建唯一的临时目录
func (j *job) load() error {
	cfg := &j.cfg
	if cfg.Mode == domain.ModeRebuild {
		return fail(domain.StateLoaded, domain.FailureTypeInvalidConfig, ErrRebuildMode)
	}
	if cfg.Mode != "" && cfg.Mode != domain.ModeDirect {
		return fail(domain.StateLoaded, domain.FailureTypeInvalidConfig, fmt.Errorf("unknown mode %q", cfg.Mode))
	}
	if cfg.InputPath == "" {
		return fail(domain.StateLoaded, domain.FailureTypeInvalidConfig, ErrMissingInput)
	}
	if _, err := os.Stat(cfg.InputPath); err != nil {
		return fail(domain.StateLoaded, domain.FailureTypeIO, err)
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = DefaultOutputPath(cfg.InputPath)
	}
	for _, p := range cfg.Patches.Patches {
		if err := p.Validate(); err != nil {
			return fail(domain.StateLoaded, domain.FailureTypeInvalidConfig, err)
		}
	}

	root := cfg.WorkDir
	if root == "" {
		root = j.o.opts.WorkRoot
	}
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fail(domain.StateLoaded, domain.FailureTypeIO, err)
	}
	prefix := "job-" + strings.ReplaceAll(cfg.ID, string(os.PathSeparator), "_")
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	scratch, err := os.MkdirTemp(root, prefix+"-")
	if err != nil {
		return fail(domain.StateLoaded, domain.FailureTypeIO, err)
	}
	j.scratch = scratch

	j.enter(domain.StateLoaded, fmt.Sprintf("Loaded %d patches for %s", len(cfg.Patches.Patches), filepath.Base(cfg.InputPath)))
	return nil
}

func (j *job) cleanup() {
	if j.scratch == "" || j.o.opts.KeepWorkDir {
		return
	}
	if err := os.RemoveAll(j.scratch); err != nil {
		j.log.WithError(err).Warn("⚠️  Failed to remove scratch dir")
	}
}

func (j *job) extract(ctx context.Context) (string, error) {
	x, err := archive.Extract(j.cfg.InputPath, filepath.Join(j.scratch, "extracted"))
	if err != nil {
		return "", fail(domain.StateExtracted, domain.FailureTypeArchive, err)
	}
	j.extracted = x
	j.original = make(map[string]uint32, len(x.Entries))
	for _, e := range x.Entries {
		j.original[e.Name] = e.CRC32
	}
	if j.cfg.BypassPairip {
		if err := j.patchManifest(ctx); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Extracted %d entries", len(x.Entries)), nil
}

// resolveNative 找到原生库条目，arm64 库缺失时退回 armeabi-v7a
func (j *job) resolveNative(target string) (string, error) {
	if resolved, ok := j.targets[target]; ok {
		return resolved, nil
	}
	candidates := []string{target}
	if strings.Contains(target, "/arm64-v8a/") {
		candidates = append(candidates, strings.Replace(target, "/arm64-v8a/", "/armeabi-v7a/", 1))
	}
	for _, c := range candidates {
		if j.extracted.Has(c) {
			if c != target {
				j.sink.OnProgress(j.nextState, fmt.Sprintf("⚠️  %s not found, using %s", target, c))
			}
			j.targets[target] = c
			return c, nil
		}
	}
	return "", fail(domain.StateNativePatched, domain.FailureTypeMissingEntry, fmt.Errorf("%w: %s", ErrMissingEntry, target))
}

// buffer 返回条目的可修改副本，同一条目在任务内只读取一次
func (j *job) buffer(state domain.JobState, entry string) ([]byte, error) {
	if buf, ok := j.buffers[entry]; ok {
		return buf, nil
	}
	if !j.extracted.Has(entry) {
		return nil, fail(state, domain.FailureTypeMissingEntry, fmt.Errorf("%w: %s", ErrMissingEntry, entry))
	}
	buf, err := j.extracted.Read(entry)
	if err != nil {
		return nil, fail(state, domain.FailureTypeIO, err)
	}
	j.buffers[entry] = buf
	return buf, nil
}

func (j *job) patchNative(ctx context.Context) (string, error) {
	patches := j.cfg.Patches.NativePatches()

	if j.cfg.DeltaPath != "" {
		target := j.cfg.DeltaTarget
		if target == "" && len(patches) > 0 {
			target = patches[0].Native.TargetEntry
		}
		if target == "" {
			target = domain.DefaultNativeTarget
		}
		entry, err := j.resolveNative(target)
		if err != nil {
			return "", err
		}
		original, err := j.buffer(domain.StateNativePatched, entry)
		if err != nil {
			return "", err
		}
		restored, err := j.o.restorer.RestoreFile(original, j.cfg.DeltaPath)
		if err != nil {
			return "", fail(domain.StateNativePatched, domain.FailureTypeDelta, fmt.Errorf("restore %s: %w", entry, err))
		}
		j.buffers[entry] = restored
		j.changed[entry] = true
		j.res.DeltaApplied = true
		j.sink.OnProgress(domain.StateNativePatched, fmt.Sprintf("Restored %s from delta (%d -> %d bytes)", entry, len(original), len(restored)))
	}

	np := nativepatch.NewPatcher(j.o.logger, j.cfg.Strict)
	for _, p := range patches {
		entry, err := j.resolveNative(p.Native.TargetEntry)
		if err != nil {
			return "", err
		}
		buf, err := j.buffer(domain.StateNativePatched, entry)
		if err != nil {
			return "", err
		}

		outcome := domain.PatchOutcome{Name: p.Name, Kind: string(p.Kind)}
		res, err := np.Apply(buf, nativepatch.ArchForEntry(entry), p.Native.Offsets, p.Native.Effect)
		switch {
		case err != nil:
			outcome.Failed = len(p.Native.Offsets)
			outcome.Error = err.Error()
		default:
			outcome.Applied = res.Applied
			outcome.Failed = len(res.Failures)
			var msgs []string
			for _, f := range res.Failures {
				msgs = append(msgs, f.Err.Error())
				j.sink.OnDebug(fmt.Sprintf("%s: %v", p.Name, f.Err))
			}
			outcome.Error = strings.Join(msgs, "; ")
		}
		if outcome.Applied > 0 {
			j.changed[entry] = true
		}
		j.record(outcome, entry)
	}
	return fmt.Sprintf("Native patching finished (%d libraries changed)", j.countChanged(isNativeEntry)), nil
}

func (j *job) patchDex(ctx context.Context) (string, error) {
	parsed := make(map[string]bool)
	for _, p := range j.cfg.Patches.DexPatches() {
		entry := p.Dex.TargetEntry
		if entry == "" {
			entry = domain.DefaultDexTarget
		}
		buf, err := j.buffer(domain.StateDexPatched, entry)
		if err != nil {
			return "", err
		}
		if !parsed[entry] {
			if _, err := dexpatch.Parse(buf); err != nil {
				return "", fail(domain.StateDexPatched, domain.FailureTypeDexHeader, fmt.Errorf("%s: %w", entry, err))
			}
			parsed[entry] = true
		}

		outcome := domain.PatchOutcome{Name: p.Name, Kind: string(p.Kind)}
		if err := j.o.dex.ApplyPatch(buf, p); err != nil {
			if errors.Is(err, dexpatch.ErrBadHeader) {
				return "", fail(domain.StateDexPatched, domain.FailureTypeDexHeader, fmt.Errorf("%s: %w", entry, err))
			}
			outcome.Failed = 1
			outcome.Error = err.Error()
			j.sink.OnDebug(fmt.Sprintf("%s: %v", p.Name, err))
		} else {
			outcome.Applied = 1
			j.changed[entry] = true
		}
		j.record(outcome, entry)
	}
	return fmt.Sprintf("DEX patching finished (%d files changed)", j.countChanged(isDexEntry)), nil
}

func (j *job) record(outcome domain.PatchOutcome, entry string) {
	j.res.Outcomes = append(j.res.Outcomes, outcome)
	if outcome.Applied > 0 {
		j.res.Applied++
	}
	if outcome.Failed > 0 {
		j.res.Failed++
	}
	fields := logrus.Fields{
		"patch":   outcome.Name,
		"entry":   entry,
		"applied": outcome.Applied,
		"failed":  outcome.Failed,
	}
	var text string
	if outcome.Failed == 0 {
		text = fmt.Sprintf("✅ %s: %d location(s) patched in %s", outcome.Name, outcome.Applied, entry)
		j.log.WithFields(fields).Info("Patch applied")
	} else {
		text = fmt.Sprintf("⚠️  %s: %d patched, %d failed in %s: %s", outcome.Name, outcome.Applied, outcome.Failed, entry, outcome.Error)
		j.log.WithFields(fields).WithField("error", outcome.Error).Warn("Patch partially failed")
	}
	j.sink.OnProgress(j.nextState, text)
}

func isNativeEntry(name string) bool { return strings.HasSuffix(name, archive.NativeLibSuffix) }
func isDexEntry(name string) bool    { return strings.HasSuffix(name, ".dex") }

func (j *job) countChanged(match func(string) bool) int {
	n := 0
	for name := range j.changed {
		if match(name) {
			n++
		}
	}
	return n
}

func (j *job) repackage(ctx context.Context) (string, error) {
	overrides := make(map[string][]byte, len(j.changed))
	var force []string
	for name := range j.changed {
		overrides[name] = j.buffers[name]
		if isNativeEntry(name) {
			force = append(force, name)
		}
	}

	opts := j.o.opts.Archive
	opts.ForceStore = append(append([]string(nil), opts.ForceStore...), force...)
	opts.TempDir = j.scratch

	j.unsigned = filepath.Join(j.scratch, "unsigned.apk")
	res, err := archive.Rebuild(j.cfg.InputPath, j.unsigned, overrides, opts)
	if err != nil {
		failure := domain.FailureTypeArchive
		if errors.Is(err, archive.ErrEntryNotFound) {
			failure = domain.FailureTypeMissingEntry
		}
		return "", fail(domain.StateRepackaged, failure, err)
	}
	j.res.Archive = res
	j.final = j.unsigned

	if j.cfg.RestoreCRC {
		// 修改过的条目也写回原 CRC，校验头部 CRC 的保护只看到原值
		n, err := archive.RestoreCRC(j.unsigned, j.original, nil)
		if err != nil {
			return "", fail(domain.StateRepackaged, domain.FailureTypeArchive, fmt.Errorf("restore crc: %w", err))
		}
		j.res.CRCRestored = n
	}
	return fmt.Sprintf("Repackaged %d entries (%d replaced, %d stored)", res.Entries, res.Replaced, res.Stored), nil
}

func (j *job) sign(ctx context.Context) (string, error) {
	if j.o.signerFor == nil {
		return "", fail(domain.StateSigned, domain.FailureTypeSigning, signing.ErrNoSigner)
	}
	signer, err := j.o.signerFor(j.cfg.SigningMaterial)
	if err != nil {
		return "", fail(domain.StateSigned, domain.FailureTypeSigning, err)
	}
	signed := filepath.Join(j.scratch, "signed.apk")
	if err := signer.Sign(ctx, j.unsigned, signed); err != nil {
		return "", fail(domain.StateSigned, domain.FailureTypeSigning, err)
	}
	j.res.Signer = signer.Name()
	if verify := j.o.opts.Verify; verify != nil {
		if err := verify(signed); err != nil {
			return "", fail(domain.StateSigned, domain.FailureTypeSigning, fmt.Errorf("verify signature: %w", err))
		}
		j.res.Verified = true
	}
	j.final = signed
	return fmt.Sprintf("Signed with %s", signer.Name()), nil
}

// finish 把结果原子地放到输出路径
func (j *job) finish(ctx context.Context) (string, error) {
	out := j.cfg.OutputPath
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fail(domain.StateDone, domain.FailureTypeIO, err)
	}
	if err := archive.MoveFile(j.final, out); err != nil {
		return "", fail(domain.StateDone, domain.FailureTypeIO, err)
	}

	f, err := os.Open(out)
	if err != nil {
		return "", fail(domain.StateDone, domain.FailureTypeIO, err)
	}
	defer f.Close()
	d, err := digest.FromReader(f)
	if err != nil {
		return "", fail(domain.StateDone, domain.FailureTypeIO, err)
	}
	j.res.OutputPath = out
	j.res.OutputDigest = d
	return fmt.Sprintf("Output written to %s", out), nil
}

// DefaultOutputPath 输入 foo.apk 时默认输出 foo_patched.apk
func DefaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_patched" + ext
}
