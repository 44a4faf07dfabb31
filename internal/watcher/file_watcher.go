package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Submitter 创建任务，service.JobService 实现
type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*domain.JobRecord, error)
}

// Dispatcher 分发任务到 Worker 池或消息队列
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// SubmitHandler 把收件目录中的 APK 提交为补丁任务
func SubmitHandler(sub Submitter, d Dispatcher, logger *logrus.Logger) FileHandler {
	return func(ctx context.Context, filePath string) error {
		job, err := sub.Submit(ctx, service.SubmitRequest{
			InputPath: filePath,
			Source:    "watcher",
		})
		if err != nil {
			return err
		}
		if err := d.Dispatch(ctx, job.ID); err != nil {
			return fmt.Errorf("dispatch job %s: %w", job.ID, err)
		}
		logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"file":   filepath.Base(filePath),
		}).Info("Inbox file submitted")
		return nil
	}
}

// Options 监听参数
type Options struct {
	Pattern  string        // 文件匹配模式，默认 *.apk
	Debounce time.Duration // 同一文件连续事件合并，默认 2 秒
	Settle   time.Duration // 判断写入完成的间隔，默认 500 毫秒
	// ScanExisting 启动时处理目录中已有的文件
	ScanExisting bool
}

// FileWatcher 收件目录监控器
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	opts     Options
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	// handled 已提交的文件及其修改时间，避免重复提交
	handled map[string]time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.apk"
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", opts.Pattern, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		handled:    make(map[string]time.Time),
		stopChan:   make(chan struct{}),
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   opts.Pattern,
		"debounce":  opts.Debounce,
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动文件监控
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.logger.Info("Starting file watcher")

	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started successfully")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

// eventLoop 事件循环
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("File watcher context done")
			return
		case <-fw.stopChan:
			fw.logger.Info("File watcher stopped")
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}

			// 只处理创建、写入和移入（rename 到目录内表现为 Create）
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			fileName := filepath.Base(event.Name)
			if !fw.matchPattern(fileName) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  fileName,
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖: 同一文件在短时间内多次触发只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, filePath string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[filePath]; exists {
		timer.Stop()
	}
	fw.timers[filePath] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, filePath)
		fw.mu.Unlock()
		fw.handleFile(ctx, filePath)
	})
}

// handleFile 处理文件
func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	select {
	case <-fw.stopChan:
		return
	default:
	}

	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()
	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	info, err := fw.waitForFileReady(filePath)
	if err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	fw.mu.Lock()
	seen, dup := fw.handled[filePath]
	fw.mu.Unlock()
	if dup && seen.Equal(info.ModTime()) {
		fw.logger.WithField("file", filePath).Debug("File unchanged since last submission")
		return
	}

	fw.logger.WithField("file", filePath).Info("Processing file")

	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process file")
		return
	}

	fw.mu.Lock()
	fw.handled[filePath] = info.ModTime()
	fw.mu.Unlock()
	fw.logger.WithField("file", filePath).Info("File processed successfully")
}

var errNotReady = errors.New("file not ready")

// waitForFileReady 等待文件大小稳定（写入完成）
func (fw *FileWatcher) waitForFileReady(filePath string) (os.FileInfo, error) {
	const maxAttempts = 10
	for i := 0; i < maxAttempts; i++ {
		info1, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file does not exist")
			}
			time.Sleep(fw.opts.Settle)
			continue
		}

		time.Sleep(fw.opts.Settle)

		info2, err := os.Stat(filePath)
		if err != nil {
			return nil, err
		}

		if info1.Size() == info2.Size() && info2.Size() > 0 && info1.ModTime().Equal(info2.ModTime()) {
			return info2, nil
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", errNotReady, maxAttempts)
}

// matchPattern 检查文件名是否匹配模式（大小写不敏感），跳过补丁输出和隐藏文件
func (fw *FileWatcher) matchPattern(fileName string) bool {
	lower := strings.ToLower(fileName)
	if strings.HasPrefix(lower, ".") || strings.HasSuffix(lower, "_patched.apk") {
		return false
	}
	ok, _ := filepath.Match(strings.ToLower(fw.opts.Pattern), lower)
	return ok
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
