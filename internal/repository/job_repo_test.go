package repository

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 每个连接都是独立的内存库
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, AutoMigrate(db, quietLogger()))
	return db
}

func newJob(id string) *domain.JobRecord {
	return &domain.JobRecord{
		ID:        id,
		InputName: id + ".apk",
		InputPath: "/tmp/" + id + ".apk",
		Source:    "api",
	}
}

func TestJobRepository_CreateAndFind(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	job := newJob("job-001")
	require.NoError(t, repo.Create(ctx, job))
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	found, err := repo.FindByID(ctx, "job-001")
	require.NoError(t, err)
	assert.Equal(t, "job-001.apk", found.InputName)
	assert.Equal(t, domain.JobStatusQueued, found.Status)
}

func TestJobRepository_FindByID_NotFound(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), quietLogger())

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newJob("job-002")))
	require.NoError(t, repo.MarkRunning(ctx, "job-002"))
	require.NoError(t, repo.UpdateState(ctx, "job-002", domain.StateNativePatched))

	found, err := repo.FindByID(ctx, "job-002")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, found.Status)
	assert.Equal(t, domain.StateNativePatched, found.State)
	require.NotNil(t, found.StartedAt)

	require.NoError(t, repo.MarkCompleted(ctx, &domain.JobRecord{
		ID:             "job-002",
		OutputPath:     "/out/job-002_patched.apk",
		AppVersion:     "1.2.3",
		PatchesApplied: 3,
		PatchesFailed:  1,
		OutputDigest:   "sha256:abcd",
		Signer:         "builtin-v1",
		DurationMS:     1500,
	}))

	found, err = repo.FindByID(ctx, "job-002")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, found.Status)
	assert.Equal(t, domain.StateDone, found.State)
	assert.Equal(t, 3, found.PatchesApplied)
	assert.Equal(t, "builtin-v1", found.Signer)
	assert.Equal(t, 1500*time.Millisecond, found.Duration())
	require.NotNil(t, found.CompletedAt)
	// 未选择的字段保持原值
	assert.Equal(t, "job-002.apk", found.InputName)
}

func TestJobRepository_MarkFailed(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newJob("job-003")))
	require.NoError(t, repo.MarkFailed(ctx, "job-003", domain.StateSigned, domain.FailureTypeSigning, "no signer"))

	found, err := repo.FindByID(ctx, "job-003")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, found.Status)
	assert.Equal(t, domain.FailureTypeSigning, found.FailureType)
	assert.Equal(t, "no signer", found.ErrorMessage)

	err = repo.MarkFailed(ctx, "missing", domain.StateLoaded, domain.FailureTypeIO, "x")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_ListAndStats(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		job := newJob(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, job))
	}
	require.NoError(t, repo.MarkCompleted(ctx, &domain.JobRecord{ID: "a", PatchesApplied: 2, AppVersion: "1.0"}))
	require.NoError(t, repo.MarkCompleted(ctx, &domain.JobRecord{ID: "b", PatchesApplied: 1, PatchesFailed: 1, AppVersion: "1.1"}))
	require.NoError(t, repo.MarkFailed(ctx, "c", domain.StateExtracted, domain.FailureTypeArchive, "bad zip"))

	jobs, total, err := repo.List(ctx, JobFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, jobs, 2)
	// 最新的在前
	assert.Equal(t, "e", jobs[0].ID)
	assert.Equal(t, "d", jobs[1].ID)

	jobs, total, err = repo.List(ctx, JobFilter{Status: domain.JobStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, jobs, 2)

	jobs, _, err = repo.List(ctx, JobFilter{Version: "1.1"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(2), stats.ByStatus[domain.JobStatusQueued])
	assert.Equal(t, int64(2), stats.ByStatus[domain.JobStatusCompleted])
	assert.Equal(t, int64(1), stats.ByStatus[domain.JobStatusFailed])
	assert.Equal(t, int64(0), stats.ByStatus[domain.JobStatusRunning])
	assert.Equal(t, int64(3), stats.PatchesApplied)
	assert.Equal(t, int64(1), stats.PatchesFailed)
}

func TestJobRepository_Delete(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newJob("gone")))
	require.NoError(t, repo.Delete(ctx, "gone"))
	assert.ErrorIs(t, repo.Delete(ctx, "gone"), ErrJobNotFound)
}

func TestJobRepository_Recovery(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t), quietLogger())
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"q-2", "q-1", "run-1", "done-1"} {
		job := newJob(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, job))
	}
	// q-1 比 q-2 更早创建
	require.NoError(t, repo.Delete(ctx, "q-1"))
	q1 := newJob("q-1")
	q1.CreatedAt = base.Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, q1))

	require.NoError(t, repo.MarkRunning(ctx, "run-1"))
	require.NoError(t, repo.MarkRunning(ctx, "done-1"))
	require.NoError(t, repo.MarkCompleted(ctx, &domain.JobRecord{ID: "done-1"}))

	n, err := repo.FailInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	run, err := repo.FindByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, run.Status)
	assert.Equal(t, domain.FailureTypeInterrupted, run.FailureType)

	done, err := repo.FindByID(ctx, "done-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)

	ids, err := repo.QueuedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"q-1", "q-2"}, ids)
}

func TestInitDB_SQLiteFile(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "nested", "jobs.db"),
	}

	db, err := InitDB(cfg, quietLogger())
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&domain.JobRecord{}))
}

func TestInitDB_UnknownType(t *testing.T) {
	_, err := InitDB(&config.DatabaseConfig{Type: "oracle"}, quietLogger())
	assert.Error(t, err)
}
