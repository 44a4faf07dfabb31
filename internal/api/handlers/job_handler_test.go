package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcher"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockJobService Mock Service
type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) Submit(ctx context.Context, req service.SubmitRequest) (*domain.JobRecord, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.JobRecord), args.Error(1)
}

func (m *MockJobService) Execute(ctx context.Context, jobID string) (*patcher.Result, error) {
	args := m.Called(jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*patcher.Result), args.Error(1)
}

func (m *MockJobService) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	args := m.Called(jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.JobRecord), args.Error(1)
}

func (m *MockJobService) List(ctx context.Context, filter repository.JobFilter) ([]*domain.JobRecord, int64, error) {
	args := m.Called(filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.JobRecord), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) Stats(ctx context.Context) (*repository.JobStats, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.JobStats), args.Error(1)
}

func (m *MockJobService) Delete(ctx context.Context, jobID string) error {
	return m.Called(jobID).Error(0)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, jobID string) error {
	return m.Called(jobID).Error(0)
}

// setupTestRouter 设置测试路由
func setupTestRouter(t *testing.T, svc service.JobService, d Dispatcher) (*gin.Engine, string) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	uploadDir := filepath.Join(t.TempDir(), "uploads")
	h := NewJobHandler(svc, d, uploadDir, 1, logger)

	r := gin.New()
	r.POST("/api/jobs", h.CreateJob)
	r.GET("/api/jobs", h.ListJobs)
	r.GET("/api/jobs/:id", h.GetJob)
	r.GET("/api/jobs/:id/download", h.DownloadOutput)
	r.DELETE("/api/jobs/:id", h.DeleteJob)
	r.GET("/api/stats", h.GetStats)
	return r, uploadDir
}

func TestCreateJob_JSON(t *testing.T) {
	svc := new(MockJobService)
	d := new(mockDispatcher)
	r, _ := setupTestRouter(t, svc, d)

	svc.On("Submit", mock.MatchedBy(func(req service.SubmitRequest) bool {
		return req.InputPath == "/data/game-3.21.4.apk" &&
			req.Source == "api" &&
			req.Patches != nil && len(req.Patches.Patches) == 1 &&
			req.Strict != nil && !*req.Strict
	})).Return(&domain.JobRecord{ID: "job-1", Status: domain.JobStatusQueued}, nil)
	d.On("Dispatch", "job-1").Return(nil)

	body := `{"input_path":"/data/game-3.21.4.apk","strict":false,
		"patches":{"patches":[{"name":"a","patch":"nop","offsets":["0x4"]}]}}`
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var job domain.JobRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.ID)
	svc.AssertExpectations(t)
	d.AssertExpectations(t)
}

func TestCreateJob_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"bad patches", `{"input_path":"/x.apk","patches":{"patches":[{"name":"x","patch":"explode","offsets":["1"]}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockJobService)
			r, _ := setupTestRouter(t, svc, new(mockDispatcher))

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			svc.AssertNotCalled(t, "Submit", mock.Anything)
		})
	}
}

func TestCreateJob_ServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid", service.ErrInvalidRequest, http.StatusBadRequest},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockJobService)
			d := new(mockDispatcher)
			r, _ := setupTestRouter(t, svc, d)
			svc.On("Submit", mock.Anything).Return(nil, tt.err)

			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"input_path":"/x.apk"}`))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			d.AssertNotCalled(t, "Dispatch", mock.Anything)
		})
	}
}

func TestCreateJob_DispatchFailure(t *testing.T) {
	svc := new(MockJobService)
	d := new(mockDispatcher)
	r, _ := setupTestRouter(t, svc, d)
	svc.On("Submit", mock.Anything).Return(&domain.JobRecord{ID: "job-2"}, nil)
	d.On("Dispatch", "job-2").Return(errors.New("task queue is full"))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"input_path":"/x.apk"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "job-2")
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateJob_Upload(t *testing.T) {
	svc := new(MockJobService)
	d := new(mockDispatcher)
	r, uploadDir := setupTestRouter(t, svc, d)

	var saved string
	svc.On("Submit", mock.MatchedBy(func(req service.SubmitRequest) bool {
		saved = req.InputPath
		return req.InputName == "game-3.21.4.apk" &&
			req.Version == "3.21.4" &&
			req.SkipSign &&
			req.RestoreCRC != nil && *req.RestoreCRC &&
			req.BypassPairip &&
			strings.HasPrefix(req.InputPath, uploadDir)
	})).Return(&domain.JobRecord{ID: "job-3"}, nil)
	d.On("Dispatch", "job-3").Return(nil)

	body, ct := multipartBody(t, "game-3.21.4.apk", []byte("PK\x03\x04apk"), map[string]string{
		"version":       "3.21.4",
		"skip_sign":     "true",
		"restore_crc":   "1",
		"bypass_pairip": "true",
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04apk"), data)
}

func TestCreateJob_UploadRejected(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		size     int
	}{
		{"not an apk", "notes.txt", 10},
		{"too large", "big.apk", 2 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockJobService)
			r, _ := setupTestRouter(t, svc, new(mockDispatcher))

			body, ct := multipartBody(t, tt.filename, make([]byte, tt.size), nil)
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodPost, "/api/jobs", body)
			req.Header.Set("Content-Type", ct)
			r.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			svc.AssertNotCalled(t, "Submit", mock.Anything)
		})
	}
}

func TestGetJob(t *testing.T) {
	svc := new(MockJobService)
	r, _ := setupTestRouter(t, svc, new(mockDispatcher))
	svc.On("Get", "job-1").Return(&domain.JobRecord{ID: "job-1", Status: domain.JobStatusRunning}, nil)
	svc.On("Get", "missing").Return(nil, repository.ErrJobNotFound)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"running"`)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	svc := new(MockJobService)
	r, _ := setupTestRouter(t, svc, new(mockDispatcher))

	jobs := []*domain.JobRecord{{ID: "a"}, {ID: "b"}}
	svc.On("List", repository.JobFilter{
		Status:   domain.JobStatusCompleted,
		Version:  "3.21.4",
		Page:     2,
		PageSize: 20,
	}).Return(jobs, int64(22), nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/jobs?page=2&page_size=500&status=completed&version=3.21.4", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs     []domain.JobRecord `json:"jobs"`
		Total    int64              `json:"total"`
		Page     int                `json:"page"`
		PageSize int                `json:"page_size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.Equal(t, int64(22), resp.Total)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 20, resp.PageSize)
}

func TestGetStats(t *testing.T) {
	svc := new(MockJobService)
	r, _ := setupTestRouter(t, svc, new(mockDispatcher))
	svc.On("Stats").Return(&repository.JobStats{
		Total:    3,
		ByStatus: map[domain.JobStatus]int64{domain.JobStatusCompleted: 2, domain.JobStatusFailed: 1},
	}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/stats", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":3`)
	assert.Contains(t, w.Body.String(), `"completed":2`)
}

func TestDownloadOutput(t *testing.T) {
	svc := new(MockJobService)
	r, _ := setupTestRouter(t, svc, new(mockDispatcher))

	out := filepath.Join(t.TempDir(), "game_patched.apk")
	require.NoError(t, os.WriteFile(out, []byte("signed"), 0o644))
	svc.On("Get", "done").Return(&domain.JobRecord{ID: "done", Status: domain.JobStatusCompleted, OutputPath: out}, nil)
	svc.On("Get", "running").Return(&domain.JobRecord{ID: "running", Status: domain.JobStatusRunning}, nil)
	svc.On("Get", "gone").Return(&domain.JobRecord{ID: "gone", Status: domain.JobStatusCompleted, OutputPath: out + ".missing"}, nil)

	tests := []struct {
		id   string
		code int
	}{
		{"done", http.StatusOK},
		{"running", http.StatusConflict},
		{"gone", http.StatusGone},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/api/jobs/"+tt.id+"/download", nil)
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestDeleteJob(t *testing.T) {
	svc := new(MockJobService)
	r, _ := setupTestRouter(t, svc, new(mockDispatcher))
	svc.On("Delete", "job-1").Return(nil)
	svc.On("Delete", "missing").Return(repository.ErrJobNotFound)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodDelete, "/api/jobs/job-1", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodDelete, "/api/jobs/missing", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
