package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"indexcheck/internal/config"
	"indexcheck/internal/infrastructure/database/databasetest"
	"indexcheck/internal/infrastructure/lock"
	"indexcheck/internal/model"
	"indexcheck/internal/service"
	"indexcheck/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, total int64) *gin.Engine {
	t.Helper()

	db := databasetest.NewDB(t)
	cfg := config.Defaults()
	locker := lock.NewLocalLocker()

	credits := service.NewCreditService(db, cfg)
	if total >= 0 {
		_, err := credits.Provision(context.Background(), config.CreditConfig{TotalCredits: total, CreditsPerCheck: 10})
		require.NoError(t, err)
	}
	projects := service.NewProjectService(db, cfg, credits, locker, nil)
	imports := service.NewImportService(db, locker)
	checks := service.NewCheckService(db, credits, projects)

	r := SetupRouter(NewHandler(credits, projects, imports, checks))
	gin.SetMode(gin.TestMode)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) envelope {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func createProject(t *testing.T, r *gin.Engine, urlCount int) string {
	t.Helper()

	resp := doJSON(t, r, http.MethodPost, "/api/v1/projects", gin.H{"name": "Launch"})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var project model.Project
	require.NoError(t, json.Unmarshal(resp.Data, &project))

	if urlCount > 0 {
		urls := make([]string, 0, urlCount)
		for i := 0; i < urlCount; i++ {
			urls = append(urls, fmt.Sprintf("https://blog.example.com/%d", i))
		}
		resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+project.ID+"/urls", gin.H{"urls": urls})
		require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	}
	return project.ID
}

func TestCreditsEndpoints(t *testing.T) {
	r := newTestRouter(t, 1000)

	resp := doJSON(t, r, http.MethodGet, "/api/v1/credits/balance", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var balance service.Balance
	require.NoError(t, json.Unmarshal(resp.Data, &balance))
	assert.Equal(t, int64(1000), balance.Available)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/credits/check?url_count=80", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var f service.Feasibility
	require.NoError(t, json.Unmarshal(resp.Data, &f))
	assert.Equal(t, int64(800), f.Required)
	assert.Equal(t, int64(100), f.MaxURLsAllowed)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/credits/check?url_count=abc", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/credits/history?limit=-1", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestBalance_ConfigMissing(t *testing.T) {
	r := newTestRouter(t, -1)

	resp := doJSON(t, r, http.MethodGet, "/api/v1/credits/balance", nil)
	assert.Equal(t, response.CodeConfigMissing, resp.Code)
}

func TestStartAndCancelFlow(t *testing.T) {
	r := newTestRouter(t, 1000)
	projectID := createProject(t, r, 80)

	resp := doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/start", nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var started service.StartResult
	require.NoError(t, json.Unmarshal(resp.Data, &started))
	assert.Equal(t, int64(800), started.CreditsReserved)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/start", nil)
	assert.Equal(t, response.CodeInvalidState, resp.Code)
	var stateErr service.InvalidStateError
	require.NoError(t, json.Unmarshal(resp.Data, &stateErr))
	assert.Equal(t, model.ProjectStatusQueued, stateErr.Current)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/cancel", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var cancelled service.CancelResult
	require.NoError(t, json.Unmarshal(resp.Data, &cancelled))
	assert.Equal(t, int64(800), cancelled.ReleasedCredits)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/credits/history?project_id="+projectID, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var history struct {
		List []map[string]interface{} `json:"list"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	assert.Len(t, history.List, 2)
}

func TestStart_InsufficientCreditsCarriesNumbers(t *testing.T) {
	r := newTestRouter(t, 500)
	projectID := createProject(t, r, 80)

	resp := doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/start", nil)
	require.Equal(t, response.CodeInsufficientCredits, resp.Code)

	var detail service.InsufficientCreditsError
	require.NoError(t, json.Unmarshal(resp.Data, &detail))
	assert.Equal(t, service.InsufficientCreditsError{Required: 800, Available: 500, Shortfall: 300, MaxURLsAllowed: 50}, detail)
}

func TestProjectEndpoints(t *testing.T) {
	r := newTestRouter(t, 1000)

	resp := doJSON(t, r, http.MethodPost, "/api/v1/projects", gin.H{})
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/projects/PRJ-missing", nil)
	assert.Equal(t, response.CodeProjectNotFound, resp.Code)

	projectID := createProject(t, r, 0)
	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/start", nil)
	assert.Equal(t, response.CodeNoPendingURLs, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/urls", gin.H{"urls": []string{"a.example.com/x", "ftp://nope"}})
	require.Equal(t, response.CodeSuccess, resp.Code)
	var imported service.ImportResult
	require.NoError(t, json.Unmarshal(resp.Data, &imported))
	assert.Equal(t, int64(1), imported.Imported)
	assert.Equal(t, int64(1), imported.Invalid)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/projects/"+projectID+"/urls?indexed=all&order=asc", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var urls service.URLPage
	require.NoError(t, json.Unmarshal(resp.Data, &urls))
	assert.Equal(t, int64(1), urls.Total)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/projects?page=1&page_size=10", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	var projects service.ProjectPage
	require.NoError(t, json.Unmarshal(resp.Data, &projects))
	assert.Equal(t, int64(1), projects.Total)
}

func TestExternalTransitions(t *testing.T) {
	r := newTestRouter(t, 1000)
	projectID := createProject(t, r, 4)

	resp := doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/complete", nil)
	assert.Equal(t, response.CodeInvalidState, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/start", nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/processing", nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var processing struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &processing))
	assert.Equal(t, model.ProjectStatusProcessing, processing.Status)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/processing", nil)
	assert.Equal(t, response.CodeInvalidState, resp.Code)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/complete", nil)
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var completed struct {
		Status          string `json:"status"`
		ReleasedCredits int64  `json:"released_credits"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &completed))
	assert.Equal(t, model.ProjectStatusCompleted, completed.Status)
	assert.Equal(t, int64(40), completed.ReleasedCredits)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/credits/balance", nil)
	var balance service.Balance
	require.NoError(t, json.Unmarshal(resp.Data, &balance))
	assert.Equal(t, int64(1000), balance.Available)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/projects/PRJ-missing/processing", nil)
	assert.Equal(t, response.CodeProjectNotFound, resp.Code)
}

func TestRecordCheckResult(t *testing.T) {
	r := newTestRouter(t, 1000)
	projectID := createProject(t, r, 1)

	resp := doJSON(t, r, http.MethodPost, "/api/v1/projects/"+projectID+"/start", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)

	resp = doJSON(t, r, http.MethodGet, "/api/v1/projects/"+projectID+"/urls", nil)
	var urls service.URLPage
	require.NoError(t, json.Unmarshal(resp.Data, &urls))
	require.Len(t, urls.Items, 1)

	indexed := true
	resp = doJSON(t, r, http.MethodPost, "/api/v1/checks/result", model.CheckResult{URLID: urls.Items[0].ID, IsIndexed: &indexed})
	require.Equal(t, response.CodeSuccess, resp.Code, resp.Message)
	var outcome service.RecordOutcome
	require.NoError(t, json.Unmarshal(resp.Data, &outcome))
	assert.True(t, outcome.ProjectCompleted)
	assert.Equal(t, int64(10), outcome.CreditsConsumed)

	resp = doJSON(t, r, http.MethodPost, "/api/v1/checks/result", model.CheckResult{URLID: 12345, IsIndexed: &indexed})
	assert.Equal(t, response.CodeURLNotFound, resp.Code)
}

func TestRequestIDAndHealth(t *testing.T) {
	r := newTestRouter(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}
