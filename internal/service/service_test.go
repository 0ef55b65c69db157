package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"indexcheck/internal/config"
	"indexcheck/internal/infrastructure/database/databasetest"
	"indexcheck/internal/infrastructure/lock"
	"indexcheck/internal/model"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type mockAlerter struct {
	mock.Mock
}

func (m *mockAlerter) CompensationFailed(ctx context.Context, projectID, operation string, cause error) {
	m.Called(ctx, projectID, operation, cause)
}

type testEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	credits  *CreditService
	projects *ProjectService
	imports  *ImportService
	checks   *CheckService
	alerts   *mockAlerter
}

func newTestEnv(t *testing.T, total int64, startStatuses ...string) *testEnv {
	t.Helper()

	db := databasetest.NewDB(t)
	cfg := config.Defaults()
	cfg.Business.JobBatchSize = 25
	if len(startStatuses) > 0 {
		cfg.Project.StartStatuses = startStatuses
	}

	locker := lock.NewLocalLocker()
	alerts := &mockAlerter{}
	credits := NewCreditService(db, cfg)
	projects := NewProjectService(db, cfg, credits, locker, alerts)

	env := &testEnv{
		db:       db,
		cfg:      cfg,
		credits:  credits,
		projects: projects,
		imports:  NewImportService(db, locker),
		checks:   NewCheckService(db, credits, projects),
		alerts:   alerts,
	}

	if total >= 0 {
		_, err := credits.Provision(context.Background(), config.CreditConfig{
			TotalCredits:    total,
			CreditsPerCheck: 10,
		})
		require.NoError(t, err)
	}
	return env
}

func (e *testEnv) newProject(t *testing.T, urlCount int) *model.Project {
	t.Helper()
	ctx := context.Background()

	project, err := e.projects.CreateProject(ctx, "Backlinks "+t.Name())
	require.NoError(t, err)

	if urlCount > 0 {
		urls := make([]string, 0, urlCount)
		for i := 0; i < urlCount; i++ {
			urls = append(urls, fmt.Sprintf("https://site%d.example.com/post/%d", i%4, i))
		}
		result, err := e.imports.ImportURLs(ctx, project.ID, urls)
		require.NoError(t, err)
		require.EqualValues(t, urlCount, result.Imported)
	}
	return project
}

// insertPendingURLs adds URLs without going through the import flow, leaving
// the project status untouched.
func (e *testEnv) insertPendingURLs(t *testing.T, projectID string, count int) {
	t.Helper()
	rows := make([]*model.URL, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, &model.URL{
			ProjectID: projectID,
			URL:       fmt.Sprintf("https://raw.example.com/%d", i),
			Domain:    "raw.example.com",
			Status:    model.URLStatusPending,
		})
	}
	require.NoError(t, e.db.Create(&rows).Error)
}

func (e *testEnv) ledger(t *testing.T) *model.CreditConfig {
	t.Helper()
	var cfg model.CreditConfig
	require.NoError(t, e.db.Where("id = ?", model.CreditConfigID).First(&cfg).Error)
	return &cfg
}

func (e *testEnv) project(t *testing.T, id string) *model.Project {
	t.Helper()
	var p model.Project
	require.NoError(t, e.db.Where("id = ?", id).First(&p).Error)
	return &p
}

func (e *testEnv) logs(t *testing.T, projectID string) []model.CreditLog {
	t.Helper()
	var entries []model.CreditLog
	require.NoError(t, e.db.Where("project_id = ?", projectID).Order("id ASC").Find(&entries).Error)
	return entries
}

var errInjected = errors.New("injected failure")

// failUpdates makes every UPDATE on table whose column map satisfies match fail.
func failUpdates(t *testing.T, db *gorm.DB, name, table string, match func(map[string]interface{}) bool) {
	t.Helper()
	err := db.Callback().Update().Before("gorm:update").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Table != table {
			return
		}
		values, ok := tx.Statement.Dest.(map[string]interface{})
		if !ok || match(values) {
			tx.AddError(errInjected)
		}
	})
	require.NoError(t, err)
}
