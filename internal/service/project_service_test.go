package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"indexcheck/internal/infrastructure/metrics"
	"indexcheck/internal/model"
	"indexcheck/internal/repository"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateProject(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	project, err := env.projects.CreateProject(ctx, "  Spring campaign ")
	require.NoError(t, err)
	assert.Equal(t, "Spring campaign", project.Name)
	assert.Equal(t, model.ProjectStatusIdle, project.Status)

	_, err = env.projects.CreateProject(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	page, err := env.projects.ListProjects(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, defaultPageSize, page.PageSize)
}

func TestStartProject(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 80)

		result, err := env.projects.StartProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, &StartResult{
			ProjectID:       project.ID,
			URLCount:        80,
			CreditsReserved: 800,
			Status:          model.ProjectStatusQueued,
		}, result)

		p := env.project(t, project.ID)
		assert.Equal(t, model.ProjectStatusQueued, p.Status)
		assert.Equal(t, int64(80), p.TotalURLs)
		assert.Equal(t, int64(800), p.CreditsReserved)
		assert.NotNil(t, p.StartedAt)
		assert.Nil(t, p.CompletedAt)

		var queued int64
		require.NoError(t, env.db.Model(&model.URL{}).
			Where("project_id = ? AND status = ?", project.ID, model.URLStatusQueued).
			Count(&queued).Error)
		assert.Equal(t, int64(80), queued)

		var msgs []model.OutboxMessage
		require.NoError(t, env.db.Where("message_key = ?", project.ID).Order("id ASC").Find(&msgs).Error)
		require.Len(t, msgs, 4)
		seen := 0
		for _, msg := range msgs {
			assert.Equal(t, env.cfg.Kafka.Topic.CheckJobs, msg.Topic)
			var job model.CheckJob
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &job))
			assert.Equal(t, project.ID, job.ProjectID)
			seen += len(job.URLIDs)
		}
		assert.Equal(t, 80, seen)

		assert.Equal(t, int64(200), env.ledger(t).Available())
	})

	t.Run("Project Not Found", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		_, err := env.projects.StartProject(ctx, "PRJ-missing")
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})

	t.Run("Invalid State Leaves Ledger Untouched", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 10)
		_, err := env.projects.StartProject(ctx, project.ID)
		require.NoError(t, err)
		version := env.ledger(t).Version

		_, err = env.projects.StartProject(ctx, project.ID)
		require.ErrorIs(t, err, ErrInvalidState)
		var stateErr *InvalidStateError
		require.True(t, errors.As(err, &stateErr))
		assert.Equal(t, model.ProjectStatusQueued, stateErr.Current)

		assert.Equal(t, version, env.ledger(t).Version)
	})

	t.Run("No Pending URLs", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 0)

		_, err := env.projects.StartProject(ctx, project.ID)
		assert.ErrorIs(t, err, ErrNoPendingURLs)
	})

	t.Run("Insufficient Credits", func(t *testing.T) {
		env := newTestEnv(t, 500)
		project := env.newProject(t, 80)

		_, err := env.projects.StartProject(ctx, project.ID)
		var insufficient *InsufficientCreditsError
		require.True(t, errors.As(err, &insufficient))
		assert.Equal(t, int64(800), insufficient.Required)
		assert.Equal(t, int64(500), insufficient.Available)
		assert.Equal(t, int64(300), insufficient.Shortfall)
		assert.Equal(t, int64(50), insufficient.MaxURLsAllowed)

		ledger := env.ledger(t)
		assert.Equal(t, int64(0), ledger.ReservedCredits)
		assert.Equal(t, 0, ledger.Version)
		assert.Equal(t, model.ProjectStatusImported, env.project(t, project.ID).Status)
	})
}

func TestStartProject_StartStatuses(t *testing.T) {
	ctx := context.Background()

	t.Run("Idle Only", func(t *testing.T) {
		env := newTestEnv(t, 1000, model.ProjectStatusIdle)

		imported := env.newProject(t, 5)
		_, err := env.projects.StartProject(ctx, imported.ID)
		assert.ErrorIs(t, err, ErrInvalidState)

		idle := env.newProject(t, 0)
		env.insertPendingURLs(t, idle.ID, 5)
		result, err := env.projects.StartProject(ctx, idle.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), result.URLCount)
	})

	t.Run("Imported Only", func(t *testing.T) {
		env := newTestEnv(t, 1000, model.ProjectStatusImported)

		idle := env.newProject(t, 0)
		env.insertPendingURLs(t, idle.ID, 5)
		_, err := env.projects.StartProject(ctx, idle.ID)
		assert.ErrorIs(t, err, ErrInvalidState)

		imported := env.newProject(t, 5)
		result, err := env.projects.StartProject(ctx, imported.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(50), result.CreditsReserved)
	})

	t.Run("Statuses That Cannot Queue Are Ignored", func(t *testing.T) {
		env := newTestEnv(t, 1000, model.ProjectStatusCompleted, model.ProjectStatusImported)
		_, ok := env.projects.startStatuses[model.ProjectStatusCompleted]
		assert.False(t, ok)
		_, ok = env.projects.startStatuses[model.ProjectStatusImported]
		assert.True(t, ok)
	})
}

func TestStartProject_Compensation(t *testing.T) {
	ctx := context.Background()
	queuesProject := func(values map[string]interface{}) bool {
		return values["status"] == model.ProjectStatusQueued
	}

	t.Run("Reservation Released When Queueing Fails", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 40)
		before := env.ledger(t).ReservedCredits
		failUpdates(t, env.db, "test:fail_queue", "project", queuesProject)

		_, err := env.projects.StartProject(ctx, project.ID)
		require.ErrorIs(t, err, ErrTransactionFailed)

		assert.Equal(t, before, env.ledger(t).ReservedCredits)
		p := env.project(t, project.ID)
		assert.Equal(t, model.ProjectStatusImported, p.Status)
		assert.Equal(t, int64(0), p.CreditsReserved)

		logs := env.logs(t, project.ID)
		require.Len(t, logs, 2)
		assert.Equal(t, model.CreditOperationReservation, logs[0].Operation)
		assert.Equal(t, model.CreditOperationRelease, logs[1].Operation)
		assert.Equal(t, int64(-400), logs[1].Amount)

		var pendingMsgs int64
		require.NoError(t, env.db.Model(&model.OutboxMessage{}).Count(&pendingMsgs).Error)
		assert.Equal(t, int64(0), pendingMsgs)
		env.alerts.AssertNotCalled(t, "CompensationFailed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Failed Compensation Is Alerted", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 40)
		failUpdates(t, env.db, "test:fail_queue", "project", queuesProject)
		failUpdates(t, env.db, "test:fail_release", "credit_reservation", func(map[string]interface{}) bool { return true })
		env.alerts.On("CompensationFailed", mock.Anything, project.ID, "start", mock.Anything).Once()
		failuresBefore := testutil.ToFloat64(metrics.CompensationFailures)

		_, err := env.projects.StartProject(ctx, project.ID)
		require.ErrorIs(t, err, ErrTransactionFailed)
		assert.ErrorContains(t, err, errInjected.Error())

		env.alerts.AssertExpectations(t)
		assert.Equal(t, failuresBefore+1, testutil.ToFloat64(metrics.CompensationFailures))
		assert.Equal(t, int64(400), env.ledger(t).ReservedCredits)
	})
}

func TestCancelProject(t *testing.T) {
	ctx := context.Background()

	t.Run("Example Scenario", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 80)

		f, err := env.credits.CheckFeasibility(ctx, 80)
		require.NoError(t, err)
		assert.Equal(t, int64(100), f.MaxURLsAllowed)

		_, err = env.projects.StartProject(ctx, project.ID)
		require.NoError(t, err)
		balance, err := env.credits.GetBalance(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(200), balance.Available)

		require.NoError(t, env.credits.Consume(ctx, project.ID, 1))
		ledger := env.ledger(t)
		assert.Equal(t, int64(10), ledger.UsedCredits)
		assert.Equal(t, int64(790), ledger.ReservedCredits)

		result, err := env.projects.CancelProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(790), result.ReleasedCredits)
		assert.Equal(t, model.ProjectStatusFailed, result.Status)

		balance, err = env.credits.GetBalance(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(10), balance.Used)
		assert.Equal(t, int64(0), balance.Reserved)
		assert.Equal(t, int64(990), balance.Available)

		p := env.project(t, project.ID)
		assert.Equal(t, model.ProjectStatusFailed, p.Status)
		assert.NotNil(t, p.CompletedAt)

		var failed []model.URL
		require.NoError(t, env.db.Where("project_id = ? AND status = ?", project.ID, model.URLStatusFailed).Find(&failed).Error)
		assert.Len(t, failed, 80)
		assert.Equal(t, cancelErrorMessage, failed[0].ErrorMessage)
	})

	t.Run("Invalid State", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 3)

		_, err := env.projects.CancelProject(ctx, project.ID)
		var stateErr *InvalidStateError
		require.True(t, errors.As(err, &stateErr))
		assert.Equal(t, model.ProjectStatusImported, stateErr.Current)
	})

	t.Run("Project Not Found", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		_, err := env.projects.CancelProject(ctx, "PRJ-missing")
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})

	t.Run("Failed Release Still Cancels", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 3)
		_, err := env.projects.StartProject(ctx, project.ID)
		require.NoError(t, err)

		failUpdates(t, env.db, "test:fail_release", "credit_reservation", func(map[string]interface{}) bool { return true })
		env.alerts.On("CompensationFailed", mock.Anything, project.ID, "cancel", mock.Anything).Once()

		result, err := env.projects.CancelProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), result.ReleasedCredits)
		env.alerts.AssertExpectations(t)

		p := env.project(t, project.ID)
		assert.Equal(t, model.ProjectStatusFailed, p.Status)
		assert.Equal(t, int64(30), p.CreditsReserved)
		assert.Equal(t, int64(30), env.ledger(t).ReservedCredits)
		assert.Len(t, env.logs(t, project.ID), 1)
	})

	t.Run("Nothing Released When Project Finishes First", func(t *testing.T) {
		env := newTestEnv(t, 1000)
		project := env.newProject(t, 3)
		_, err := env.projects.StartProject(ctx, project.ID)
		require.NoError(t, err)

		// A check result completes the project between the unlocked status
		// read and the locked re-check inside the cancel transaction.
		completed := false
		err = env.db.Callback().Query().Before("gorm:query").Register("test:complete_first", func(tx *gorm.DB) {
			if completed || tx.Statement.Table != "project" {
				return
			}
			if _, locked := tx.Statement.Clauses["FOR"]; !locked {
				return
			}
			completed = true
			tx.Session(&gorm.Session{NewDB: true}).
				Exec("UPDATE project SET status = ? WHERE id = ?", model.ProjectStatusCompleted, project.ID)
		})
		require.NoError(t, err)

		_, err = env.projects.CancelProject(ctx, project.ID)
		var stateErr *InvalidStateError
		require.True(t, errors.As(err, &stateErr))
		assert.Equal(t, model.ProjectStatusCompleted, stateErr.Current)
		assert.True(t, completed)

		assert.Equal(t, int64(30), env.ledger(t).ReservedCredits)
		logs := env.logs(t, project.ID)
		require.Len(t, logs, 1)
		assert.Equal(t, model.CreditOperationReservation, logs[0].Operation)
	})
}

func TestMarkProcessingAndComplete(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	project := env.newProject(t, 4)

	_, err := env.projects.Complete(ctx, project.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = env.projects.StartProject(ctx, project.ID)
	require.NoError(t, err)
	require.NoError(t, env.projects.MarkProcessing(ctx, project.ID))
	assert.ErrorIs(t, env.projects.MarkProcessing(ctx, project.ID), ErrInvalidState)

	released, err := env.projects.Complete(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), released)

	p := env.project(t, project.ID)
	assert.Equal(t, model.ProjectStatusCompleted, p.Status)
	assert.Equal(t, int64(0), p.CreditsReserved)
	assert.Equal(t, int64(0), env.ledger(t).ReservedCredits)
}

func TestGetProjectAndListURLs(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	project := env.newProject(t, 8)

	detail, err := env.projects.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), detail.URLStats[model.URLStatusPending])
	assert.Len(t, detail.Domains, 4)

	page, err := env.projects.ListURLs(ctx, project.ID, repository.URLQuery{Page: 1, PageSize: 5, SortBy: "url"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), page.Total)
	assert.Len(t, page.Items, 5)

	page, err = env.projects.ListURLs(ctx, project.ID, repository.URLQuery{Search: "site1."})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	_, err = env.projects.ListURLs(ctx, project.ID, repository.URLQuery{IndexedFilter: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.projects.GetProject(ctx, "PRJ-missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	_, err = env.projects.StartProject(ctx, project.ID)
	require.NoError(t, err)
	var first model.URL
	require.NoError(t, env.db.Where("project_id = ?", project.ID).Order("id ASC").First(&first).Error)
	_, err = env.checks.RecordResult(ctx, model.CheckResult{URLID: first.ID, IsIndexed: boolPtr(true)})
	require.NoError(t, err)

	detail, err = env.projects.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), detail.IndexedURLs)
	assert.Equal(t, int64(7), detail.Remaining)
	assert.Equal(t, int64(1), detail.PendingJobs)
	require.Len(t, detail.Reservations, 1)
	assert.Equal(t, int64(80), detail.Reservations[0].Amount)
	assert.Equal(t, int64(70), detail.Reservations[0].Remaining)
	assert.Equal(t, model.ReservationStatusActive, detail.Reservations[0].Status)
}

func TestReconcileReservations(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	stranded := env.newProject(t, 0)
	_, err := env.credits.Reserve(ctx, stranded.ID, 5)
	require.NoError(t, err)

	running := env.newProject(t, 3)
	_, err = env.projects.StartProject(ctx, running.ID)
	require.NoError(t, err)

	reconciled, err := env.projects.ReconcileReservations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reconciled)

	assert.Equal(t, int64(0), env.project(t, stranded.ID).CreditsReserved)
	assert.Equal(t, int64(30), env.project(t, running.ID).CreditsReserved)
	assert.Equal(t, int64(30), env.ledger(t).ReservedCredits)

	reconciled, err = env.projects.ReconcileReservations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, reconciled)
}
