//go:build integration

// Package integration spins up real Postgres and Redis containers and runs
// the store and coordination adapters against them. Build with
// `-tags integration`; the docker daemon must be reachable.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/kv/redis"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/store/postgres"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "milvaion",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/milvaion?sslmode=disable", host, port.Port())
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

// TestPostgresStores_JobOccurrenceFailedChain walks one job through a full
// chain against a real database: definition, queued occurrence, transitions,
// logs, and the dead-letter projection.
func TestPostgresStores_JobOccurrenceFailedChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dsn := startPostgres(t, ctx)

	pool, err := postgres.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	jobs := postgres.NewJobStore(pool)
	occurrences := postgres.NewOccurrenceStore(pool)
	failed := postgres.NewFailedOccurrenceStore(pool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := domain.Job{
		ID:             domain.NewJobID(),
		Name:           "integration-chain",
		WorkerID:       "it-worker",
		HandlerName:    "Sleep1s",
		CronExpression: "*/5 * * * * *",
		IsActive:       true,
		Policy:         domain.PolicySkip,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, jobs.Create(ctx, job))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.Name, got.Name)
	require.True(t, got.IsActive)

	active := true
	listed, err := jobs.List(ctx, domain.JobFilter{IsActive: &active, Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	occ := domain.Occurrence{
		ID:          domain.NewOccurrenceID(),
		JobID:       job.ID,
		WorkerID:    job.WorkerID,
		HandlerName: job.HandlerName,
		JobVersion:  job.Version,
		Status:      domain.OccurrenceQueued,
		StatusHistory: []domain.StatusChange{
			{Status: domain.OccurrenceQueued, At: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, occurrences.Create(ctx, occ))

	n, err := occurrences.CountNonTerminal(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	started := now.Add(time.Second)
	_, applied, err := occurrences.ApplyStatus(ctx, domain.StatusUpdate{
		OccurrenceID: occ.ID,
		Status:       domain.OccurrenceRunning,
		StartedAt:    &started,
		At:           started,
	})
	require.NoError(t, err)
	require.True(t, applied)

	ended := started.Add(2 * time.Second)
	exc := "simulated transient failure"
	final, applied, err := occurrences.ApplyStatus(ctx, domain.StatusUpdate{
		OccurrenceID: occ.ID,
		Status:       domain.OccurrenceFailed,
		EndedAt:      &ended,
		Exception:    &exc,
		At:           ended,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, domain.OccurrenceFailed, final.Status)
	require.NotNil(t, final.DurationMs)
	require.EqualValues(t, 2000, *final.DurationMs)
	require.Len(t, final.StatusHistory, 3)

	// Re-applying the same terminal update is a no-op, not an error.
	again, applied, err := occurrences.ApplyStatus(ctx, domain.StatusUpdate{
		OccurrenceID: occ.ID,
		Status:       domain.OccurrenceFailed,
		EndedAt:      &ended,
		At:           ended,
	})
	require.NoError(t, err)
	require.False(t, applied)
	require.Len(t, again.StatusHistory, 3)

	require.NoError(t, occurrences.AppendLog(ctx, domain.OccurrenceLog{
		OccurrenceID: occ.ID,
		Timestamp:    started,
		Level:        "Error",
		Message:      "handler failed",
	}))
	logs, err := occurrences.ListLogs(ctx, occ.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "handler failed", logs[0].Message)

	fail := domain.FailedOccurrence{
		ID:           domain.NewOccurrenceID(),
		JobID:        job.ID,
		OccurrenceID: occ.ID,
		Exception:    exc,
		RetryCount:   3,
		FailureType:  domain.FailureMaxRetriesExceeded,
		CreatedAt:    ended,
	}
	require.NoError(t, failed.Create(ctx, fail))

	open, err := failed.List(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, failed.Resolve(ctx, fail.ID, "handled in integration test"))
	open, err = failed.List(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Empty(t, open)
	resolved, err := failed.Get(ctx, fail.ID)
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	count, err := jobs.RecordFailure(ctx, job.ID, ended, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, jobs.ResetFailures(ctx, job.ID))
	got, err = jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Zero(t, got.ConsecutiveFailures)
}

// TestRedisKV_Coordination exercises the due set, locks, running markers,
// leadership, dispatcher control and the cancellation channel against a
// real Redis.
func TestRedisKV_Coordination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startRedis(t, ctx)

	kv := redis.New(config.KVConfig{
		Addr:                    addr,
		KeyPrefix:               "it:",
		ConnectTimeoutSeconds:   5,
		SyncTimeoutSeconds:      3,
		DefaultLockTTLSeconds:   30,
		BreakerFailureThreshold: 5,
		BreakerCooloffSeconds:   30,
	})
	t.Cleanup(func() { _ = kv.Close() })
	require.NoError(t, kv.Ping(ctx))

	job := domain.Job{
		ID:             domain.NewJobID(),
		Name:           "integration-due",
		WorkerID:       "it-worker",
		HandlerName:    "Sleep1s",
		CronExpression: "*/5 * * * * *",
		IsActive:       true,
		Policy:         domain.PolicySkip,
		Version:        1,
	}
	now := time.Now().UTC()

	require.NoError(t, kv.ScheduleJob(ctx, job, now))
	due, err := kv.DueJobIDs(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Contains(t, due, job.ID)

	cached, ok, err := kv.CachedJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.Name, cached.Name)

	require.NoError(t, kv.UnscheduleJob(ctx, job.ID, true))
	_, ok, err = kv.CachedJob(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)

	token, ok, err := kv.AcquireLock(ctx, "job:"+job.ID, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = kv.AcquireLock(ctx, "job:"+job.ID, 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "held lock must not be re-acquired")
	require.NoError(t, kv.ReleaseLock(ctx, "job:"+job.ID, token))
	_, ok, err = kv.AcquireLock(ctx, "job:"+job.ID, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "released lock must be free")

	occID := domain.NewOccurrenceID()
	require.NoError(t, kv.MarkRunning(ctx, job.ID, occID, time.Minute))
	gotOcc, ok, err := kv.RunningOccurrence(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, occID, gotOcc)
	require.NoError(t, kv.ClearRunning(ctx, job.ID))
	_, ok, err = kv.RunningOccurrence(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = kv.AcquireLeadership(ctx, "sched-a", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = kv.AcquireLeadership(ctx, "sched-b", 15*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "second instance must not take leadership")
	ok, err = kv.RenewLeadership(ctx, "sched-a", 15*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	disabled, err := kv.DispatcherDisabled(ctx)
	require.NoError(t, err)
	require.False(t, disabled)
	require.NoError(t, kv.SetDispatcherDisabled(ctx, true))
	disabled, err = kv.DispatcherDisabled(ctx)
	require.NoError(t, err)
	require.True(t, disabled)
	require.NoError(t, kv.SetDispatcherDisabled(ctx, false))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	reqs, stop, err := kv.SubscribeCancellations(subCtx)
	require.NoError(t, err)
	defer stop()

	want := domain.CancellationRequest{CorrelationID: occID, Reason: "integration"}
	// Pub/sub drops messages published before the subscription settles.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, kv.PublishCancellation(ctx, want))
	select {
	case got := <-reqs:
		require.Equal(t, want.CorrelationID, got.CorrelationID)
		require.Equal(t, want.Reason, got.Reason)
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation request never arrived")
	}
}
