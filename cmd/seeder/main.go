// Command seeder loads the demo jobs used by the walkthrough scenarios. It
// is idempotent: jobs that already exist under the same name are left alone.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/events"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/kv/redis"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/store/postgres"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
	"github.com/Milvasoft/milvaion-sub004/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seeder: %v\n", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger("milvaion-seeder", cfg.AppEnv)
	slog.SetDefault(logger)

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int(cfg.DBMaxConns))
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	kv := redis.New(cfg.KV)
	defer func() { _ = kv.Close() }()

	jobs := postgres.NewJobStore(pool)
	occurrences := postgres.NewOccurrenceStore(pool)
	maintainer := scheduler.NewMaintainer(jobs, occurrences, kv, events.NewLogNotifier(logger), cfg.Dispatcher.RejectSubMinuteCron)

	existing, err := jobs.List(ctx, domain.JobFilter{Limit: 200})
	if err != nil {
		slog.Error("job list failed", slog.Any("error", err))
		os.Exit(1)
	}
	have := make(map[string]bool, len(existing))
	for _, j := range existing {
		have[j.Name] = true
	}

	created, skipped := 0, 0
	for _, j := range demoJobs() {
		if have[j.Name] {
			skipped++
			continue
		}
		saved, err := maintainer.Create(ctx, j)
		if err != nil {
			slog.Error("seed failed", slog.String("name", j.Name), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("job seeded",
			slog.String("name", saved.Name),
			slog.String("id", saved.ID),
			slog.Bool("active", saved.IsActive))
		created++
	}
	slog.Info("seeding done", slog.Int("created", created), slog.Int("skipped", skipped))
}

// demoJobs mirrors the walkthrough scenarios. The benign ones start active;
// the failure demos are seeded inactive so an operator turns them on when
// wanted via POST /v1/jobs/{id}/activate.
func demoJobs() []domain.Job {
	return []domain.Job{
		{
			Name:           "demo-happy-cron",
			Description:    "Fires every 5s and sleeps 1s, at most one run in flight.",
			Tags:           "demo",
			WorkerID:       "default-worker",
			HandlerName:    "Sleep1s",
			CronExpression: "*/5 * * * * *",
			Policy:         domain.PolicySkip,
			IsActive:       true,
		},
		{
			Name:           "demo-skip-overrun",
			Description:    "2s cron with an 8s handler; Skip suppresses fires while one runs.",
			Tags:           "demo",
			WorkerID:       "default-worker",
			HandlerName:    "SleepSeconds",
			Payload:        `{"seconds":8}`,
			CronExpression: "*/2 * * * * *",
			Policy:         domain.PolicySkip,
			IsActive:       true,
		},
		{
			Name:           "demo-queue-backpressure",
			Description:    "Same cadence as demo-skip-overrun but queued; run the worker with WORKER_MAX_PARALLEL_JOBS=1 to watch the backlog drain serially.",
			Tags:           "demo",
			WorkerID:       "default-worker",
			HandlerName:    "SleepSeconds",
			Payload:        `{"seconds":8}`,
			CronExpression: "*/2 * * * * *",
			Policy:         domain.PolicyQueue,
			IsActive:       true,
		},
		{
			Name:           "demo-retry-dlq",
			Description:    "Always fails with a transient error; exhausts its retries and lands in the dead letter list.",
			Tags:           "demo,failure",
			WorkerID:       "default-worker",
			HandlerName:    "AlwaysFailTransient",
			CronExpression: "*/30 * * * * *",
			Policy:         domain.PolicySkip,
			IsActive:       false,
		},
		{
			Name:                    "demo-timeout",
			Description:             "Sleeps 30s against a 2s execution timeout; every run ends TimedOut.",
			Tags:                    "demo,failure",
			WorkerID:                "default-worker",
			HandlerName:             "LongSleep",
			Payload:                 `{"seconds":30}`,
			CronExpression:          "*/30 * * * * *",
			Policy:                  domain.PolicySkip,
			ExecutionTimeoutSeconds: intp(2),
			IsActive:                false,
		},
		{
			Name:                 "demo-zombie",
			Description:          "Sleeps 60s with a 1m zombie timeout; kill the worker mid-run to watch the sweeper reap it.",
			Tags:                 "demo,failure",
			WorkerID:             "default-worker",
			HandlerName:          "LongSleep",
			Payload:              `{"seconds":60}`,
			CronExpression:       "0 */2 * * * *",
			Policy:               domain.PolicySkip,
			ZombieTimeoutMinutes: intp(1),
			IsActive:             false,
		},
		{
			Name:           "demo-auto-disable",
			Description:    "Fails every 5s until three consecutive failures flip it inactive.",
			Tags:           "demo,failure",
			WorkerID:       "default-worker",
			HandlerName:    "AlwaysFailTransient",
			CronExpression: "*/5 * * * * *",
			Policy:         domain.PolicySkip,
			AutoDisable:    domain.AutoDisableSetting{Enabled: boolp(true), Threshold: intp(3)},
			IsActive:       false,
		},
	}
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }
