package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
	"github.com/Milvasoft/milvaion-sub004/internal/worker"
)

type sleepPayload struct {
	Seconds int `json:"seconds"`
}

// demoHandlers are the handlers the sample deployment ships with. Real
// fleets replace these with their own registrations.
func demoHandlers() []*worker.Handler {
	return []*worker.Handler{
		worker.NewHandler("Sleep1s", func(ctx context.Context, _ *worker.Scope, _ struct{}) error {
			return sleep(ctx, time.Second)
		}),
		worker.NewHandler("SleepSeconds", func(ctx context.Context, sc *worker.Scope, p sleepPayload) error {
			d := time.Duration(p.Seconds) * time.Second
			sc.Info(fmt.Sprintf("sleeping for %s", d))
			return sleep(ctx, d)
		}, worker.WithSchema(`{"type":"object","properties":{"seconds":{"type":"integer","minimum":0}}}`)),
		worker.NewHandler("AlwaysFailTransient", func(_ context.Context, sc *worker.Scope, _ struct{}) error {
			sc.Warn("simulated transient failure")
			return errors.New("simulated transient failure")
		}),
		worker.NewHandler("AlwaysFailPermanent", func(_ context.Context, _ *worker.Scope, _ struct{}) error {
			return domain.Permanent(errors.New("simulated permanent failure"))
		}),
		worker.NewResultHandler("Echo", func(_ context.Context, _ *worker.Scope, p json.RawMessage) (string, error) {
			return string(p), nil
		}),
		worker.NewHandler("LongSleep", func(ctx context.Context, sc *worker.Scope, p sleepPayload) error {
			d := time.Duration(p.Seconds) * time.Second
			if d <= 0 {
				d = 30 * time.Second
			}
			sc.Info(fmt.Sprintf("long sleep started, duration %s", d))
			return sleep(ctx, d)
		}),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
