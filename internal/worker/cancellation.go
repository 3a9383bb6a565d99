package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// CancellationSource is the coordination-store subset the listener needs.
type CancellationSource interface {
	SubscribeCancellations(ctx domain.Context) (<-chan domain.CancellationRequest, func(), error)
}

// CancellationListener watches the cancellation channel and cancels matching
// local runs. Every instance subscribes; requests for occurrences running
// elsewhere are ignored here and handled by their owner.
type CancellationListener struct {
	src CancellationSource
	rt  *Runtime
}

func NewCancellationListener(src CancellationSource, rt *Runtime) *CancellationListener {
	return &CancellationListener{src: src, rt: rt}
}

// Run blocks until ctx ends, resubscribing with backoff when the channel
// drops.
func (l *CancellationListener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		ch, stop, err := l.src.SubscribeCancellations(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			slog.Warn("cancellation subscribe failed",
				slog.Any("error", err),
				slog.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for req := range ch {
			observability.RecordCancellationReceived()
			if l.rt.Cancel(req.CorrelationID, req.Reason) {
				slog.Info("in-flight occurrence cancelled",
					slog.String("correlation_id", req.CorrelationID),
					slog.String("reason", req.Reason))
			}
		}
		stop()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
