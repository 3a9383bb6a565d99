package worker

import (
	"context"

	"github.com/Milvasoft/milvaion-sub004/internal/contract"
)

// Recorder receives the status updates and log lines a run produces. The
// production implementation is the SQLite outbox, which persists first and
// republishes to the broker; Kick asks it to flush now.
type Recorder interface {
	RecordStatus(ctx context.Context, m contract.StatusUpdateMessage) error
	RecordLog(ctx context.Context, m contract.LogMessage) error
	Kick()
}

// StatusPublisher is the broker-facing subset the direct recorder needs.
type StatusPublisher interface {
	PublishStatusUpdate(ctx context.Context, m contract.StatusUpdateMessage) error
	PublishLog(ctx context.Context, m contract.LogMessage) error
}

// PublisherRecorder publishes straight to the broker, used when the outbox is
// disabled. A failed publish is lost; the zombie sweeper covers the gap.
type PublisherRecorder struct {
	pub StatusPublisher
}

func NewPublisherRecorder(pub StatusPublisher) *PublisherRecorder {
	return &PublisherRecorder{pub: pub}
}

func (r *PublisherRecorder) RecordStatus(ctx context.Context, m contract.StatusUpdateMessage) error {
	return r.pub.PublishStatusUpdate(ctx, m)
}

func (r *PublisherRecorder) RecordLog(ctx context.Context, m contract.LogMessage) error {
	return r.pub.PublishLog(ctx, m)
}

func (r *PublisherRecorder) Kick() {}
