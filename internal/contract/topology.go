// Package contract defines the wire contract between scheduler and workers:
// broker topology names and the JSON envelopes both sides exchange.
package contract

// Broker topology. Names are part of the cross-process contract and must not
// change without coordinating every deployed worker.
const (
	ExchangeJobs = "jobs.topic"
	ExchangeDLX  = "dlx_scheduled_jobs"

	QueueScheduledJobs      = "scheduled_jobs_queue"
	QueueWorkerLogs         = "worker_logs_queue"
	QueueWorkerHeartbeat    = "worker_heartbeat_queue"
	QueueWorkerRegistration = "worker_registration_queue"
	QueueJobStatusUpdates   = "job_status_updates_queue"
	QueueFailedJobs         = "failed_jobs_queue"

	RoutingKeyFailedJobs   = "failed_jobs"
	RoutingKeyStatus       = "job.status"
	RoutingKeyLogs         = "worker.logs"
	RoutingKeyHeartbeat    = "worker.heartbeat"
	RoutingKeyRegistration = "worker.registration"

	// Dispatch keys live under job.scheduled.*; the shared jobs queue binds
	// the wildcard and per-consumer queues bind their own concrete patterns.
	RoutingKeyJobsWildcard = "job.scheduled.#"
	routingKeyJobsPrefix   = "job.scheduled."
)

// JobRoutingKey is the default dispatch key for a worker fleet id.
func JobRoutingKey(workerID string) string {
	if workerID == "" {
		return routingKeyJobsPrefix + "default"
	}
	return routingKeyJobsPrefix + workerID
}

// ConsumerQueueName names the queue a custom consumer binds. The default
// pattern consumes the shared scheduled jobs queue.
func ConsumerQueueName(consumerID string) string {
	if consumerID == "" {
		return QueueScheduledJobs
	}
	return QueueScheduledJobs + "." + consumerID
}
