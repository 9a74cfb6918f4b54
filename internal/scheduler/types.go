// Package scheduler drives everything that happens on a clock: the cron job
// registry and its built-in reminder job, the periodic task loops of the
// daemon, and the maintenance multiplexer shared by the daemon and the
// archiver Lambda.
//
// A MaintenancePayload is the JSON an EventBridge rule (or the job-runner
// tool) sends to the archiver. Its TaskType selects the routine.
package scheduler

import "time"

// TaskType identifies which maintenance routine handles a payload.
type TaskType string

const (
	TaskArchiveQueue     TaskType = "archive_queue"
	TaskPurgeDedupKeys   TaskType = "purge_dedup_keys"
	TaskTrimRuns         TaskType = "trim_runs"
	TaskReleaseStuckJobs TaskType = "release_stuck_jobs"
	TaskProcessRetries   TaskType = "process_retries"
	TaskRunCronJobs      TaskType = "run_cron_jobs"
	TaskFlushEvents      TaskType = "flush_events"
)

// AllTasks lists the maintenance tasks in the order a full sweep runs them.
var AllTasks = []TaskType{
	TaskReleaseStuckJobs,
	TaskProcessRetries,
	TaskRunCronJobs,
	TaskArchiveQueue,
	TaskPurgeDedupKeys,
	TaskTrimRuns,
	TaskFlushEvents,
}

// MaintenancePayload is the JSON payload sent to the archiver.
//
//	{
//	  "task": "archive_queue",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for backfills. Nil means the clock.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// TaskResult reports what one maintenance task did.
type TaskResult struct {
	Task     TaskType `json:"task"`
	Affected int64    `json:"affected"`
	Detail   string   `json:"detail,omitempty"`
}
