// Package scheduler runs the periodic engine tasks.
//
// EventBridge rules send a TaskPayload to the engine-tasks Lambda, which
// hands it to a Runner. The job-runner CLI builds the same payload for local
// runs and backfills.
package scheduler

import "time"

// TaskType identifies the engine pass an invocation runs.
type TaskType string

const (
	TaskMatchRequests      TaskType = "match_requests"
	TaskScheduleRecipients TaskType = "schedule_recipients"
	TaskCheckCompleted     TaskType = "check_completed"
	TaskRecoverJobs        TaskType = "recover_jobs"
	TaskPurgeJobs          TaskType = "purge_jobs"
)

// Descriptions lists every task with a one-line summary.
var Descriptions = map[TaskType]string{
	TaskMatchRequests:      "Evaluate pending rules of GRANTED requests",
	TaskScheduleRecipients: "Dispatch delivery jobs for recipients with pending requests",
	TaskCheckCompleted:     "Publish SUCCESS/ERROR for requests with no outstanding work",
	TaskRecoverJobs:        "Fail crashed delivery jobs and re-arm their recipients",
	TaskPurgeJobs:          "Delete finished delivery jobs past retention",
}

// Valid reports whether t is a known task.
func (t TaskType) Valid() bool {
	_, ok := Descriptions[t]
	return ok
}

// TaskPayload is the JSON document EventBridge sends:
//
//	{
//	  "task": "recover_jobs",
//	  "tenant": "acme",                          // optional, all tenants when empty
//	  "reference_time": "2026-02-06T03:00:00Z"   // optional
//	}
type TaskPayload struct {
	Task   TaskType `json:"task"`
	Tenant string   `json:"tenant,omitempty"`
	// ReferenceTime overrides "now" for retention cutoffs. If nil,
	// time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
