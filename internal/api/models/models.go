// Package models holds request and response bodies of the status API.
package models

import (
	"github.com/smazurov/upscaler/internal/logging"
	"github.com/smazurov/upscaler/internal/worker"
)

// Health check models
type HealthData struct {
	Status     string `json:"status" example:"ok" doc:"Service status"`
	Message    string `json:"message" example:"Worker is healthy" doc:"Status message"`
	ActiveJobs int    `json:"active_jobs" example:"0" doc:"Queued and running jobs"`
	Observers  int    `json:"observers" example:"1" doc:"Registered progress observers"`
	Clients    int    `json:"clients" example:"1" doc:"Connected NATS clients"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"OS and architecture"`
	Protocol  int    `json:"protocol" example:"1" doc:"RPC protocol version"`
}

type VersionResponse struct {
	Body VersionData
}

// Worker models
type StatusResponse struct {
	Body worker.Status
}

type JobsData struct {
	Jobs  []worker.JobRecord `json:"jobs" doc:"Recent jobs, newest first"`
	Count int                `json:"count" example:"3" doc:"Number of jobs returned"`
}

type JobsRequest struct {
	State string `query:"state" enum:"queued,running,succeeded,failed" doc:"Only return jobs in this state"`
}

type JobsResponse struct {
	Body JobsData
}

type JobRequest struct {
	ID string `path:"id" maxLength:"64" example:"01J9Z8X7T6D5K4M3N2P1Q0R9S8" doc:"Job identifier"`
}

type JobResponse struct {
	Body worker.JobRecord
}

// Log models
type LogsRequest struct {
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" default:"100" doc:"Maximum number of entries, 0 for all"`
	Module string `query:"module" example:"supervisor" doc:"Only return entries from this module"`
}

type LogsData struct {
	Entries []logging.Entry `json:"entries" doc:"Log entries, oldest first"`
	Count   int             `json:"count" example:"100" doc:"Number of entries returned"`
}

type LogsResponse struct {
	Body LogsData
}
