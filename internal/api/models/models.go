// Package models defines the request and response bodies of the HTTP API.
package models

// HealthData represents the health check payload.
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

// HealthResponse wraps HealthData for Huma.
type HealthResponse struct {
	Body HealthData
}

// VersionData represents version and build information.
type VersionData struct {
	Version   string `json:"version" example:"1.2.3" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc123" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go runtime version"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Target platform"`
}

// VersionResponse wraps VersionData for Huma.
type VersionResponse struct {
	Body VersionData
}

// StatusData is the supervisor status payload.
type StatusData struct {
	State        string `json:"state" example:"connected" doc:"Connection state: not_running, connected, suspended"`
	Generation   uint64 `json:"generation" example:"3" doc:"Current worker generation"`
	Pid          int    `json:"pid,omitempty" example:"4242" doc:"Worker process ID, absent in co-located mode"`
	InProcess    bool   `json:"in_process" doc:"Whether the worker is co-located in this process"`
	FastRespawns int    `json:"fast_respawns" doc:"Crash respawns inside the current crash-loop window"`
	LastRespawn  string `json:"last_respawn,omitempty" example:"2025-01-27T10:30:00Z" doc:"Timestamp of the last crash respawn"`
}

// StatusResponse wraps StatusData for Huma.
type StatusResponse struct {
	Body StatusData
}

// RespawnData reports the result of an explicit respawn request.
type RespawnData struct {
	Generation uint64 `json:"generation" example:"4" doc:"Generation of the freshly spawned worker"`
	Pid        int    `json:"pid,omitempty" example:"4343" doc:"PID of the new worker process"`
}

// RespawnResponse wraps RespawnData for Huma.
type RespawnResponse struct {
	Body RespawnData
}
