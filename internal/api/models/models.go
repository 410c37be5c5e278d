package models

import "github.com/smazurov/v4lstream/internal/capture"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-01T00:00:00Z" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go runtime version"`
	Platform  string `json:"platform" example:"linux/arm64" doc:"Operating system and architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// Stream models
type StreamListData struct {
	Streams []capture.Status `json:"streams" doc:"Configured streams"`
	Count   int              `json:"count" example:"1" doc:"Number of streams"`
}

type StreamListResponse struct {
	Body StreamListData
}

type StreamRequest struct {
	Device string `query:"device" required:"true" example:"/dev/video0" doc:"Device node of the stream"`
}

type StreamResponse struct {
	Body capture.Status
}

// Logging models
type LoggingData struct {
	Level   string            `json:"level" example:"info" enum:"debug,info,warn,error" doc:"Global log level"`
	Modules map[string]string `json:"modules,omitempty" doc:"Per-module log levels"`
}

type LoggingResponse struct {
	Body LoggingData
}

type LoggingRequest struct {
	Body LoggingData
}
