package protocol

import (
	"strings"
	"time"
)

// OSKind is the coarse operating system family of a client.
type OSKind string

const (
	OSLinux   OSKind = "Linux"
	OSWindows OSKind = "Windows"
	OSOther   OSKind = "Other"
)

// OSKindFromGOOS maps a runtime.GOOS value to an OSKind.
func OSKindFromGOOS(goos string) OSKind {
	switch goos {
	case "linux":
		return OSLinux
	case "windows":
		return OSWindows
	default:
		return OSOther
	}
}

// Registration is what a client announces about itself when it (re)joins.
type Registration struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	OSKind      OSKind `json:"os_kind"`
	OSVersion   string `json:"os_version,omitempty"`
}

type Heartbeat struct {
	ClientID  string    `json:"client_id"`
	Timestamp time.Time `json:"timestamp"`
}

type CommandRequest struct {
	CommandLine string `json:"command_line"`
}

// CommandResponse is the outcome of running a command line on a client.
// A command that ran but failed is still a successful round trip: Success is false
// and ExitCode, Stderr and Error describe what went wrong.
type CommandResponse struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// SysInfo is the host description collected by a client. The protocol only transports it.
type SysInfo struct {
	Hostname         string `json:"hostname"`
	Username         string `json:"username"`
	OS               string `json:"os"`
	OSVersion        string `json:"os_version,omitempty"`
	Kernel           string `json:"kernel,omitempty"`
	Arch             string `json:"arch"`
	CPUs             int    `json:"cpus"`
	MemoryTotalBytes uint64 `json:"memory_total_bytes,omitempty"`
	UptimeSeconds    int64  `json:"uptime_seconds,omitempty"`
}

// LogLevel is the severity of a log_request.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// ParseLogLevel accepts the level names case-insensitively; "warn" is an alias for warning.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LogDebug, true
	case "info":
		return LogInfo, true
	case "warn", "warning":
		return LogWarning, true
	case "error":
		return LogError, true
	}
	return "", false
}

type LogRequest struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// Ack answers requests that have no payload of their own (shutdown, log).
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
