package client

import "time"

// StartRequest overrides launch defaults; zero fields keep them.
type StartRequest struct {
	Port             int      `json:"port,omitempty"`
	PythonExecutable string   `json:"pythonExecutable,omitempty"`
	WorkingDir       string   `json:"workingDir,omitempty"`
	Args             []string `json:"args,omitempty"`
	Env              []string `json:"env,omitempty"`
	UseNotebook      *bool    `json:"useNotebook,omitempty"`
	OpenFile         string   `json:"openFile,omitempty"`
}

// Status mirrors GET /status.
type Status struct {
	Running       bool       `json:"running"`
	State         string     `json:"state"`
	PID           int        `json:"pid,omitempty"`
	Port          int        `json:"port,omitempty"`
	URL           string     `json:"url,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	UptimeSeconds float64    `json:"uptimeSeconds,omitempty"`
	RestartCount  int        `json:"restartCount"`
	LastError     string     `json:"lastError,omitempty"`
	CPUPercent    float64    `json:"cpuPercent,omitempty"`
	RSSBytes      uint64     `json:"rssBytes,omitempty"`
	Seq           uint64     `json:"seq"`
}

// Result is the reply to start, stop and restart.
type Result struct {
	Success   bool   `json:"success"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

type Health struct {
	OK bool `json:"ok"`
}

type PythonInfo struct {
	Executable string `json:"executable"`
	Version    string `json:"version"`
	Prefix     string `json:"prefix"`
	JupyterLab string `json:"jupyterlab,omitempty"`
	Notebook   string `json:"notebook,omitempty"`
}

type detectResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Info    *PythonInfo `json:"info,omitempty"`
}

type configResponse struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
