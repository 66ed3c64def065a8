package client

import (
	"fmt"
	"time"
)

// SubmitRequest asks the daemon to analyse one archive.
type SubmitRequest struct {
	ArchivePath string `json:"archive_path"`
	TestCase    string `json:"test_case"`
	Token       string `json:"token,omitempty"`
}

// SubmitResponse is returned once supervision has started.
type SubmitResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// Request mirrors the daemon's request snapshot.
type Request struct {
	Token       string    `json:"token"`
	ArchivePath string    `json:"archive_path"`
	TestCase    string    `json:"test_case"`
	Folder      string    `json:"folder"`
	Status      string    `json:"status"`
	ResultRef   string    `json:"result_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the request will not change status on its own.
func (r Request) Terminal() bool {
	switch r.Status {
	case "finished", "failed", "invalid", "deleted":
		return true
	}
	return false
}

// Usage is the latest resource sample of a running tool.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Job mirrors the daemon's supervision job snapshot.
type Job struct {
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	Instance  string    `json:"instance"`
	Tries     int       `json:"tries"`
	CreatedAt time.Time `json:"created_at"`
	Finished  bool      `json:"finished"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// RequestInfo is the GET /requests/:token payload.
type RequestInfo struct {
	Request Request `json:"request"`
	Job     *Job    `json:"job,omitempty"`
}

// Fact is one analysis finding.
type Fact struct {
	ClassName   string `json:"class_name"`
	MethodName  string `json:"method_name"`
	LineNumber  int    `json:"line_number"`
	Explanation string `json:"explanation"`
	Type        string `json:"fact_type"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
