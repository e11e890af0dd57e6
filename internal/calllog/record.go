// Package calllog reports one record per gateway call.
//
// Records are queued without blocking the request and written by a small
// worker pool. The Redis sink keeps per-API counters, per-minute QPS and
// per-hour latency lists, and publishes every record for downstream
// consumers. A scheduled retention job trims the hourly lists on one
// instance at a time.
package calllog

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Record describes one completed call.
type Record struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"requestId,omitempty"`
	TenantID     string    `json:"tenantId"`
	APIID        string    `json:"apiId,omitempty"`
	APIPath      string    `json:"apiPath"`
	APIMethod    string    `json:"apiMethod"`
	AppID        string    `json:"appId,omitempty"`
	AppKey       string    `json:"appKey,omitempty"`
	ClientIP     string    `json:"clientIp"`
	StatusCode   int       `json:"statusCode"`
	Success      bool      `json:"success"`
	Latency      int64     `json:"latency"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	RequestTime  time.Time `json:"requestTime"`
}

// NewRecord fills the derived fields: the id, the success flag (status
// below 400) and a default error message for failures.
func NewRecord(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TenantID == "" {
		r.TenantID = "default"
	}
	if r.RequestTime.IsZero() {
		r.RequestTime = time.Now()
	}
	r.Success = r.StatusCode >= 200 && r.StatusCode < 400
	if !r.Success && r.ErrorMessage == "" {
		r.ErrorMessage = "HTTP " + strconv.Itoa(r.StatusCode)
	}
	return r
}
