package domain

import (
	"time"
)

// Analysis is a persisted analysis run.
type Analysis struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenantId"`
	Status      string           `json:"status"`
	InputDigest string           `json:"inputDigest"`
	CreatedAt   time.Time        `json:"createdAt"`
	Summary     *Summary         `json:"summary,omitempty"`
	Report      *Report          `json:"report,omitempty"`
	Rejected    []RejectedRecord `json:"rejected"`
	Error       string           `json:"error,omitempty"`
}

// Analysis status constants
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// AnalysisRequest is the payload of an analysis request event.
type AnalysisRequest struct {
	AnalysisID   string           `json:"analysisId"`
	TenantID     string           `json:"tenantId"`
	Transactions []Transaction    `json:"transactions"`
	Rejected     []RejectedRecord `json:"rejected,omitempty"`
	TraceID      string           `json:"traceId,omitempty"`
}

// AnalysisEvent is published when an analysis finishes.
type AnalysisEvent struct {
	AnalysisID          string  `json:"analysisId"`
	TenantID            string  `json:"tenantId"`
	Status              string  `json:"status"`
	FlaggedAccountCount int     `json:"flaggedAccountCount"`
	RingCount           int     `json:"ringCount"`
	ProcessingSeconds   float64 `json:"processingSeconds"`
	Error               string  `json:"error,omitempty"`
}

// Event summarizes the analysis for lifecycle events and replies.
func (a *Analysis) Event() AnalysisEvent {
	ev := AnalysisEvent{
		AnalysisID: a.ID,
		TenantID:   a.TenantID,
		Status:     a.Status,
		Error:      a.Error,
	}
	if a.Report != nil {
		ev.FlaggedAccountCount = a.Report.Summary.FlaggedAccountCount
		ev.RingCount = a.Report.Summary.RingCount
		ev.ProcessingSeconds = a.Report.Summary.ProcessingSeconds
	}
	return ev
}

// RingEvent is published once per detected fraud ring.
type RingEvent struct {
	AnalysisID string    `json:"analysisId"`
	TenantID   string    `json:"tenantId"`
	Ring       FraudRing `json:"ring"`
}

// AnalysisResponse is the API response for an analysis run.
type AnalysisResponse struct {
	AnalysisID      string           `json:"analysis_id"`
	Cached          bool             `json:"cached"`
	RejectedRecords []RejectedRecord `json:"rejected_records"`
	Report          *Report          `json:"report"`
}

// ToResponse converts an Analysis to an API response.
func (a *Analysis) ToResponse(cached bool) *AnalysisResponse {
	rejected := a.Rejected
	if rejected == nil {
		rejected = []RejectedRecord{}
	}
	return &AnalysisResponse{
		AnalysisID:      a.ID,
		Cached:          cached,
		RejectedRecords: rejected,
		Report:          a.Report,
	}
}
