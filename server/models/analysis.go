package models

import "time"

type AnalysisStatus string

const (
	AnalysisIdle      AnalysisStatus = "idle"
	AnalysisQueued    AnalysisStatus = "queued"
	AnalysisRunning   AnalysisStatus = "running"
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisFailed    AnalysisStatus = "failed"
)

// Active reports whether an analysis in this state still owns the session.
func (s AnalysisStatus) Active() bool {
	return s == AnalysisQueued || s == AnalysisRunning
}

type AnalysisRequest struct {
	Workflow string `json:"workflow" binding:"required"`
	Rate     int    `json:"rate"`
}

type AnalysisSnapshot struct {
	VisitID         string         `json:"visitId"`
	Workflow        string         `json:"workflow"`
	Status          AnalysisStatus `json:"status"`
	Rate            int            `json:"rate"`
	Progress        float64        `json:"progress"`
	FramesSampled   int            `json:"framesSampled"`
	DetectionCount  int            `json:"detectionCount"`
	Selection       []Detection    `json:"selection"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"startedAt,omitempty"`
	CompletedAt     time.Time      `json:"completedAt,omitempty"`
	HasReport       bool           `json:"hasReport"`
	ReportGenerated time.Time      `json:"reportGeneratedAt,omitempty"`
}

type ReportRequest struct {
	Patient Patient `json:"patient"`
	// Radiologist is used when the request carries no token naming one.
	Radiologist     *Radiologist `json:"radiologist,omitempty"`
	Findings        string       `json:"findings"`
	Recommendations string       `json:"recommendations"`
	Comments        string       `json:"comments"`
	Date            string       `json:"date"`
	Time            string       `json:"time"`
}

// Event types pushed to websocket subscribers of a visit.
const (
	EventProgress  = "progress"
	EventDetection = "detection"
	EventSelection = "selection"
	EventCompleted = "completed"
	EventError     = "error"
)

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type ProgressUpdate struct {
	Progress      float64 `json:"progress"`
	FramesSampled int     `json:"framesSampled"`
	Offset        float64 `json:"offset"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}
