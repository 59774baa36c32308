package models

// Priority is the scheduling tier of a job
type Priority string

// Priorities. High is drained before normal when both are waiting.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// PriorityForSourceType schedules large/slow source types ahead of the rest
func PriorityForSourceType(s SourceType) Priority {
	switch s {
	case SourcePDF, SourceDOCX, SourceVideo:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// JobPayload is the data carried by a processing job
type JobPayload struct {
	DocumentID  string     `json:"document_id"`
	BotID       string     `json:"bot_id"`
	RequestedBy string     `json:"requested_by"`
	FilePath    string     `json:"file_path"`
	FileName    string     `json:"file_name"`
	SourceType  SourceType `json:"source_type"`
}

// PayloadFor builds the job payload for a document
func PayloadFor(doc *Document, requestedBy string) JobPayload {
	return JobPayload{
		DocumentID:  doc.ID.String(),
		BotID:       doc.BotID.String(),
		RequestedBy: requestedBy,
		FilePath:    doc.FilePath,
		FileName:    doc.FileName,
		SourceType:  doc.SourceType,
	}
}

// ProcessResult is returned by the orchestrator
type ProcessResult struct {
	ChunksCreated int `json:"chunks_created"`
}

// JobResult is the structured outcome a worker reports for a job
type JobResult struct {
	Success       bool   `json:"success"`
	DocumentID    string `json:"document_id"`
	ChunksCreated int    `json:"chunks_created,omitempty"`
	Error         string `json:"error,omitempty"`
}
