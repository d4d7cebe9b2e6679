package server

import "termline/internal/domain"

type StartRunRequest struct {
	Scope       string `json:"scope" enum:"full,extract,generate,review,refine"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

type RunListResponse struct {
	Items []domain.Run `json:"items"`
}

type CancelRunResponse struct {
	Cancelled bool `json:"cancelled"`
}

type AuditEventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type AuditEventListResponse struct {
	Items []AuditEventResponse `json:"items"`
}
