package model

import "time"

// Package pipeline stages, persisted directly on the project record.
// ACTIVE is terminal: nothing in this subsystem ever moves a project out
// of it.
const (
	PackagePMDraft    = "PM_DRAFT"
	PackagePJMReview  = "PJM_REVIEW"
	PackageEngReview  = "ENG_REVIEW"
	PackagePMActivate = "PM_ACTIVATE"
	PackageSentBack   = "SENT_BACK"
	PackageActive     = "ACTIVE"
)

// Send-back targets. Set only while the package status is SENT_BACK.
const (
	SentBackToPM  = "PM"
	SentBackToPJM = "PJM"
	SentBackToEng = "ENG"
)

// ProjectPackage is the pipeline state attached to a gated project. The
// stage set is fixed, so it lives on the project record rather than in a
// generic workflow instance.
type ProjectPackage struct {
	ProjectID      string    `json:"project_id"`
	TenantID       string    `json:"tenant_id"`
	Status         string    `json:"status"`
	SentBackTo     string    `json:"sent_back_to,omitempty"`
	SentBackReason string    `json:"sent_back_reason,omitempty"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsActive reports whether the package has been activated. Activation is a
// one-way door.
func (p *ProjectPackage) IsActive() bool {
	return p.Status == PackageActive
}
