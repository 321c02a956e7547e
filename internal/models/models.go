package models

import (
	"fmt"

	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type ApprovalType string

const (
	ApprovalTypeSQLExecution    ApprovalType = "sql_execution"
	ApprovalTypeDataExport      ApprovalType = "data_export"
	ApprovalTypePIIAccess       ApprovalType = "pii_access"
	ApprovalTypeModelDeployment ApprovalType = "model_deployment"
	ApprovalTypeSystemConfig    ApprovalType = "system_config"
)

func (t ApprovalType) Valid() bool {
	switch t {
	case ApprovalTypeSQLExecution, ApprovalTypeDataExport, ApprovalTypePIIAccess,
		ApprovalTypeModelDeployment, ApprovalTypeSystemConfig:
		return true
	}
	return false
}

type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusExpired   ApprovalStatus = "expired"
	StatusCancelled ApprovalStatus = "cancelled"
)

// AllStatuses lists every approval status in lifecycle order.
var AllStatuses = []ApprovalStatus{StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusCancelled}

func (s ApprovalStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority maps a wire value onto a Priority. Empty input yields medium.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

type ApproverLevel string

const (
	ApproverSupervisor    ApproverLevel = "supervisor"
	ApproverManager       ApproverLevel = "manager"
	ApproverSeniorManager ApproverLevel = "senior_manager"
	ApproverChiefOfficer  ApproverLevel = "chief_officer"
)

var approverRank = map[ApproverLevel]int{
	ApproverSupervisor:    1,
	ApproverManager:       2,
	ApproverSeniorManager: 3,
	ApproverChiefOfficer:  4,
}

// Rank returns the seniority of the level, 0 when unknown.
func (l ApproverLevel) Rank() int {
	return approverRank[l]
}

// ApproverLevelForScore maps a 1-4 risk score onto the minimum approver seniority.
func ApproverLevelForScore(score int) ApproverLevel {
	switch {
	case score >= 4:
		return ApproverChiefOfficer
	case score == 3:
		return ApproverSeniorManager
	case score == 2:
		return ApproverManager
	default:
		return ApproverSupervisor
	}
}

// NotificationKind is the tone of a message sent to a requester.
type NotificationKind string

const (
	KindInfo    NotificationKind = "info"
	KindSuccess NotificationKind = "success"
	KindWarning NotificationKind = "warning"
	KindError   NotificationKind = "error"
)

type DataSensitivity string

const (
	SensitivityLow    DataSensitivity = "low"
	SensitivityMedium DataSensitivity = "medium"
	SensitivityHigh   DataSensitivity = "high"
)
