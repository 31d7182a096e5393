package pim

// Data model for Azure Privileged Identity Management at subscription scope.

import (
	"fmt"
	"time"
)

// EligibleRole is a subscription-level role the user can activate.
type EligibleRole struct {
	// ID is the role eligibility schedule instance, a full ARM resource id.
	ID               string `json:"id"`
	RoleDefinitionID string `json:"role_definition_id"`
	RoleName         string `json:"role_name"`
	SubscriptionID   string `json:"subscription_id"`
	SubscriptionName string `json:"subscription_name"`
	Scope            string `json:"scope"`
	// PrincipalID is the user or group object id the eligibility is
	// assigned to.
	PrincipalID string `json:"principal_id"`
}

// DisplayText renders the role for menu display.
func (r *EligibleRole) DisplayText() string {
	return fmt.Sprintf("%s - %s", r.SubscriptionName, r.RoleName)
}

// FavoritesKey is the stable identifier used for favorites persistence.
// Schedule instance ids churn between scans; subscription plus role
// definition does not.
func (r *EligibleRole) FavoritesKey() string {
	return fmt.Sprintf("%s:%s", r.SubscriptionID, r.RoleDefinitionID)
}

// ActiveAssignment is a currently activated PIM role.
type ActiveAssignment struct {
	ID               string    `json:"id"`
	RoleDefinitionID string    `json:"role_definition_id"`
	RoleName         string    `json:"role_name"`
	SubscriptionID   string    `json:"subscription_id"`
	SubscriptionName string    `json:"subscription_name"`
	Scope            string    `json:"scope"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Justification    string    `json:"justification"`
	// AssignmentRequestID is kept for extend and deactivate operations.
	AssignmentRequestID string `json:"assignment_request_id,omitempty"`
}

// TimeRemaining returns the time until the activation expires, floored at
// zero.
func (a *ActiveAssignment) TimeRemaining() time.Duration {
	d := time.Until(a.EndTime)
	if d < 0 {
		return 0
	}
	return d
}

// IsExpired reports whether the activation has ended.
func (a *ActiveAssignment) IsExpired() bool {
	return !a.EndTime.After(time.Now())
}

// IsExpiringSoon reports whether the activation ends within the threshold.
func (a *ActiveAssignment) IsExpiringSoon(threshold time.Duration) bool {
	return a.TimeRemaining() <= threshold
}

// DisplayTextWithTime renders the assignment with its remaining time.
func (a *ActiveAssignment) DisplayTextWithTime() string {
	minutes := int64(a.TimeRemaining().Minutes())
	var timeStr string
	switch {
	case minutes >= 60:
		timeStr = fmt.Sprintf("%d hr %d min left", minutes/60, minutes%60)
	case minutes > 0:
		timeStr = fmt.Sprintf("%d min left", minutes)
	default:
		timeStr = "expired"
	}
	return fmt.Sprintf("%s - %s    %s", a.SubscriptionName, a.RoleName, timeStr)
}

// JustificationPreset is a canned justification for quick activation.
type JustificationPreset struct {
	Label         string `json:"label"`
	Justification string `json:"justification"`
	// IsBuiltin marks presets that cannot be deleted.
	IsBuiltin bool `json:"is_builtin"`
}

// BuiltinPresets returns the non-deletable default presets.
func BuiltinPresets() []JustificationPreset {
	return []JustificationPreset{
		{Label: "Incident Investigation", Justification: "Incident Investigation", IsBuiltin: true},
		{Label: "Debugging", Justification: "Debugging", IsBuiltin: true},
		{Label: "Maintenance", Justification: "Maintenance", IsBuiltin: true},
	}
}

// ActivationRequest asks for a role activation.
type ActivationRequest struct {
	EligibleRole    EligibleRole
	Justification   string
	DurationMinutes int
}

// Subscription is an accessible Azure subscription.
type Subscription struct {
	SubscriptionID string `json:"subscription_id"`
	DisplayName    string `json:"display_name"`
	State          string `json:"state"`
}
