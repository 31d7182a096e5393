package app

// PIM role operations on top of the signed-in session.

import (
	"context"
	"fmt"
	"time"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/auth"
	"github.com/malvik/azurepim/logging"
	"github.com/malvik/azurepim/pim"
)

// managementToken mints an Azure Resource Manager access token from the
// stored refresh token. ARM tokens are audience-bound and never persisted;
// each PIM operation acquires one.
func (a *App) managementToken(ctx context.Context) (string, error) {
	rt, err := a.store.RefreshToken()
	if err != nil {
		return "", err
	}
	defer rt.Zero()

	token, err := a.oauth.ResourceToken(ctx, rt.Value(), auth.ManagementScope)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// principalIDs returns the user's object id plus group ids, so that
// group-assigned eligibilities are found too.
func (a *App) principalIDs(ctx context.Context) ([]string, error) {
	info := a.UserInfo()
	if info == nil || info.UserID == "" {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "not signed in")
	}

	ids := []string{info.UserID}

	at, err := a.store.AccessToken()
	if err != nil {
		return ids, nil
	}
	defer at.Zero()

	groups, err := a.graph.GetUserGroups(ctx, at.Value())
	if err != nil {
		// Group lookup is best effort; user-assigned roles still resolve.
		logging.Warn("Failed to fetch group memberships", "error", err.Error())
		return ids, nil
	}
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// RefreshRoles scans for eligible roles and active assignments, emits a
// RolesUpdated event, and returns the results. Eligible roles come from
// the cache when fresh unless force is set.
func (a *App) RefreshRoles(ctx context.Context, force bool) ([]pim.EligibleRole, []pim.ActiveAssignment, error) {
	if force {
		a.cache.Invalidate()
	}

	principals, err := a.principalIDs(ctx)
	if err != nil {
		return nil, nil, err
	}

	armToken, err := a.managementToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	eligible, cached := a.cache.EligibleRoles()
	if !cached {
		eligible, err = a.pim.GetAllEligibleRoles(ctx, armToken, principals)
		if err != nil {
			return nil, nil, err
		}
		a.cache.SetEligibleRoles(eligible)
	}

	active, err := a.pim.GetActiveAssignments(ctx, armToken, principals)
	if err != nil {
		// Eligible roles are still worth showing.
		logging.Error("Failed to fetch active assignments", "error", err.Error())
		active = nil
	}

	logging.Info("PIM roles refreshed",
		"eligible", fmt.Sprintf("%d", len(eligible)),
		"active", fmt.Sprintf("%d", len(active)),
		"cached", fmt.Sprintf("%t", cached))
	a.emitRolesUpdated(eligible, active)
	return eligible, active, nil
}

// ActivateRole activates an eligible role and refreshes the assignment
// view.
func (a *App) ActivateRole(ctx context.Context, role pim.EligibleRole, justification string, duration time.Duration) (*pim.ActiveAssignment, error) {
	if justification == "" {
		return nil, apperrors.Wrap(apperrors.ErrActivationFailed, "justification is required")
	}

	armToken, err := a.managementToken(ctx)
	if err != nil {
		return nil, err
	}

	assignment, err := a.pim.ActivateRole(ctx, armToken, pim.ActivationRequest{
		EligibleRole:    role,
		Justification:   justification,
		DurationMinutes: int(duration.Minutes()),
	})
	if err != nil {
		return nil, err
	}

	// Activation changes the assignment picture; drop the cached scan.
	a.cache.Invalidate()
	return assignment, nil
}

// EligibleRolesCached returns the cached eligible roles, if fresh.
func (a *App) EligibleRolesCached() ([]pim.EligibleRole, bool) {
	return a.cache.EligibleRoles()
}
