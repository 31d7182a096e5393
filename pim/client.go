package pim

// Azure PIM client. Subscription discovery goes through the Azure SDK;
// the PIM schedule-instance and activation endpoints have no SDK surface
// at subscription scope, so those calls speak ARM REST directly.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/logging"
)

// DefaultManagementURL is the Azure Resource Manager endpoint.
const DefaultManagementURL = "https://management.azure.com"

const (
	apiVersionPim   = "2020-10-01"
	apiVersionRoles = "2022-04-01"
)

const (
	httpTimeout        = 30 * time.Second
	httpConnectTimeout = 10 * time.Second

	// subscriptionScanLimit bounds concurrent per-subscription PIM scans.
	subscriptionScanLimit = 5
)

// staticTokenCredential adapts a pre-acquired management access token to
// azcore.TokenCredential for SDK clients. It never refreshes; callers hand
// in a token they know is valid.
type staticTokenCredential struct {
	token   string
	expires time.Time
}

// GetToken implements azcore.TokenCredential.
func (c *staticTokenCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if c == nil || c.token == "" {
		return azcore.AccessToken{}, fmt.Errorf("no token available")
	}
	if !c.expires.IsZero() && time.Until(c.expires) <= 0 {
		return azcore.AccessToken{}, fmt.Errorf("token expired")
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: c.expires}, nil
}

// subscriptionLister abstracts subscription discovery so PIM scans can be
// tested without the Azure SDK transport.
type subscriptionLister interface {
	list(ctx context.Context, accessToken string) ([]Subscription, error)
}

// armSubscriptionLister lists subscriptions through armsubscriptions.
type armSubscriptionLister struct{}

func (armSubscriptionLister) list(ctx context.Context, accessToken string) ([]Subscription, error) {
	cred := &staticTokenCredential{token: accessToken, expires: time.Now().Add(5 * time.Minute)}
	client, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
	}

	var subs []Subscription
	pager := client.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			logging.Error("Failed to list subscriptions", "error", err.Error())
			return nil, apperrors.Wrap(apperrors.ErrRequestFailed, "subscription listing failed")
		}
		for _, s := range page.Value {
			if s == nil || s.SubscriptionID == nil {
				continue
			}
			sub := Subscription{SubscriptionID: *s.SubscriptionID}
			if s.DisplayName != nil {
				sub.DisplayName = *s.DisplayName
			}
			if s.State != nil {
				sub.State = string(*s.State)
			}
			if sub.State == string(armsubscriptions.SubscriptionStateEnabled) {
				subs = append(subs, sub)
			}
		}
	}

	logging.Info("Found enabled subscriptions", "count", fmt.Sprintf("%d", len(subs)))
	return subs, nil
}

// Client performs PIM role queries and activations. Access tokens are
// passed per call; the client holds no credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
	subs       subscriptionLister

	// roleNames caches role definition id to display name lookups for the
	// lifetime of the client.
	mu        sync.Mutex
	roleNames map[string]string
}

// NewClient creates a PIM client against the public ARM endpoint.
func NewClient() *Client {
	return &Client{
		baseURL: DefaultManagementURL,
		httpClient: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: httpConnectTimeout}).DialContext,
			},
		},
		subs:      armSubscriptionLister{},
		roleNames: make(map[string]string),
	}
}

// ListSubscriptions returns the enabled subscriptions visible to the token.
func (c *Client) ListSubscriptions(ctx context.Context, accessToken string) ([]Subscription, error) {
	return c.subs.list(ctx, accessToken)
}

// doJSON performs an authenticated request against ARM and decodes a
// successful response into out. Response bodies never travel in returned
// errors.
func (c *Client) doJSON(ctx context.Context, method, url, accessToken string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, apperrors.Wrap(apperrors.ErrInvalidResponse, err.Error())
			}
		}
		return resp.StatusCode, nil
	}

	logging.Debug("ARM request failed",
		"method", method,
		"url", url,
		"status", fmt.Sprintf("%d", resp.StatusCode),
		"body", string(data))
	return resp.StatusCode, nil
}

type scheduleInstanceList struct {
	Value []struct {
		ID         string `json:"id"`
		Properties struct {
			RoleDefinitionID         string     `json:"roleDefinitionId"`
			PrincipalID              string     `json:"principalId"`
			Scope                    string     `json:"scope"`
			StartDateTime            *time.Time `json:"startDateTime"`
			EndDateTime              *time.Time `json:"endDateTime"`
			RoleAssignmentScheduleID string     `json:"roleAssignmentScheduleId"`
		} `json:"properties"`
	} `json:"value"`
}

// eligibleRolesForSubscription queries one subscription for one principal.
// Missing PIM access (403) is normal across large tenants and yields an
// empty result.
func (c *Client) eligibleRolesForSubscription(ctx context.Context, accessToken, subscriptionID, principalID string) ([]EligibleRole, error) {
	u := fmt.Sprintf(
		"%s/subscriptions/%s/providers/Microsoft.Authorization/roleEligibilityScheduleInstances?api-version=%s&$filter=%s",
		c.baseURL, subscriptionID, apiVersionPim,
		url.QueryEscape(fmt.Sprintf("principalId eq '%s'", principalID)))

	var list scheduleInstanceList
	status, err := c.doJSON(ctx, http.MethodGet, u, accessToken, nil, &list)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, apperrors.ErrUnauthorized
	default:
		// 403 and transient failures skip this subscription.
		return nil, nil
	}

	roles := make([]EligibleRole, 0, len(list.Value))
	for _, item := range list.Value {
		roles = append(roles, EligibleRole{
			ID:               item.ID,
			RoleDefinitionID: item.Properties.RoleDefinitionID,
			RoleName:         c.roleName(ctx, accessToken, item.Properties.RoleDefinitionID),
			SubscriptionID:   subscriptionID,
			Scope:            item.Properties.Scope,
			PrincipalID:      item.Properties.PrincipalID,
		})
	}
	return roles, nil
}

// roleName resolves a role definition id to its display name, with a
// client-lifetime cache. Unresolvable definitions display as Unknown Role.
func (c *Client) roleName(ctx context.Context, accessToken, roleDefinitionID string) string {
	c.mu.Lock()
	if name, ok := c.roleNames[roleDefinitionID]; ok {
		c.mu.Unlock()
		return name
	}
	c.mu.Unlock()

	u := fmt.Sprintf("%s%s?api-version=%s", c.baseURL, roleDefinitionID, apiVersionRoles)
	var def struct {
		Properties struct {
			RoleName string `json:"roleName"`
		} `json:"properties"`
	}
	status, err := c.doJSON(ctx, http.MethodGet, u, accessToken, nil, &def)
	if err != nil || status != http.StatusOK || def.Properties.RoleName == "" {
		return "Unknown Role"
	}

	c.mu.Lock()
	c.roleNames[roleDefinitionID] = def.Properties.RoleName
	c.mu.Unlock()
	return def.Properties.RoleName
}

// GetAllEligibleRoles scans every enabled subscription for role
// eligibilities held by any of the given principals. principalIDs must
// contain the user's object id and should include group ids so that
// group-assigned eligibilities are found. Results are deduplicated by
// schedule instance id.
func (c *Client) GetAllEligibleRoles(ctx context.Context, accessToken string, principalIDs []string) ([]EligibleRole, error) {
	if len(principalIDs) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidResponse, "no principal ids provided")
	}

	subs, err := c.ListSubscriptions(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	logging.Info("Scanning subscriptions for eligible roles",
		"subscriptions", fmt.Sprintf("%d", len(subs)),
		"principals", fmt.Sprintf("%d", len(principalIDs)))

	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		roles []EligibleRole
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subscriptionScanLimit)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			for _, principalID := range principalIDs {
				found, err := c.eligibleRolesForSubscription(gctx, accessToken, sub.SubscriptionID, principalID)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, role := range found {
					if seen[role.ID] {
						continue
					}
					seen[role.ID] = true
					role.SubscriptionName = sub.DisplayName
					roles = append(roles, role)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Info("Eligible role scan complete", "roles", fmt.Sprintf("%d", len(roles)))
	return roles, nil
}

// GetActiveAssignments scans every enabled subscription for currently
// activated assignments held by any of the given principals.
func (c *Client) GetActiveAssignments(ctx context.Context, accessToken string, principalIDs []string) ([]ActiveAssignment, error) {
	if len(principalIDs) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidResponse, "no principal ids provided")
	}

	subs, err := c.ListSubscriptions(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var (
		mu          sync.Mutex
		seen        = make(map[string]bool)
		assignments []ActiveAssignment
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subscriptionScanLimit)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			for _, principalID := range principalIDs {
				found, err := c.assignmentsForSubscription(gctx, accessToken, sub.SubscriptionID, principalID)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, a := range found {
					if seen[a.ID] {
						continue
					}
					seen[a.ID] = true
					a.SubscriptionName = sub.DisplayName
					assignments = append(assignments, a)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Info("Active assignment scan complete", "assignments", fmt.Sprintf("%d", len(assignments)))
	return assignments, nil
}

func (c *Client) assignmentsForSubscription(ctx context.Context, accessToken, subscriptionID, principalID string) ([]ActiveAssignment, error) {
	u := fmt.Sprintf(
		"%s/subscriptions/%s/providers/Microsoft.Authorization/roleAssignmentScheduleInstances?api-version=%s&$filter=%s",
		c.baseURL, subscriptionID, apiVersionPim,
		url.QueryEscape(fmt.Sprintf("principalId eq '%s'", principalID)))

	var list scheduleInstanceList
	status, err := c.doJSON(ctx, http.MethodGet, u, accessToken, nil, &list)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, apperrors.ErrUnauthorized
	default:
		return nil, nil
	}

	var assignments []ActiveAssignment
	for _, item := range list.Value {
		// Standing assignments have no schedule window; only PIM
		// activations carry start and end times.
		if item.Properties.StartDateTime == nil || item.Properties.EndDateTime == nil {
			continue
		}
		assignments = append(assignments, ActiveAssignment{
			ID:                  item.ID,
			RoleDefinitionID:    item.Properties.RoleDefinitionID,
			RoleName:            c.roleName(ctx, accessToken, item.Properties.RoleDefinitionID),
			SubscriptionID:      subscriptionID,
			Scope:               item.Properties.Scope,
			StartTime:           *item.Properties.StartDateTime,
			EndTime:             *item.Properties.EndDateTime,
			AssignmentRequestID: item.Properties.RoleAssignmentScheduleID,
		})
	}
	return assignments, nil
}

type activationBody struct {
	Properties struct {
		PrincipalID                      string `json:"principalId"`
		RoleDefinitionID                 string `json:"roleDefinitionId"`
		RequestType                      string `json:"requestType"`
		Justification                    string `json:"justification"`
		LinkedRoleEligibilityScheduleID  string `json:"linkedRoleEligibilityScheduleId,omitempty"`
		ScheduleInfo                     struct {
			StartDateTime string `json:"startDateTime"`
			Expiration    struct {
				Type     string `json:"type"`
				Duration string `json:"duration"`
			} `json:"expiration"`
		} `json:"scheduleInfo"`
	} `json:"properties"`
}

// ActivateRole submits a self-activation request for an eligible role and
// returns the resulting assignment.
func (c *Client) ActivateRole(ctx context.Context, accessToken string, req ActivationRequest) (*ActiveAssignment, error) {
	requestID := uuid.NewString()
	u := fmt.Sprintf(
		"%s%s/providers/Microsoft.Authorization/roleAssignmentScheduleRequests/%s?api-version=%s",
		c.baseURL, req.EligibleRole.Scope, requestID, apiVersionPim)

	start := time.Now().UTC()

	var body activationBody
	body.Properties.PrincipalID = req.EligibleRole.PrincipalID
	body.Properties.RoleDefinitionID = req.EligibleRole.RoleDefinitionID
	body.Properties.RequestType = "SelfActivate"
	body.Properties.Justification = req.Justification
	body.Properties.LinkedRoleEligibilityScheduleID = req.EligibleRole.ID
	body.Properties.ScheduleInfo.StartDateTime = start.Format(time.RFC3339)
	body.Properties.ScheduleInfo.Expiration.Type = "AfterDuration"
	body.Properties.ScheduleInfo.Expiration.Duration = fmt.Sprintf("PT%dM", req.DurationMinutes)

	logging.Info("Activating role",
		"role", req.EligibleRole.RoleName,
		"subscription", req.EligibleRole.SubscriptionName,
		"duration", fmt.Sprintf("%dm", req.DurationMinutes))

	var created struct {
		ID string `json:"id"`
	}
	status, err := c.doJSON(ctx, http.MethodPut, u, accessToken, &body, &created)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		return nil, apperrors.ErrUnauthorized
	case http.StatusForbidden:
		return nil, apperrors.ErrForbidden
	case http.StatusConflict:
		return nil, apperrors.ErrRoleAlreadyActive
	default:
		return nil, apperrors.Wrapf(apperrors.ErrActivationFailed, "HTTP %d", status)
	}

	end := start.Add(time.Duration(req.DurationMinutes) * time.Minute)
	logging.Info("Role activated", "role", req.EligibleRole.RoleName, "until", end.Format(time.RFC3339))

	return &ActiveAssignment{
		ID:                  created.ID,
		RoleDefinitionID:    req.EligibleRole.RoleDefinitionID,
		RoleName:            req.EligibleRole.RoleName,
		SubscriptionID:      req.EligibleRole.SubscriptionID,
		SubscriptionName:    req.EligibleRole.SubscriptionName,
		Scope:               req.EligibleRole.Scope,
		StartTime:           start,
		EndTime:             end,
		Justification:       req.Justification,
		AssignmentRequestID: requestID,
	}, nil
}
