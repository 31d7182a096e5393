package graph

// Microsoft Graph client for user profile, organization, and group
// membership lookups.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/logging"
)

// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const (
	httpTimeout        = 30 * time.Second
	httpConnectTimeout = 10 * time.Second
)

// Client calls Microsoft Graph with a caller-supplied access token per
// request. The client holds no credentials of its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Graph client. An empty baseURL selects the public
// Graph endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: httpConnectTimeout}).DialContext,
			},
		},
	}
}

// getJSON performs an authenticated GET and decodes the 200 response into
// out. Non-200 statuses map onto the API error kinds; response bodies are
// never included in returned errors.
func (c *Client) getJSON(ctx context.Context, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRequestFailed, err.Error())
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return apperrors.ErrUnauthorized
	case http.StatusForbidden:
		return apperrors.ErrForbidden
	case http.StatusTooManyRequests:
		return apperrors.ErrRateLimited
	default:
		logging.Error("Graph request failed",
			"url", url,
			"status", fmt.Sprintf("%d", resp.StatusCode))
		return apperrors.Wrapf(apperrors.ErrRequestFailed, "HTTP %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidResponse, err.Error())
	}
	return nil
}

// GetUserProfile fetches the signed-in user's profile from /me.
func (c *Client) GetUserProfile(ctx context.Context, accessToken string) (*UserProfile, error) {
	var profile UserProfile
	if err := c.getJSON(ctx, c.baseURL+"/me", accessToken, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetOrganization fetches the tenant's organization record. Graph returns a
// collection; the first entry is the home tenant.
func (c *Client) GetOrganization(ctx context.Context, accessToken string) (*Organization, error) {
	var wrapper struct {
		Value []Organization `json:"value"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/organization", accessToken, &wrapper); err != nil {
		return nil, err
	}
	if len(wrapper.Value) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidResponse, "no organization found")
	}
	return &wrapper.Value[0], nil
}

// GetUserGroups fetches the signed-in user's group memberships from
// /me/memberOf, following pagination. Directory objects that are not groups
// (directory roles, administrative units) are filtered out.
func (c *Client) GetUserGroups(ctx context.Context, accessToken string) ([]GroupMembership, error) {
	var groups []GroupMembership
	url := c.baseURL + "/me/memberOf?$select=id,displayName&$filter=isof('microsoft.graph.group')"

	for url != "" {
		var page struct {
			Value []struct {
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
				ODataType   string `json:"@odata.type"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := c.getJSON(ctx, url, accessToken, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Value {
			if item.ODataType != "#microsoft.graph.group" {
				continue
			}
			groups = append(groups, GroupMembership{ID: item.ID, DisplayName: item.DisplayName})
		}
		url = page.NextLink
	}

	logging.Debug("Fetched group memberships", "count", fmt.Sprintf("%d", len(groups)))
	return groups, nil
}
