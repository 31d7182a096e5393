package graph

import (
	"encoding/json"

	"github.com/malvik/azurepim/internal/util"
)

// UserProfile is the Graph /me resource, trimmed to the fields the app
// displays.
type UserProfile struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName,omitempty"`
	GivenName         string `json:"givenName,omitempty"`
	Surname           string `json:"surname,omitempty"`
	Mail              string `json:"mail,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	JobTitle          string `json:"jobTitle,omitempty"`
	OfficeLocation    string `json:"officeLocation,omitempty"`
}

// DisplayNameOrUPN returns the best available display name.
func (p *UserProfile) DisplayNameOrUPN() string {
	return util.FirstNonEmpty(p.DisplayName, util.FirstNonEmpty(p.UserPrincipalName, "Unknown User"))
}

// Email returns the best available email address.
func (p *UserProfile) Email() string {
	return util.FirstNonEmpty(p.Mail, util.FirstNonEmpty(p.UserPrincipalName, "No email"))
}

// Organization is the Graph /organization resource.
type Organization struct {
	ID              string           `json:"id"`
	DisplayName     string           `json:"displayName,omitempty"`
	VerifiedDomains []VerifiedDomain `json:"verifiedDomains,omitempty"`
}

// NameOrID returns the organization display name, falling back to the
// tenant id.
func (o *Organization) NameOrID() string {
	return util.FirstNonEmpty(o.DisplayName, o.ID)
}

// VerifiedDomain is a verified domain of the tenant.
type VerifiedDomain struct {
	Name      string `json:"name,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
	IsInitial bool   `json:"isInitial,omitempty"`
}

// GroupMembership identifies one group the user belongs to. Group object
// ids double as PIM principal ids for group-assigned role eligibility.
type GroupMembership struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// UserInfo is the combined identity snapshot persisted alongside the
// tokens: who is signed in and to which tenant.
type UserInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	TenantID    string `json:"tenant_id"`
	TenantName  string `json:"tenant_name"`
}

// NewUserInfo combines a profile and organization into a UserInfo.
func NewUserInfo(profile *UserProfile, org *Organization) *UserInfo {
	return &UserInfo{
		UserID:      profile.ID,
		DisplayName: profile.DisplayNameOrUPN(),
		Email:       profile.Email(),
		TenantID:    org.ID,
		TenantName:  org.NameOrID(),
	}
}

// ToJSON serializes the user info for keychain storage.
func (u *UserInfo) ToJSON() (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UserInfoFromJSON restores user info from its keychain representation.
func UserInfoFromJSON(s string) (*UserInfo, error) {
	var u UserInfo
	if err := json.Unmarshal([]byte(s), &u); err != nil {
		return nil, err
	}
	return &u, nil
}
