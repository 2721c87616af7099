package authz

import (
	"fmt"
	"strings"
)

// OrgRole is an organization-level role. Roles are categorical: a higher
// ordinal is not strictly more privileged.
type OrgRole int16

const (
	OrgRoleNotSet OrgRole = iota
	OrgRoleViewer
	OrgRoleContributor
	OrgRoleAdmin
	OrgRoleFinancial
	OrgRoleSupport
)

var orgRoleNames = map[OrgRole]string{
	OrgRoleNotSet:      "not_set",
	OrgRoleViewer:      "viewer",
	OrgRoleContributor: "contributor",
	OrgRoleAdmin:       "admin",
	OrgRoleFinancial:   "financial",
	OrgRoleSupport:     "support",
}

// OrgCapabilities are the predicates derived from an OrgRole
type OrgCapabilities struct {
	CanRead              bool `json:"can_read"`
	CanContribute        bool `json:"can_contribute"`
	CanWrite             bool `json:"can_write"`
	IsAdmin              bool `json:"is_admin"`
	IsFinancial          bool `json:"is_financial"`
	CanContributeBilling bool `json:"can_contribute_billing"`
}

var orgCapabilities = map[OrgRole]OrgCapabilities{
	OrgRoleNotSet: {},
	OrgRoleViewer: {CanRead: true},
	OrgRoleContributor: {
		CanRead:       true,
		CanContribute: true,
	},
	OrgRoleAdmin: {
		CanRead:              true,
		CanContribute:        true,
		CanWrite:             true,
		IsAdmin:              true,
		CanContributeBilling: true,
	},
	OrgRoleFinancial: {
		CanRead:              true,
		IsFinancial:          true,
		CanContributeBilling: true,
	},
	OrgRoleSupport: {
		CanRead:              true,
		CanContribute:        true,
		CanWrite:             true,
		IsAdmin:              true,
		CanContributeBilling: true,
	},
}

// Valid reports whether r is a known role, NOT_SET included
func (r OrgRole) Valid() bool {
	_, ok := orgRoleNames[r]
	return ok
}

// Capabilities returns the static capability set of r
func (r OrgRole) Capabilities() OrgCapabilities {
	return orgCapabilities[r]
}

func (r OrgRole) String() string {
	if name, ok := orgRoleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("org_role(%d)", int16(r))
}

// MarshalText encodes the role by name
func (r OrgRole) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid organization role %d", int16(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name
func (r *OrgRole) UnmarshalText(text []byte) error {
	role, err := ParseOrgRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseOrgRole parses a role name
func ParseOrgRole(s string) (OrgRole, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for role, name := range orgRoleNames {
		if name == s {
			return role, nil
		}
	}
	return OrgRoleNotSet, fmt.Errorf("unknown organization role %q", s)
}

// ProjectRole is a project-level role, independent of OrgRole
type ProjectRole int16

const (
	ProjectRoleNotSet ProjectRole = iota
	ProjectRoleViewer
	ProjectRoleContributor
	ProjectRoleModerator
	ProjectRoleSupport
	ProjectRoleChatUser
)

var projectRoleNames = map[ProjectRole]string{
	ProjectRoleNotSet:      "not_set",
	ProjectRoleViewer:      "viewer",
	ProjectRoleContributor: "contributor",
	ProjectRoleModerator:   "moderator",
	ProjectRoleSupport:     "support",
	ProjectRoleChatUser:    "chat_user",
}

// ProjectCapabilities are the predicates derived from a ProjectRole
type ProjectCapabilities struct {
	CanRead       bool `json:"can_read"`
	CanContribute bool `json:"can_contribute"`
	CanWrite      bool `json:"can_write"`
	IsModerator   bool `json:"is_moderator"`
	IsChatUser    bool `json:"is_chat_user"`
}

var projectCapabilities = map[ProjectRole]ProjectCapabilities{
	ProjectRoleNotSet: {},
	ProjectRoleViewer: {CanRead: true},
	ProjectRoleContributor: {
		CanRead:       true,
		CanContribute: true,
		IsChatUser:    true,
	},
	ProjectRoleModerator: {
		CanRead:       true,
		CanContribute: true,
		CanWrite:      true,
		IsModerator:   true,
		IsChatUser:    true,
	},
	ProjectRoleSupport: {
		CanRead:       true,
		CanContribute: true,
		CanWrite:      true,
		IsModerator:   true,
		IsChatUser:    true,
	},
	ProjectRoleChatUser: {
		CanRead:    true,
		IsChatUser: true,
	},
}

// Valid reports whether r is a known role, NOT_SET included
func (r ProjectRole) Valid() bool {
	_, ok := projectRoleNames[r]
	return ok
}

// Capabilities returns the static capability set of r
func (r ProjectRole) Capabilities() ProjectCapabilities {
	return projectCapabilities[r]
}

func (r ProjectRole) String() string {
	if name, ok := projectRoleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("project_role(%d)", int16(r))
}

// MarshalText encodes the role by name
func (r ProjectRole) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid project role %d", int16(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name
func (r *ProjectRole) UnmarshalText(text []byte) error {
	role, err := ParseProjectRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseProjectRole parses a role name
func ParseProjectRole(s string) (ProjectRole, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for role, name := range projectRoleNames {
		if name == s {
			return role, nil
		}
	}
	return ProjectRoleNotSet, fmt.Errorf("unknown project role %q", s)
}

// ChatRole is the chat engine sub-role attached to a project authorization
type ChatRole int16

const (
	ChatRoleAdmin ChatRole = 1
	ChatRoleAgent ChatRole = 2
)

// ChatRole returns the chat sub-role implied by r, if any
func (r ProjectRole) ChatRole() *ChatRole {
	var role ChatRole
	switch r {
	case ProjectRoleModerator:
		role = ChatRoleAdmin
	case ProjectRoleChatUser:
		role = ChatRoleAgent
	default:
		return nil
	}
	return &role
}
