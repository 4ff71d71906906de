package domain

import "time"

// Permission is a single grantable capability on a service-scoped entity.
type Permission string

const (
	PermViewService  Permission = "VIEW_SERVICE"
	PermViewInstance Permission = "VIEW_INSTANCE"
	PermViewDrift    Permission = "VIEW_DRIFT"
	PermEdit         Permission = "EDIT"
	PermAdmin        Permission = "ADMIN"
)

// GranteeType distinguishes team grants from individual user grants.
type GranteeType string

const (
	GranteeTeam GranteeType = "TEAM"
	GranteeUser GranteeType = "USER"
)

// ServiceShare is a time-bounded grant of permissions on a service to a
// team or user.
type ServiceShare struct {
	ID           string       `json:"id"`
	ServiceID    string       `json:"serviceId" validate:"required"`
	GranteeType  GranteeType  `json:"granteeType" validate:"required,oneof=TEAM USER"`
	GranteeID    string       `json:"granteeId" validate:"required"`
	Permissions  []Permission `json:"permissions" validate:"required,min=1"`
	Environments []string     `json:"environments,omitempty"`
	ExpiresAt    *time.Time   `json:"expiresAt,omitempty"`
	GrantedBy    string       `json:"grantedBy"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsEffective reports whether the share is currently active (not expired) at
// instant now.
func (s *ServiceShare) IsEffective(now time.Time) bool {
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// Grants reports whether the share includes perm, and — when the share is
// environment-scoped — whether env is one of the scoped environments. An
// empty Environments list means the share applies to every environment.
func (s *ServiceShare) Grants(perm Permission, env string) bool {
	has := false
	for _, p := range s.Permissions {
		if p == perm {
			has = true
			break
		}
	}
	if !has {
		return false
	}
	if len(s.Environments) == 0 {
		return true
	}
	for _, e := range s.Environments {
		if e == env {
			return true
		}
	}
	return false
}
