// Package domain holds the flat aggregates of the control plane: application
// services, their reporting instances, drift episodes, shares, approval
// workflow records, and the cached identity projections. Aggregates are
// joined by id only — nothing here holds a pointer to another aggregate, so
// repositories can hand back plain records without assembling object graphs.
package domain

import "time"

// ServiceLifecycle is the lifecycle stage of an ApplicationService.
type ServiceLifecycle string

const (
	LifecycleActive     ServiceLifecycle = "ACTIVE"
	LifecycleDeprecated ServiceLifecycle = "DEPRECATED"
	LifecycleRetired    ServiceLifecycle = "RETIRED"
)

// ApplicationService is the identity of a deployable service.
type ApplicationService struct {
	ID           string            `json:"id" validate:"required,slug"`
	DisplayName  string            `json:"displayName" validate:"required"`
	OwnerTeamID  *string           `json:"ownerTeamId,omitempty"`
	Environments []string          `json:"environments" validate:"required,min=1"`
	Tags         map[string]string `json:"tags,omitempty"`
	Lifecycle    ServiceLifecycle  `json:"lifecycle" validate:"required,oneof=ACTIVE DEPRECATED RETIRED"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy"`
	UpdatedBy string    `json:"updatedBy"`

	// Version is the optimistic-lock token; repositories increment it on
	// every successful compare-and-set write.
	Version int64 `json:"version"`
}

// HasEnvironment reports whether env is one of the service's declared
// environments.
func (s *ApplicationService) HasEnvironment(env string) bool {
	for _, e := range s.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// IsOrphan reports whether the service currently has no owning team.
func (s *ApplicationService) IsOrphan() bool {
	return s.OwnerTeamID == nil || *s.OwnerTeamID == ""
}
