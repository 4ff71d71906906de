package domain

import "time"

// InstanceStatus is the health/drift status of a ServiceInstance.
type InstanceStatus string

const (
	InstanceHealthy   InstanceStatus = "HEALTHY"
	InstanceUnhealthy InstanceStatus = "UNHEALTHY"
	InstanceDrift     InstanceStatus = "DRIFT"
	InstanceUnknown   InstanceStatus = "UNKNOWN"
)

// ServiceInstance is a running process reporting heartbeats for a service.
// Identity is the composite (ServiceID, InstanceID).
type ServiceInstance struct {
	ServiceID  string `json:"serviceId" validate:"required"`
	InstanceID string `json:"instanceId" validate:"required"`

	Host        string            `json:"host,omitempty"`
	Port        int               `json:"port,omitempty"`
	Environment string            `json:"environment" validate:"required"`
	Version     string            `json:"version,omitempty"`
	AppliedHash string            `json:"appliedHash,omitempty"`
	ExpectedHash string           `json:"expectedHash,omitempty"`
	Status      InstanceStatus    `json:"status" validate:"required"`
	HasDrift    bool              `json:"hasDrift"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	DriftDetectedAt *time.Time `json:"driftDetectedAt,omitempty"`
	LastSeenAt      time.Time  `json:"lastSeenAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the composite identity used by repository lookups and the
// per-instance sharded lock.
func (i *ServiceInstance) Key() string {
	return i.ServiceID + "/" + i.InstanceID
}

// IsStale reports whether the instance has not been heard from within
// threshold, measured against now.
func (i *ServiceInstance) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(i.LastSeenAt) > threshold
}
