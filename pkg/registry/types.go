// types.go: the service registry record shape. Generalizes
// pkg/env/registry/types.go's ServiceRegistration (GitHubInfo +
// InstanceInfo + []FieldInfo) into a single self-contained record that
// carries health and sticky-active status instead of build-time GitHub
// coordinates and reflected config fields.
package registry

import "time"

// Status is a registry instance's reported lifecycle/health state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusStandby   Status = "STANDBY"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusShutdown  Status = "SHUTDOWN"
)

// StickyStatus distinguishes a sticky-active group's leader from its
// followers within ServiceInstance.StickyActiveStatus.
type StickyStatus string

const (
	StickyActive  StickyStatus = "ACTIVE"
	StickyStandby StickyStatus = "STANDBY"
)

// ServiceInstance is the registry record stored at
// service-instances.<svc>.<inst>.
type ServiceInstance struct {
	ServiceName        string         `json:"service_name"`
	InstanceID         string         `json:"instance_id"`
	Version            string         `json:"version"`
	Status             Status         `json:"status"`
	LastHeartbeat      time.Time      `json:"last_heartbeat"`
	StickyActiveGroup  string         `json:"sticky_active_group,omitempty"`
	StickyActiveStatus StickyStatus   `json:"sticky_active_status,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// legacyServiceInstance accepts the camelCase wire spelling documented as
// compatible input, normalized into ServiceInstance on read.
type legacyServiceInstance struct {
	ServiceName        string         `json:"serviceName"`
	InstanceID         string         `json:"instanceId"`
	Version            string         `json:"version"`
	Status             Status         `json:"status"`
	LastHeartbeat      time.Time      `json:"lastHeartbeat"`
	StickyActiveGroup  string         `json:"stickyActiveGroup,omitempty"`
	StickyActiveStatus StickyStatus   `json:"stickyActiveStatus,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Healthy reports whether the instance meets the health rule: the last
// heartbeat is within timeout and status is neither UNHEALTHY nor
// SHUTDOWN.
func (s ServiceInstance) Healthy(now time.Time, timeout time.Duration) bool {
	if s.Status == StatusUnhealthy || s.Status == StatusShutdown {
		return false
	}
	return now.Sub(s.LastHeartbeat) < timeout
}
