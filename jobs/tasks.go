package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskSweepPolicies deactivates policies past their end date.
	TaskSweepPolicies = "authz:sweep:policies"
	// TaskSweepRoleGrants removes expired role-permission grants.
	TaskSweepRoleGrants = "authz:sweep:role_permissions"
	// TaskSweepUserRoles deactivates expired user role assignments.
	TaskSweepUserRoles = "authz:sweep:user_roles"
	// TaskSweepCrossTenant deactivates expired cross-tenant grants.
	TaskSweepCrossTenant = "authz:sweep:cross_tenant"
)

// SweepPayload carries scheduling metadata for an expiry sweep.
type SweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewSweepTask constructs an expiry sweep task of the given type.
func NewSweepTask(taskType string, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}
