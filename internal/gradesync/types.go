package gradesync

import (
	"context"
	"errors"
)

// AssignmentMapping links an internal assignment to the platform-side
// resource link it was launched from, plus the line item created (or found)
// for it. One assignment may be placed in several contexts; each placement
// gets its own mapping row.
type AssignmentMapping struct {
	AssignmentID   string
	Issuer         string
	ClientID       string
	DeploymentID   string
	ContextID      string
	ResourceLinkID string

	// From the launch's AGS endpoint claim.
	LineItemsURL string
	Scopes       []string

	Label       string
	ScoreMax    float64
	LineItemURL string // absolute URL once created/found
}

// ErrNotMapped means the user/assignment was never linked through a launch;
// the orchestrator treats it as "nothing to sync".
var ErrNotMapped = errors.New("gradesync: no external mapping")

// Store persists the opportunistically created external-id mappings and the
// per-(user, assignment) sync bookkeeping.
type Store interface {
	AssignmentMappings(ctx context.Context, assignmentID string) ([]AssignmentMapping, error)
	UpsertAssignmentMapping(ctx context.Context, m AssignmentMapping) error

	PlatformUserID(ctx context.Context, issuer, localUserID string) (string, error)
	MapUser(ctx context.Context, issuer, platformSub, localUserID string) error

	LocalCourseID(ctx context.Context, issuer, deploymentID, contextID string) (string, error)
	MapCourse(ctx context.Context, issuer, deploymentID, contextID, localCourseID string) error

	MarkSyncPending(ctx context.Context, userID, assignmentID string) error
	MarkSyncOK(ctx context.Context, userID, assignmentID string) error
	MarkSyncFailed(ctx context.Context, userID, assignmentID, lastErr string) error
}

// Assignment is the internal gradable unit, fetched from the owning store.
type Assignment struct {
	ID        string
	Title     string
	MaxPoints float64
}

// AssignmentSource is the narrow view of the external assignment store.
type AssignmentSource interface {
	GetAssignment(ctx context.Context, id string) (Assignment, error)
}
