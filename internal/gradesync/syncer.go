package gradesync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mind-engage/ltibridge/internal/ags"
	"github.com/mind-engage/ltibridge/internal/connector"
	"github.com/mind-engage/ltibridge/internal/keys"
	"github.com/mind-engage/ltibridge/internal/launch"
	"github.com/mind-engage/ltibridge/internal/registry"
)

// AGSClient is the slice of the AGS surface the syncer needs; satisfied by
// *ags.Client and by fakes in tests.
type AGSClient interface {
	GetOrCreateLineItem(ctx context.Context, lineItemsURL string, want ags.LineItem) (ags.LineItem, error)
	PostScore(ctx context.Context, lineItemURL string, s ags.Score) error
}

// Syncer pushes internal grade changes into platform gradebooks.
//
// SyncGrade is best effort by contract: a platform outage must never block
// or roll back the grading transaction that triggered the sync. Failures
// are recorded in grade_sync_status and logged with enough context to
// replay by hand; the next grade change self-corrects.
type Syncer struct {
	Store       Store
	Assignments AssignmentSource
	Registry    registry.Store
	Keys        *keys.Resolver
	Tokens      connector.TokenCache

	Now  func() time.Time
	Logf func(format string, args ...any)

	// NewAGS overrides AGS client construction (tests).
	NewAGS func(reg registry.Registration, scopes []string) AGSClient
}

// RecordLaunch persists the mappings a successful launch establishes:
// platform user -> local user, platform context -> local course, and the
// assignment placement with its AGS endpoint. localCourseID and
// assignmentID may be empty when the launch carries no such linkage.
func RecordLaunch(ctx context.Context, store Store, lc launch.Context, localUserID, localCourseID, assignmentID string) error {
	if lc.Subject != "" && localUserID != "" {
		if err := store.MapUser(ctx, lc.Issuer, lc.Subject, localUserID); err != nil {
			return err
		}
	}
	if lc.Course.ID != "" && localCourseID != "" {
		if err := store.MapCourse(ctx, lc.Issuer, lc.DeploymentID, lc.Course.ID, localCourseID); err != nil {
			return err
		}
	}
	if assignmentID != "" && lc.ResourceLink.ID != "" && lc.AGS != nil {
		m := AssignmentMapping{
			AssignmentID:   assignmentID,
			Issuer:         lc.Issuer,
			ClientID:       lc.ClientID,
			DeploymentID:   lc.DeploymentID,
			ContextID:      lc.Course.ID,
			ResourceLinkID: lc.ResourceLink.ID,
			LineItemsURL:   lc.AGS.LineItems,
			Scopes:         lc.AGS.Scope,
			LineItemURL:    lc.AGS.LineItem,
		}
		if err := store.UpsertAssignmentMapping(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// SyncGrade reports the user's current total for an assignment to every
// platform placement it is mapped to. It never returns an error; callers
// fire and forget.
func (s *Syncer) SyncGrade(ctx context.Context, userID, assignmentID string, score float64) {
	if err := s.sync(ctx, userID, assignmentID, score); err != nil {
		s.logf("grade sync failed (user=%s assignment=%s score=%.2f): %v",
			userID, assignmentID, score, err)
	}
}

func (s *Syncer) sync(ctx context.Context, userID, assignmentID string, score float64) error {
	mappings, err := s.Store.AssignmentMappings(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("assignment mappings: %w", err)
	}
	if len(mappings) == 0 {
		// Never launched through LTI; nothing to report, by design.
		return nil
	}

	asn, err := s.Assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return fmt.Errorf("assignment %s: %w", assignmentID, err)
	}

	_ = s.Store.MarkSyncPending(ctx, userID, assignmentID)

	var firstErr error
	synced := false
	for _, m := range mappings {
		platformUserID, err := s.Store.PlatformUserID(ctx, m.Issuer, userID)
		if err != nil || platformUserID == "" {
			// User never launched from this platform; skip the placement.
			continue
		}
		if err := s.syncMapping(ctx, m, platformUserID, asn, score); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("issuer %s: %w", m.Issuer, err)
			}
			continue
		}
		synced = true
	}

	switch {
	case firstErr != nil:
		_ = s.Store.MarkSyncFailed(ctx, userID, assignmentID, firstErr.Error())
		return firstErr
	case synced:
		_ = s.Store.MarkSyncOK(ctx, userID, assignmentID)
	default:
		// All placements skipped for missing user mappings; leave pending.
	}
	return nil
}

func (s *Syncer) syncMapping(ctx context.Context, m AssignmentMapping, platformUserID string, asn Assignment, score float64) error {
	client, err := s.agsClient(ctx, m)
	if err != nil {
		return err
	}

	lineItemURL := m.LineItemURL
	if lineItemURL == "" {
		li, err := client.GetOrCreateLineItem(ctx, m.LineItemsURL, ags.LineItem{
			Label:          asn.Title,
			ScoreMaximum:   asn.MaxPoints,
			ResourceID:     asn.ID,
			ResourceLinkID: m.ResourceLinkID,
		})
		if err != nil {
			return fmt.Errorf("line item: %w", err)
		}
		lineItemURL = li.ID
		m.Label, m.ScoreMax, m.LineItemURL = li.Label, li.ScoreMaximum, li.ID
		_ = s.Store.UpsertAssignmentMapping(ctx, m)
	}

	maxPts := asn.MaxPoints
	if err := client.PostScore(ctx, lineItemURL, ags.Score{
		UserID:       platformUserID,
		ScoreGiven:   &score,
		ScoreMaximum: &maxPts,
		Timestamp:    s.now().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("post score: %w", err)
	}
	return nil
}

func (s *Syncer) agsClient(ctx context.Context, m AssignmentMapping) (AGSClient, error) {
	reg, err := s.Registry.Get(ctx, m.Issuer, m.ClientID)
	if err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	if s.NewAGS != nil {
		return s.NewAGS(reg, m.Scopes), nil
	}
	return ags.NewClient(connector.New(reg, s.Keys, s.Tokens), m.Scopes), nil
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Syncer) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
