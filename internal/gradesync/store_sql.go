package gradesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// SQLStore persists mappings in the lti_* tables (see internal/db).
type SQLStore struct{ DB *sql.DB }

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

func (s *SQLStore) AssignmentMappings(ctx context.Context, assignmentID string) ([]AssignmentMapping, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT assignment_id, issuer, client_id, deployment_id, context_id, resource_link_id,
		       lineitems_url, scopes, label, score_max, line_item_url
		FROM lti_assignment_map WHERE assignment_id=$1`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssignmentMapping
	for rows.Next() {
		var m AssignmentMapping
		var scopes sql.NullString
		if err := rows.Scan(&m.AssignmentID, &m.Issuer, &m.ClientID, &m.DeploymentID,
			&m.ContextID, &m.ResourceLinkID, &m.LineItemsURL, &scopes,
			&m.Label, &m.ScoreMax, &m.LineItemURL); err != nil {
			return nil, err
		}
		if scopes.Valid && scopes.String != "" {
			_ = json.Unmarshal([]byte(scopes.String), &m.Scopes)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertAssignmentMapping(ctx context.Context, m AssignmentMapping) error {
	var scopes any
	if len(m.Scopes) > 0 {
		b, _ := json.Marshal(m.Scopes)
		scopes = string(b)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_assignment_map
		  (assignment_id, issuer, client_id, deployment_id, context_id, resource_link_id,
		   lineitems_url, scopes, label, score_max, line_item_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (assignment_id, issuer, deployment_id, context_id, resource_link_id)
		DO UPDATE SET
			client_id=EXCLUDED.client_id,
			lineitems_url=EXCLUDED.lineitems_url,
			scopes=EXCLUDED.scopes,
			label=EXCLUDED.label,
			score_max=EXCLUDED.score_max,
			line_item_url=EXCLUDED.line_item_url,
			updated_at=CURRENT_TIMESTAMP`,
		m.AssignmentID, m.Issuer, m.ClientID, m.DeploymentID, m.ContextID, m.ResourceLinkID,
		m.LineItemsURL, scopes, m.Label, m.ScoreMax, m.LineItemURL)
	return err
}

func (s *SQLStore) PlatformUserID(ctx context.Context, issuer, localUserID string) (string, error) {
	var sub string
	err := s.DB.QueryRowContext(ctx,
		`SELECT platform_sub FROM lti_user_map WHERE issuer=$1 AND local_user_id=$2`,
		issuer, localUserID).Scan(&sub)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotMapped
	}
	return sub, err
}

func (s *SQLStore) MapUser(ctx context.Context, issuer, platformSub, localUserID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_user_map (issuer, platform_sub, local_user_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (issuer, platform_sub) DO UPDATE SET local_user_id=EXCLUDED.local_user_id`,
		issuer, platformSub, localUserID)
	return err
}

func (s *SQLStore) LocalCourseID(ctx context.Context, issuer, deploymentID, contextID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
		SELECT local_course_id FROM lti_course_map
		WHERE issuer=$1 AND deployment_id=$2 AND context_id=$3`,
		issuer, deploymentID, contextID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotMapped
	}
	return id, err
}

func (s *SQLStore) MapCourse(ctx context.Context, issuer, deploymentID, contextID, localCourseID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_course_map (issuer, deployment_id, context_id, local_course_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (issuer, deployment_id, context_id) DO UPDATE SET local_course_id=EXCLUDED.local_course_id`,
		issuer, deploymentID, contextID, localCourseID)
	return err
}

func (s *SQLStore) MarkSyncPending(ctx context.Context, userID, assignmentID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO grade_sync_status (user_id, assignment_id, status, retries, updated_at)
		VALUES ($1,$2,'pending',0,CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, assignment_id)
		DO UPDATE SET status='pending', updated_at=CURRENT_TIMESTAMP`,
		userID, assignmentID)
	return err
}

func (s *SQLStore) MarkSyncOK(ctx context.Context, userID, assignmentID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE grade_sync_status
		   SET status='ok', last_error=NULL, updated_at=CURRENT_TIMESTAMP
		 WHERE user_id=$1 AND assignment_id=$2`, userID, assignmentID)
	return err
}

func (s *SQLStore) MarkSyncFailed(ctx context.Context, userID, assignmentID, lastErr string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO grade_sync_status (user_id, assignment_id, status, retries, last_error, updated_at)
		VALUES ($1,$2,'failed',1,$3,CURRENT_TIMESTAMP)
		ON CONFLICT (user_id, assignment_id)
		DO UPDATE SET
			status='failed',
			retries=grade_sync_status.retries+1,
			last_error=$3,
			updated_at=CURRENT_TIMESTAMP`,
		userID, assignmentID, lastErr)
	return err
}
