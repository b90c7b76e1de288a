package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// SQLStore persists registrations in the lti_registrations/lti_deployments
// tables (see internal/db). Placeholders use $N, understood by both pgx and
// modernc sqlite.
type SQLStore struct{ DB *sql.DB }

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

const regColumns = `issuer, client_id, auth_login_url, auth_token_url, auth_audience,
       key_set_url, key_set, client_secret, tool_key_pem, tool_key_id, is_default`

func scanRegistration(row *sql.Row) (Registration, error) {
	var reg Registration
	var keySet sql.NullString
	err := row.Scan(&reg.Issuer, &reg.ClientID, &reg.AuthLoginURL, &reg.AuthTokenURL,
		&reg.AuthAudience, &reg.KeySetURL, &keySet, &reg.ClientSecret,
		&reg.ToolKeyPEM, &reg.ToolKeyID, &reg.Default)
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, ErrNotFound
	}
	if err != nil {
		return Registration{}, err
	}
	if keySet.Valid && keySet.String != "" {
		reg.KeySet = json.RawMessage(keySet.String)
	}
	return reg, nil
}

func (s *SQLStore) Get(ctx context.Context, issuer, clientID string) (Registration, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+regColumns+`
		FROM lti_registrations WHERE issuer=$1 AND client_id=$2`, issuer, clientID)
	return scanRegistration(row)
}

func (s *SQLStore) GetDefault(ctx context.Context, issuer string) (Registration, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lti_registrations WHERE issuer=$1 AND is_default`, issuer).
		Scan(&n); err != nil {
		return Registration{}, err
	}
	switch {
	case n == 0:
		return Registration{}, ErrNotFound
	case n > 1:
		return Registration{}, ErrAmbiguousDefault
	}
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+regColumns+`
		FROM lti_registrations WHERE issuer=$1 AND is_default`, issuer)
	return scanRegistration(row)
}

func (s *SQLStore) List(ctx context.Context, issuer string) ([]Registration, error) {
	q := `SELECT ` + regColumns + ` FROM lti_registrations`
	args := []any{}
	if issuer != "" {
		q += ` WHERE issuer=$1`
		args = append(args, issuer)
	}
	q += ` ORDER BY issuer, client_id`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		var reg Registration
		var keySet sql.NullString
		if err := rows.Scan(&reg.Issuer, &reg.ClientID, &reg.AuthLoginURL, &reg.AuthTokenURL,
			&reg.AuthAudience, &reg.KeySetURL, &keySet, &reg.ClientSecret,
			&reg.ToolKeyPEM, &reg.ToolKeyID, &reg.Default); err != nil {
			return nil, err
		}
		if keySet.Valid && keySet.String != "" {
			reg.KeySet = json.RawMessage(keySet.String)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *SQLStore) Put(ctx context.Context, reg Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	var keySet any
	if len(reg.KeySet) > 0 {
		keySet = string(reg.KeySet)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_registrations
		  (issuer, client_id, auth_login_url, auth_token_url, auth_audience,
		   key_set_url, key_set, client_secret, tool_key_pem, tool_key_id, is_default)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (issuer, client_id)
		DO UPDATE SET
			auth_login_url=EXCLUDED.auth_login_url,
			auth_token_url=EXCLUDED.auth_token_url,
			auth_audience=EXCLUDED.auth_audience,
			key_set_url=EXCLUDED.key_set_url,
			key_set=EXCLUDED.key_set,
			client_secret=EXCLUDED.client_secret,
			tool_key_pem=EXCLUDED.tool_key_pem,
			tool_key_id=EXCLUDED.tool_key_id,
			is_default=EXCLUDED.is_default,
			updated_at=CURRENT_TIMESTAMP`,
		reg.Issuer, reg.ClientID, reg.AuthLoginURL, reg.AuthTokenURL, reg.AuthAudience,
		reg.KeySetURL, keySet, reg.ClientSecret, reg.ToolKeyPEM, reg.ToolKeyID, reg.Default)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, issuer, clientID string) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM lti_registrations WHERE issuer=$1 AND client_id=$2`, issuer, clientID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) RecordDeployment(ctx context.Context, issuer, clientID, deploymentID string) error {
	if deploymentID == "" {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO lti_deployments (issuer, client_id, deployment_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (issuer, client_id, deployment_id) DO NOTHING`,
		issuer, clientID, deploymentID)
	return err
}

func (s *SQLStore) ListDeployments(ctx context.Context, issuer, clientID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT deployment_id FROM lti_deployments
		WHERE issuer=$1 AND client_id=$2 ORDER BY deployment_id`, issuer, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
