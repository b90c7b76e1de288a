package db

// Schemas for the registration store and the grade-sync mapping tables.
// Registrations are administrator-managed; mapping rows are created
// opportunistically on launch / first sync and never deleted automatically.

const schemaPostgres = `
-- Platform registrations, one row per (issuer, client_id).
CREATE TABLE IF NOT EXISTS lti_registrations (
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  auth_login_url  TEXT NOT NULL,
  auth_token_url  TEXT NOT NULL,
  auth_audience   TEXT NOT NULL DEFAULT '',
  key_set_url     TEXT NOT NULL DEFAULT '',
  key_set         JSONB,            -- static JWKS when key_set_url is empty
  client_secret   TEXT NOT NULL DEFAULT '',
  tool_key_pem    TEXT NOT NULL DEFAULT '',
  tool_key_id     TEXT NOT NULL DEFAULT '',
  is_default      BOOLEAN NOT NULL DEFAULT FALSE,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (issuer, client_id)
);

-- Deployments seen for a registration (administrative visibility only;
-- launches do not require the deployment to be listed here).
CREATE TABLE IF NOT EXISTS lti_deployments (
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  deployment_id   TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (issuer, client_id, deployment_id)
);

-- Map platform context to a local course.
CREATE TABLE IF NOT EXISTS lti_course_map (
  issuer          TEXT NOT NULL,
  deployment_id   TEXT NOT NULL,
  context_id      TEXT NOT NULL,
  local_course_id TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (issuer, deployment_id, context_id)
);

-- Map platform user (launch sub) to a local user id.
CREATE TABLE IF NOT EXISTS lti_user_map (
  issuer          TEXT NOT NULL,
  platform_sub    TEXT NOT NULL,
  local_user_id   TEXT NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (issuer, platform_sub)
);
CREATE INDEX IF NOT EXISTS lti_user_map_local ON lti_user_map (issuer, local_user_id);

-- One line item per (assignment x resource link) on a given platform.
CREATE TABLE IF NOT EXISTS lti_assignment_map (
  id               BIGSERIAL PRIMARY KEY,
  assignment_id    TEXT NOT NULL,
  issuer           TEXT NOT NULL,
  client_id        TEXT NOT NULL,
  deployment_id    TEXT NOT NULL,
  context_id       TEXT NOT NULL,
  resource_link_id TEXT NOT NULL,
  lineitems_url    TEXT NOT NULL DEFAULT '',  -- from AGS endpoint claim
  scopes           JSONB,                     -- granted AGS scopes
  label            TEXT NOT NULL DEFAULT '',
  score_max        NUMERIC NOT NULL DEFAULT 0,
  line_item_url    TEXT NOT NULL DEFAULT '',  -- absolute URL once created/found
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (assignment_id, issuer, deployment_id, context_id, resource_link_id)
);

-- Passback status per (user x assignment).
CREATE TABLE IF NOT EXISTS grade_sync_status (
  user_id        TEXT NOT NULL,
  assignment_id  TEXT NOT NULL,
  status         TEXT NOT NULL CHECK (status IN ('pending','ok','failed')),
  retries        INT NOT NULL DEFAULT 0,
  last_error     TEXT,
  updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (user_id, assignment_id)
);
`

const schemaSQLite = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS lti_registrations (
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  auth_login_url  TEXT NOT NULL,
  auth_token_url  TEXT NOT NULL,
  auth_audience   TEXT NOT NULL DEFAULT '',
  key_set_url     TEXT NOT NULL DEFAULT '',
  key_set         TEXT,
  client_secret   TEXT NOT NULL DEFAULT '',
  tool_key_pem    TEXT NOT NULL DEFAULT '',
  tool_key_id     TEXT NOT NULL DEFAULT '',
  is_default      INTEGER NOT NULL DEFAULT 0,
  created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (issuer, client_id),
  CHECK (key_set IS NULL OR json_valid(key_set))
);

CREATE TABLE IF NOT EXISTS lti_deployments (
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL,
  deployment_id   TEXT NOT NULL,
  created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (issuer, client_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS lti_course_map (
  issuer          TEXT NOT NULL,
  deployment_id   TEXT NOT NULL,
  context_id      TEXT NOT NULL,
  local_course_id TEXT NOT NULL,
  created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (issuer, deployment_id, context_id)
);

CREATE TABLE IF NOT EXISTS lti_user_map (
  issuer          TEXT NOT NULL,
  platform_sub    TEXT NOT NULL,
  local_user_id   TEXT NOT NULL,
  created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (issuer, platform_sub)
);
CREATE INDEX IF NOT EXISTS lti_user_map_local ON lti_user_map (issuer, local_user_id);

CREATE TABLE IF NOT EXISTS lti_assignment_map (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  assignment_id    TEXT NOT NULL,
  issuer           TEXT NOT NULL,
  client_id        TEXT NOT NULL,
  deployment_id    TEXT NOT NULL,
  context_id       TEXT NOT NULL,
  resource_link_id TEXT NOT NULL,
  lineitems_url    TEXT NOT NULL DEFAULT '',
  scopes           TEXT,
  label            TEXT NOT NULL DEFAULT '',
  score_max        REAL NOT NULL DEFAULT 0,
  line_item_url    TEXT NOT NULL DEFAULT '',
  created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (assignment_id, issuer, deployment_id, context_id, resource_link_id),
  CHECK (scopes IS NULL OR json_valid(scopes))
);

CREATE TABLE IF NOT EXISTS grade_sync_status (
  user_id        TEXT NOT NULL,
  assignment_id  TEXT NOT NULL,
  status         TEXT NOT NULL CHECK (status IN ('pending','ok','failed')),
  retries        INTEGER NOT NULL DEFAULT 0,
  last_error     TEXT,
  updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (user_id, assignment_id)
);
`
