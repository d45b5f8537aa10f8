package db

const schemaSQL = `
-- ===========================================================================
-- PROVIDER SETTINGS (per-provider enablement)
-- ===========================================================================

CREATE TABLE IF NOT EXISTS provider_settings (
  provider_id TEXT PRIMARY KEY,
  enabled INTEGER NOT NULL DEFAULT 1,
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- ===========================================================================
-- CLOUD TOKENS (one row per credential set)
-- ===========================================================================

CREATE TABLE IF NOT EXISTS cloud_tokens (
  credential_set TEXT PRIMARY KEY,
  access_token TEXT NOT NULL,
  refresh_token TEXT NOT NULL,
  expires_at TEXT NOT NULL,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- ===========================================================================
-- PROVIDER EVENTS (transition history for the audit surface)
-- ===========================================================================

CREATE TABLE IF NOT EXISTS provider_events (
  event_id TEXT PRIMARY KEY,
  provider_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  from_status TEXT,
  to_status TEXT,
  reason TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_provider_events_created ON provider_events(created_at);
CREATE INDEX IF NOT EXISTS idx_provider_events_provider ON provider_events(provider_id, created_at);
`
