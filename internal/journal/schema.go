package journal

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  user_id TEXT,
  kind TEXT NOT NULL,
  payload TEXT,
  delivered INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_thread_created ON deliveries(thread_id, created_at);

CREATE INDEX IF NOT EXISTS idx_deliveries_delivered ON deliveries(delivered);
`
