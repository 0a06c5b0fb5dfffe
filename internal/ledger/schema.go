package ledger

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS capital (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	current REAL NOT NULL,
	day_start REAL NOT NULL,
	day_anchor TEXT NOT NULL,
	week_start REAL NOT NULL,
	week_anchor TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	instrument TEXT NOT NULL,
	side TEXT NOT NULL,
	qty REAL NOT NULL,
	price REAL NOT NULL,
	realized_pl REAL NOT NULL,
	decision_context TEXT NOT NULL DEFAULT '{}',
	executed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at);

CREATE TABLE IF NOT EXISTS positions (
	instrument TEXT PRIMARY KEY,
	qty REAL NOT NULL,
	avg_entry REAL NOT NULL,
	peak_price REAL NOT NULL,
	tiers_taken INTEGER NOT NULL DEFAULT 0,
	opened_at DATETIME NOT NULL
);
`
