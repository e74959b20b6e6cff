package store

import (
	"fmt"
	"strings"
)

type dialect struct {
	name       string
	schema     []string
	globClause string
	// translateGlob turns a bus glob (* and ?) into the operand of globClause.
	translateGlob func(string) string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return sqliteDialect, nil
	case DriverPostgres, "postgres":
		return postgresDialect, nil
	case DriverMySQL:
		return mysqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported driver: %s", driver)
	}
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    topic TEXT NOT NULL,
    source TEXT NOT NULL,
    payload TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    correlation_id TEXT,
    priority TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS subscription_audit (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    action TEXT NOT NULL,
    subscription_id TEXT NOT NULL,
    pattern TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_owner ON subscription_audit(owner_id)`,
	},
	globClause:    "topic GLOB ?",
	translateGlob: sqliteGlob,
}

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
    seq BIGSERIAL PRIMARY KEY,
    id VARCHAR(36) NOT NULL UNIQUE,
    topic VARCHAR(255) NOT NULL,
    source VARCHAR(255) NOT NULL,
    payload TEXT NOT NULL,
    timestamp BIGINT NOT NULL,
    correlation_id VARCHAR(255),
    priority VARCHAR(16) NOT NULL,
    created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS subscription_audit (
    seq BIGSERIAL PRIMARY KEY,
    action VARCHAR(16) NOT NULL,
    subscription_id VARCHAR(36) NOT NULL,
    pattern VARCHAR(255) NOT NULL,
    owner_id VARCHAR(255) NOT NULL,
    timestamp BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_owner ON subscription_audit(owner_id)`,
	},
	globClause:    "topic LIKE ? ESCAPE '!'",
	translateGlob: likeGlob,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
// Text columns that are filtered on use a binary collation so matching is
// case-sensitive like the other dialects.
var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
    seq BIGINT AUTO_INCREMENT PRIMARY KEY,
    id VARCHAR(36) NOT NULL UNIQUE,
    topic VARCHAR(255) COLLATE utf8mb4_bin NOT NULL,
    source VARCHAR(255) COLLATE utf8mb4_bin NOT NULL,
    payload LONGTEXT NOT NULL,
    timestamp BIGINT NOT NULL,
    correlation_id VARCHAR(255) COLLATE utf8mb4_bin,
    priority VARCHAR(16) NOT NULL,
    created_at BIGINT NOT NULL,
    INDEX idx_events_topic (topic),
    INDEX idx_events_source (source),
    INDEX idx_events_timestamp (timestamp),
    INDEX idx_events_correlation (correlation_id)
) DEFAULT CHARSET = utf8mb4`,
		`CREATE TABLE IF NOT EXISTS subscription_audit (
    seq BIGINT AUTO_INCREMENT PRIMARY KEY,
    action VARCHAR(16) NOT NULL,
    subscription_id VARCHAR(36) NOT NULL,
    pattern VARCHAR(255) NOT NULL,
    owner_id VARCHAR(255) NOT NULL,
    timestamp BIGINT NOT NULL,
    INDEX idx_audit_owner (owner_id)
)`,
	},
	globClause:    "topic COLLATE utf8mb4_bin LIKE ? ESCAPE '!'",
	translateGlob: likeGlob,
}

// sqliteGlob keeps * and ? as they are; only '[' opens a character class in
// GLOB and has to be bracketed to stay literal.
func sqliteGlob(pattern string) string {
	return strings.ReplaceAll(pattern, "[", "[[]")
}

// likeGlob maps * to % and ? to _, escaping LIKE metacharacters with '!'.
func likeGlob(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	for _, r := range pattern {
		switch r {
		case '!', '%', '_':
			b.WriteRune('!')
			b.WriteRune(r)
		case '*':
			b.WriteRune('%')
		case '?':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
