// Package postgres implements the engine store on PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// Client is a Postgres-backed store.Store. It also satisfies events.Sink so
// the engine event stream can be persisted to the same database.
type Client struct {
	db *sql.DB
}

// New opens a connection using dsn, falling back to the PG* environment
// variables when dsn is empty, and creates the schema if missing.
func New(dsn string) (*Client, error) {
	if dsn == "" {
		dsn = dsnFromEnv()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	c := &Client{db: db}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return c, nil
}

func dsnFromEnv() string {
	host := getEnv("PGHOST", "127.0.0.1")
	port := getEnv("PGPORT", "5432")
	user := getEnv("PGUSER", "scenario")
	dbname := getEnv("PGDATABASE", "scenario")
	password := os.Getenv("PGPASSWORD")

	if password != "" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		host, port, user, dbname)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS instances (
			id               TEXT PRIMARY KEY,
			scenario_id      TEXT NOT NULL,
			scenario_version INT NOT NULL,
			player_id        TEXT NOT NULL,
			current_node_id  TEXT NOT NULL,
			status           TEXT NOT NULL,
			wake_at          TIMESTAMPTZ,
			visited          JSONB NOT NULL DEFAULT '[]',
			fail_reason      TEXT,
			revision         BIGINT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_pair ON instances(scenario_id, player_id);
		CREATE INDEX IF NOT EXISTS idx_instances_wake ON instances(wake_at) WHERE wake_at IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);

		CREATE TABLE IF NOT EXISTS audit_log (
			entry_id    BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			node_id     TEXT NOT NULL,
			channel     TEXT NOT NULL,
			status      TEXT NOT NULL,
			detail      TEXT,
			at          TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_log(instance_id, entry_id);

		CREATE TABLE IF NOT EXISTS dispatch_ledger (
			idempotency_key TEXT PRIMARY KEY,
			delivered_at    TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scenarios (
			id       TEXT NOT NULL,
			version  INT NOT NULL,
			status   TEXT NOT NULL,
			doc      JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, version)
		);

		CREATE TABLE IF NOT EXISTS engine_events (
			event_id BIGSERIAL PRIMARY KEY,
			ts       TIMESTAMPTZ NOT NULL,
			level    TEXT NOT NULL,
			event    TEXT NOT NULL,
			msg      TEXT,
			fields   JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_engine_events_ts ON engine_events(ts DESC);
	`
	_, err := c.db.Exec(query)
	return err
}

const instanceColumns = `id, scenario_id, scenario_version, player_id, current_node_id,
	status, wake_at, visited, fail_reason, revision, created_at, updated_at`

func (c *Client) CreateInstance(ctx context.Context, inst *store.Instance, requireUnique bool) error {
	visited, err := json.Marshal(emptyIfNil(inst.Visited))
	if err != nil {
		return fmt.Errorf("failed to marshal visited log: %w", err)
	}

	now := time.Now().UTC()
	if requireUnique {
		// An INSERT..WHERE NOT EXISTS alone is not enough: under READ
		// COMMITTED two racing creators each check against a snapshot
		// that predates the other's insert. A transaction-scoped
		// advisory lock on the pair serializes them, and the loser's
		// existence check then runs against a snapshot that includes
		// the winner's committed row.
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1 || '|' || $2, 0))`,
			inst.ScenarioID, inst.PlayerID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO instances (`+instanceColumns+`)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10
			WHERE NOT EXISTS (
				SELECT 1 FROM instances
				WHERE scenario_id = $2 AND player_id = $4
				  AND status IN ('running', 'waiting')
			)`,
			inst.ID, inst.ScenarioID, inst.ScenarioVersion, inst.PlayerID,
			inst.CurrentNodeID, inst.Status, inst.WakeAt, visited,
			nullable(inst.FailReason), now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrDuplicateActive
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	} else {
		if _, err := c.db.ExecContext(ctx, `
			INSERT INTO instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)`,
			inst.ID, inst.ScenarioID, inst.ScenarioVersion, inst.PlayerID,
			inst.CurrentNodeID, inst.Status, inst.WakeAt, visited,
			nullable(inst.FailReason), now); err != nil {
			return err
		}
	}

	inst.Revision = 1
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return nil
}

func (c *Client) Instance(ctx context.Context, id string) (*store.Instance, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	return scanInstance(row)
}

func (c *Client) UpdateInstance(ctx context.Context, inst *store.Instance) error {
	visited, err := json.Marshal(emptyIfNil(inst.Visited))
	if err != nil {
		return fmt.Errorf("failed to marshal visited log: %w", err)
	}

	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE instances
		SET current_node_id = $1, status = $2, wake_at = $3, visited = $4,
		    fail_reason = $5, revision = revision + 1, updated_at = $6
		WHERE id = $7 AND revision = $8`,
		inst.CurrentNodeID, inst.Status, inst.WakeAt, visited,
		nullable(inst.FailReason), now, inst.ID, inst.Revision)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// distinguish a lost race from a missing row
		var exists bool
		if err := c.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}

	inst.Revision++
	inst.UpdatedAt = now
	return nil
}

func (c *Client) ActiveInstanceID(ctx context.Context, scenarioID, playerID string) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx, `
		SELECT id FROM instances
		WHERE scenario_id = $1 AND player_id = $2 AND status IN ('running', 'waiting')
		LIMIT 1`, scenarioID, playerID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (c *Client) DueInstanceIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM instances
		WHERE wake_at IS NOT NULL AND wake_at <= $1
		  AND status IN ('running', 'waiting')
		ORDER BY wake_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (c *Client) OpenInstanceIDs(ctx context.Context, scenarioID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM instances
		WHERE scenario_id = $1 AND status IN ('running', 'waiting')
		ORDER BY id`, scenarioID)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (c *Client) RunningInstanceIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM instances WHERE status = 'running' ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (c *Client) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO audit_log (instance_id, node_id, channel, status, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.InstanceID, entry.NodeID, entry.Channel, entry.Status,
		nullable(entry.Detail), entry.At)
	return err
}

func (c *Client) AuditByInstance(ctx context.Context, instanceID string) ([]store.AuditEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT instance_id, node_id, channel, status, detail, at
		FROM audit_log WHERE instance_id = $1 ORDER BY entry_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&e.InstanceID, &e.NodeID, &e.Channel, &e.Status, &detail, &e.At); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (c *Client) MarkDelivered(ctx context.Context, key string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO dispatch_ledger (idempotency_key, delivered_at)
		VALUES ($1, $2) ON CONFLICT (idempotency_key) DO NOTHING`,
		key, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (c *Client) Delivered(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dispatch_ledger WHERE idempotency_key = $1)`, key).Scan(&exists)
	return exists, err
}

func (c *Client) SaveScenario(ctx context.Context, s *scenario.Scenario) error {
	doc, err := s.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode scenario: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, version, status, doc, saved_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Version, s.Status, doc, time.Now().UTC())
	return err
}

func (c *Client) LoadScenario(ctx context.Context, id string, version int) (*scenario.Scenario, error) {
	var doc []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT doc FROM scenarios WHERE id = $1 AND version = $2`, id, version).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeScenarioRow(doc, id, version)
}

func (c *Client) LoadLatestScenarios(ctx context.Context) ([]*scenario.Scenario, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT DISTINCT ON (id) id, version, doc FROM scenarios
		ORDER BY id, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scenario.Scenario
	for rows.Next() {
		var id string
		var version int
		var doc []byte
		if err := rows.Scan(&id, &version, &doc); err != nil {
			return nil, err
		}
		s, err := decodeScenarioRow(doc, id, version)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) SetScenarioStatus(ctx context.Context, id string, version int, status scenario.Status) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE scenarios SET status = $1,
			doc = jsonb_set(doc, '{status}', to_jsonb($1::text))
		WHERE id = $2 AND version = $3`, status, id, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendEvent satisfies events.Sink, persisting the engine event stream.
func (c *Client) AppendEvent(ts time.Time, level, name, msg string, fields map[string]interface{}) error {
	var fieldsJSON []byte
	if fields != nil {
		var err error
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}
	_, err := c.db.Exec(`
		INSERT INTO engine_events (ts, level, event, msg, fields)
		VALUES ($1, $2, $3, $4, $5)`,
		ts, level, name, nullable(msg), fieldsJSON)
	return err
}

func (c *Client) Close() error {
	return c.db.Close()
}

func decodeScenarioRow(doc []byte, id string, version int) (*scenario.Scenario, error) {
	s, err := scenario.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("corrupt scenario row %s v%d: %w", id, version, err)
	}
	return s, nil
}

func scanInstance(row *sql.Row) (*store.Instance, error) {
	var inst store.Instance
	var wakeAt sql.NullTime
	var visited []byte
	var failReason sql.NullString

	err := row.Scan(&inst.ID, &inst.ScenarioID, &inst.ScenarioVersion, &inst.PlayerID,
		&inst.CurrentNodeID, &inst.Status, &wakeAt, &visited, &failReason,
		&inst.Revision, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if wakeAt.Valid {
		t := wakeAt.Time
		inst.WakeAt = &t
	}
	inst.FailReason = failReason.String
	if len(visited) > 0 {
		if err := json.Unmarshal(visited, &inst.Visited); err != nil {
			return nil, fmt.Errorf("corrupt visited log for %s: %w", inst.ID, err)
		}
	}
	return &inst, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
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

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func emptyIfNil(v []store.VisitedNode) []store.VisitedNode {
	if v == nil {
		return []store.VisitedNode{}
	}
	return v
}
