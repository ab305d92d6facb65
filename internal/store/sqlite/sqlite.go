// Package sqlite implements the engine store on SQLite for single-binary
// deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/spinleaf/scenario-engine/internal/scenario"
	"github.com/spinleaf/scenario-engine/internal/store"
)

// Client is a SQLite-backed store.Store.
type Client struct {
	db *sql.DB
}

// New opens (and creates if needed) the database at path.
func New(path string) (*Client, error) {
	if path == "" {
		path = "scenario-engine.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection
	db.SetMaxOpenConns(1)

	c := &Client{db: db}
	if err := c.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return c, nil
}

func (c *Client) createSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS instances (
			id               TEXT PRIMARY KEY,
			scenario_id      TEXT NOT NULL,
			scenario_version INTEGER NOT NULL,
			player_id        TEXT NOT NULL,
			current_node_id  TEXT NOT NULL,
			status           TEXT NOT NULL,
			wake_at          TIMESTAMP,
			visited          TEXT NOT NULL DEFAULT '[]',
			fail_reason      TEXT,
			revision         INTEGER NOT NULL,
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_instances_pair ON instances(scenario_id, player_id);
		CREATE INDEX IF NOT EXISTS idx_instances_wake ON instances(wake_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			entry_id    INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			node_id     TEXT NOT NULL,
			channel     TEXT NOT NULL,
			status      TEXT NOT NULL,
			detail      TEXT,
			at          TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_instance ON audit_log(instance_id, entry_id);

		CREATE TABLE IF NOT EXISTS dispatch_ledger (
			idempotency_key TEXT PRIMARY KEY,
			delivered_at    TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS scenarios (
			id       TEXT NOT NULL,
			version  INTEGER NOT NULL,
			status   TEXT NOT NULL,
			doc      TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL,
			PRIMARY KEY (id, version)
		);
	`
	_, err := c.db.Exec(query)
	return err
}

const instanceColumns = `id, scenario_id, scenario_version, player_id, current_node_id,
	status, wake_at, visited, fail_reason, revision, created_at, updated_at`

func (c *Client) CreateInstance(ctx context.Context, inst *store.Instance, requireUnique bool) error {
	visited, err := json.Marshal(inst.Visited)
	if err != nil {
		return fmt.Errorf("failed to marshal visited log: %w", err)
	}

	now := time.Now().UTC()
	var res sql.Result
	if requireUnique {
		res, err = c.db.ExecContext(ctx, `
			INSERT INTO instances (`+instanceColumns+`)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM instances
				WHERE scenario_id = ? AND player_id = ?
				  AND status IN ('running', 'waiting')
			)`,
			inst.ID, inst.ScenarioID, inst.ScenarioVersion, inst.PlayerID,
			inst.CurrentNodeID, inst.Status, inst.WakeAt, string(visited),
			inst.FailReason, now, now, inst.ScenarioID, inst.PlayerID)
	} else {
		res, err = c.db.ExecContext(ctx, `
			INSERT INTO instances (`+instanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			inst.ID, inst.ScenarioID, inst.ScenarioVersion, inst.PlayerID,
			inst.CurrentNodeID, inst.Status, inst.WakeAt, string(visited),
			inst.FailReason, now, now)
	}
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

	inst.Revision = 1
	inst.CreatedAt = now
	inst.UpdatedAt = now
	return nil
}

func (c *Client) Instance(ctx context.Context, id string) (*store.Instance, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)

	var inst store.Instance
	var wakeAt sql.NullTime
	var visited string
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
	if visited != "" {
		if err := json.Unmarshal([]byte(visited), &inst.Visited); err != nil {
			return nil, fmt.Errorf("corrupt visited log for %s: %w", inst.ID, err)
		}
	}
	return &inst, nil
}

func (c *Client) UpdateInstance(ctx context.Context, inst *store.Instance) error {
	visited, err := json.Marshal(inst.Visited)
	if err != nil {
		return fmt.Errorf("failed to marshal visited log: %w", err)
	}

	now := time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE instances
		SET current_node_id = ?, status = ?, wake_at = ?, visited = ?,
		    fail_reason = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		inst.CurrentNodeID, inst.Status, inst.WakeAt, string(visited),
		inst.FailReason, now, inst.ID, inst.Revision)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := c.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM instances WHERE id = ?)`, inst.ID).Scan(&exists); err != nil {
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
		WHERE scenario_id = ? AND player_id = ? AND status IN ('running', 'waiting')
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
		WHERE wake_at IS NOT NULL AND wake_at <= ?
		  AND status IN ('running', 'waiting')
		ORDER BY wake_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (c *Client) OpenInstanceIDs(ctx context.Context, scenarioID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id FROM instances
		WHERE scenario_id = ? AND status IN ('running', 'waiting')
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
		SELECT id FROM instances WHERE status = 'running' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (c *Client) AppendAudit(ctx context.Context, entry store.AuditEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO audit_log (instance_id, node_id, channel, status, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, entry.NodeID, entry.Channel, entry.Status, entry.Detail, entry.At)
	return err
}

func (c *Client) AuditByInstance(ctx context.Context, instanceID string) ([]store.AuditEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT instance_id, node_id, channel, status, detail, at
		FROM audit_log WHERE instance_id = ? ORDER BY entry_id`, instanceID)
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
		INSERT OR IGNORE INTO dispatch_ledger (idempotency_key, delivered_at)
		VALUES (?, ?)`, key, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (c *Client) Delivered(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dispatch_ledger WHERE idempotency_key = ?)`, key).Scan(&exists)
	return exists, err
}

func (c *Client) SaveScenario(ctx context.Context, s *scenario.Scenario) error {
	doc, err := s.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode scenario: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, version, status, doc, saved_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Version, s.Status, string(doc), time.Now().UTC())
	return err
}

func (c *Client) LoadScenario(ctx context.Context, id string, version int) (*scenario.Scenario, error) {
	var doc string
	err := c.db.QueryRowContext(ctx,
		`SELECT doc FROM scenarios WHERE id = ? AND version = ?`, id, version).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return scenario.Parse([]byte(doc))
}

func (c *Client) LoadLatestScenarios(ctx context.Context) ([]*scenario.Scenario, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT s.doc FROM scenarios s
		JOIN (SELECT id, MAX(version) AS version FROM scenarios GROUP BY id) latest
		  ON s.id = latest.id AND s.version = latest.version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*scenario.Scenario
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		s, err := scenario.Parse([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) SetScenarioStatus(ctx context.Context, id string, version int, status scenario.Status) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE scenarios SET status = ?,
			doc = json_set(doc, '$.status', ?)
		WHERE id = ? AND version = ?`, status, status, id, version)
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

func (c *Client) Close() error {
	return c.db.Close()
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
