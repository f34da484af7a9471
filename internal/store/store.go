// Package store manages the SQLite journal (WAL mode) for meshbridge.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Direction tells inbound traffic from outbound traffic.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Message statuses recorded in the journal.
const (
	StatusReceived = "received"
	StatusSent     = "sent"
	StatusQueued   = "queued"
	StatusDropped  = "dropped"
	StatusFailed   = "failed"
)

// Message is one journal row.
type Message struct {
	ID         int64     `json:"id"`
	UUID       string    `json:"uuid"`
	MeshID     uint32    `json:"mesh_id,omitempty"` // Meshtastic packet ID, inbound only
	FromNode   string    `json:"from_node"`
	ToNode     string    `json:"to_node"`
	Channel    int       `json:"channel"`
	Text       string    `json:"text"`
	Direction  Direction `json:"direction"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"at"`
}

// Peer is one row of the node table.
type Peer struct {
	NodeID      string
	LongName    string
	ShortName   string
	LastSeen    time.Time
	LastChannel int
}

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
// Use ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the DDL schema. It is idempotent.
func Migrate(db *DB) error {
	for _, stmt := range []string{ddlMessages, ddlPeers} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// InsertMessage appends m to the journal and returns its row ID.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (uuid, mesh_id, from_node, to_node, channel, text, direction, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UUID, m.MeshID, m.FromNode, m.ToNode, m.Channel, m.Text,
		string(m.Direction), m.Status, m.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	m.ID = id
	return id, nil
}

// UpdateStatus changes the status of the message identified by uuid.
func (db *DB) UpdateStatus(ctx context.Context, uuid, status string) error {
	_, err := db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE uuid = ?`, status, uuid)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return nil
}

// ListMessages returns the limit most recent messages, newest first.
func (db *DB) ListMessages(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, uuid, mesh_id, from_node, to_node, channel, text, direction, status, received_at
		FROM messages
		ORDER BY received_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]*Message, 0, limit)
	for rows.Next() {
		var (
			m   Message
			dir string
			at  int64
		)
		if err := rows.Scan(&m.ID, &m.UUID, &m.MeshID, &m.FromNode, &m.ToNode,
			&m.Channel, &m.Text, &dir, &m.Status, &at); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Direction = Direction(dir)
		m.ReceivedAt = time.UnixMilli(at).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpsertPeer creates or refreshes a node row.
func (db *DB) UpsertPeer(ctx context.Context, p Peer) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO peers (node_id, long_name, short_name, last_seen, last_channel)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE
		  SET long_name    = COALESCE(NULLIF(excluded.long_name, ''), peers.long_name),
		      short_name   = COALESCE(NULLIF(excluded.short_name, ''), peers.short_name),
		      last_seen    = excluded.last_seen,
		      last_channel = excluded.last_channel`,
		p.NodeID, p.LongName, p.ShortName, p.LastSeen.Unix(), p.LastChannel,
	)
	if err != nil {
		return fmt.Errorf("store: upsert peer %s: %w", p.NodeID, err)
	}
	return nil
}

// ListPeers returns every stored node.
func (db *DB) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT node_id, long_name, short_name, last_seen, last_channel FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var (
			p    Peer
			seen int64
		)
		if err := rows.Scan(&p.NodeID, &p.LongName, &p.ShortName, &seen, &p.LastChannel); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		p.LastSeen = time.Unix(seen, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    uuid        TEXT    NOT NULL DEFAULT '',
    mesh_id     INTEGER NOT NULL DEFAULT 0,  -- Meshtastic packet ID
    from_node   TEXT    NOT NULL,
    to_node     TEXT    NOT NULL DEFAULT 'broadcast',
    channel     INTEGER NOT NULL DEFAULT 0,
    text        TEXT    NOT NULL,
    direction   TEXT    NOT NULL,            -- 'in' | 'out'
    status      TEXT    NOT NULL,
    received_at INTEGER NOT NULL             -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages (received_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_uuid ON messages (uuid);
`

const ddlPeers = `
CREATE TABLE IF NOT EXISTS peers (
    node_id      TEXT    PRIMARY KEY,        -- "!deadbeef"
    long_name    TEXT    NOT NULL DEFAULT '',
    short_name   TEXT    NOT NULL DEFAULT '',
    last_seen    INTEGER NOT NULL,           -- Unix seconds
    last_channel INTEGER NOT NULL DEFAULT 0
);
`
