package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chanrelay/chanrelay-server/internal/proto"
	"github.com/chanrelay/chanrelay-server/internal/store"
)

// Store implements store.Store for SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id        TEXT PRIMARY KEY,
	key       TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	owner     TEXT NOT NULL,
	server_id TEXT NOT NULL DEFAULT '',
	is_open   INTEGER NOT NULL DEFAULT 0,
	members   TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	time_unix  INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_channel_time
	ON chat_messages (channel_id, time_unix);

CREATE TABLE IF NOT EXISTS missed_channels (
	user_id      TEXT PRIMARY KEY,
	channel_ids  TEXT NOT NULL DEFAULT '[]',
	acknowledged INTEGER NOT NULL DEFAULT 0
);
`

// New opens the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// wrap maps driver-level failures onto the store error taxonomy.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database is locked") || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ==== ChannelStore ====

func (s *Store) HasID(ctx context.Context, channelID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM channels WHERE id = ?`, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("has channel", err)
	}
	return true, nil
}

func (s *Store) Store(ctx context.Context, ch *store.Channel) error {
	members, err := json.Marshal(ch.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, key, name, owner, server_id, is_open, members)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key, name = excluded.name, owner = excluded.owner,
			server_id = excluded.server_id, is_open = excluded.is_open,
			members = excluded.members`,
		ch.ID, ch.Key, ch.Name, ch.Owner, ch.ServerID, boolInt(ch.IsOpen), string(members))
	return wrap("store channel", err)
}

func (s *Store) Update(ctx context.Context, channelID string, upd store.ChannelUpdate) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Owner != nil {
		sets = append(sets, "owner = ?")
		args = append(args, *upd.Owner)
	}
	if upd.Members != nil {
		members, err := json.Marshal(upd.Members)
		if err != nil {
			return fmt.Errorf("encode members: %w", err)
		}
		sets = append(sets, "members = ?")
		args = append(args, string(members))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, channelID)
	_, err := s.db.ExecContext(ctx,
		"UPDATE channels SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	return wrap("update channel", err)
}

func (s *Store) Remove(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, channelID)
	return wrap("remove channel", err)
}

func (s *Store) RemoveAllOwnedBy(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE owner = ?`, userID)
	if err != nil {
		return -1, wrap("remove channels of owner", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return -1, wrap("remove channels of owner", err)
	}
	return int(n), nil
}

func (s *Store) GetByID(ctx context.Context, channelID string) (*store.Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, name, owner, server_id, is_open, members
		FROM channels WHERE id = ?`, channelID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get channel", err)
	}
	return ch, nil
}

func (s *Store) GetAll(ctx context.Context, includeOtherServers bool, serverID string) ([]*store.Channel, error) {
	query := `SELECT id, key, name, owner, server_id, is_open, members FROM channels`
	args := []any{}
	if !includeOtherServers {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	return s.queryChannels(ctx, query, args...)
}

func (s *Store) GetAllOwnedBy(ctx context.Context, userID string) ([]*store.Channel, error) {
	return s.queryChannels(ctx, `
		SELECT id, key, name, owner, server_id, is_open, members
		FROM channels WHERE owner = ?`, userID)
}

func (s *Store) queryChannels(ctx context.Context, query string, args ...any) ([]*store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("query channels", err)
	}
	defer rows.Close()

	var out []*store.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, wrap("scan channel", err)
		}
		out = append(out, ch)
	}
	return out, wrap("query channels", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*store.Channel, error) {
	var (
		ch      store.Channel
		isOpen  int
		members string
	)
	if err := row.Scan(&ch.ID, &ch.Key, &ch.Name, &ch.Owner, &ch.ServerID, &isOpen, &members); err != nil {
		return nil, err
	}
	ch.IsOpen = isOpen != 0
	if err := json.Unmarshal([]byte(members), &ch.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return &ch, nil
}

// ==== ChatStore ====

func (s *Store) StoreMessage(ctx context.Context, msg *proto.Message) error {
	payload, err := msg.Export()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (channel_id, time_unix, payload)
		VALUES (?, ?, ?)`, msg.ChannelID, msg.TimeUNIX, string(payload))
	return wrap("store message", err)
}

func (s *Store) GetAllOfChannel(ctx context.Context, channelID string, notOlderThan int64) ([]*proto.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM chat_messages
		WHERE channel_id = ? AND time_unix >= ?
		ORDER BY time_unix ASC`, channelID, notOlderThan)
	if err != nil {
		return nil, wrap("query messages", err)
	}
	defer rows.Close()

	var out []*proto.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, wrap("scan message", err)
		}
		msg, err := proto.Import([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, wrap("query messages", rows.Err())
}

func (s *Store) RemoveOlderThan(ctx context.Context, channelID string, ts int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chat_messages WHERE channel_id = ? AND time_unix <= ?`, channelID, ts)
	if err != nil {
		return -1, wrap("remove old messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return -1, wrap("remove old messages", err)
	}
	return int(n), nil
}

func (s *Store) UpdateMissedChannelsForUser(ctx context.Context, userID string, channelIDs []string, acknowledged bool) error {
	ids, err := json.Marshal(channelIDs)
	if err != nil {
		return fmt.Errorf("encode channel ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO missed_channels (user_id, channel_ids, acknowledged)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			channel_ids = excluded.channel_ids,
			acknowledged = excluded.acknowledged`,
		userID, string(ids), boolInt(acknowledged))
	return wrap("update missed channels", err)
}

func (s *Store) GetMissedChannelsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids string
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_ids FROM missed_channels WHERE user_id = ?`, userID).Scan(&ids)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get missed channels", err)
	}
	var out []string
	if err := json.Unmarshal([]byte(ids), &out); err != nil {
		return nil, fmt.Errorf("decode channel ids: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
