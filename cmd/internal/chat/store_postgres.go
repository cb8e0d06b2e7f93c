package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/internal/queue"
)

// PostgresMembershipStore is a MembershipStore backed by PostgreSQL.
//
// Ownership model:
// - The store does NOT own the pgx pool. The caller must close the pool.
type PostgresMembershipStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures the Postgres-backed stores.
type StoreOption func(*string) error

// WithSchema sets the DB schema used by the store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) StoreOption {
	return func(dst *string) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		*dst = schema
		return nil
	}
}

// NewPostgresMembershipStore constructs a membership store backed by PostgreSQL.
func NewPostgresMembershipStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresMembershipStore, error) {
	st := &PostgresMembershipStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&st.schema); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

func (s *PostgresMembershipStore) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, errors.New("chat: nil membership store")
	}
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "room_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresMembershipStore) RoomMembers(ctx context.Context, roomID string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	members := pgIdent(s.schema, "room_members")

	rows, err := s.pool.Query(ctx,
		`SELECT user_id, username, is_online, last_seen
		   FROM `+members+`
		  WHERE room_id = $1
		  ORDER BY user_id ASC`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.IsOnline, &m.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		// Distinguish an unknown room from an empty one.
		ok, err := s.roomExists(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRoomNotFound
		}
	}
	return out, nil
}

func (s *PostgresMembershipStore) Rooms(ctx context.Context, userID string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rooms := pgIdent(s.schema, "rooms")
	members := pgIdent(s.schema, "room_members")

	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.name, r.kind, r.created_at
		   FROM `+rooms+` r
		   JOIN `+members+` m ON m.room_id = r.id
		  WHERE m.user_id = $1
		  ORDER BY r.id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		var kind string
		if err := rows.Scan(&r.ID, &r.Name, &kind, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = RoomKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresMembershipStore) SetOnline(ctx context.Context, roomID, userID string, online bool) error {
	return s.SetOnlineBulk(ctx, roomID, []string{userID}, online)
}

func (s *PostgresMembershipStore) SetOnlineBulk(ctx context.Context, roomID string, userIDs []string, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}

	members := pgIdent(s.schema, "room_members")

	_, err := s.pool.Exec(ctx,
		`UPDATE `+members+`
		    SET is_online = $1,
		        last_seen = now()
		  WHERE room_id = $2 AND user_id = ANY($3)`,
		online, roomID, userIDs,
	)
	return err
}

func (s *PostgresMembershipStore) CreateRoom(ctx context.Context, name string, kind RoomKind, members ...Member) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	switch kind {
	case RoomDirect:
		if len(members) != directRoomSize {
			return Room{}, ErrBadRoomKind
		}
	case RoomGroup:
		if len(members) < 1 {
			return Room{}, ErrBadRoomKind
		}
		if len(members) > groupRoomCapacity {
			return Room{}, ErrRoomFull
		}
	default:
		return Room{}, ErrBadRoomKind
	}

	room := Room{
		ID:        NewRandomHex(8),
		Name:      name,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Room{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")
	memberTbl := pgIdent(s.schema, "room_members")

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (id, name, kind, created_at) VALUES ($1, $2, $3, $4)`,
		room.ID, room.Name, string(room.Kind), room.CreatedAt,
	); err != nil {
		return Room{}, err
	}

	for _, m := range members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+memberTbl+` (room_id, user_id, username, is_online, last_seen)
			 VALUES ($1, $2, $3, false, $4)
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			room.ID, m.UserID, m.Username, room.CreatedAt,
		); err != nil {
			return Room{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Room{}, err
	}
	return room, nil
}

func (s *PostgresMembershipStore) JoinRoom(ctx context.Context, roomID string, m Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")
	members := pgIdent(s.schema, "room_members")

	// Serialize joins per room so the capacity check cannot race.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, roomID); err != nil {
		return err
	}

	var kind string
	err = tx.QueryRow(ctx, `SELECT kind FROM `+rooms+` WHERE id = $1`, roomID).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	if RoomKind(kind) == RoomDirect {
		return ErrDirectRoomClosed
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM `+members+` WHERE room_id = $1`, roomID,
	).Scan(&count); err != nil {
		return err
	}

	var one int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		roomID, m.UserID,
	).Scan(&one)
	switch {
	case err == nil:
		// Already a member; joining twice is a no-op.
		return tx.Commit(ctx)
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	if count >= groupRoomCapacity {
		return ErrRoomFull
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+members+` (room_id, user_id, username, is_online, last_seen)
		 VALUES ($1, $2, $3, false, now())`,
		roomID, m.UserID, m.Username,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresMembershipStore) LeaveRoom(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	members := pgIdent(s.schema, "room_members")

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+members+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		ok, err := s.roomExists(ctx, roomID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRoomNotFound
		}
		return ErrNotMember
	}
	return nil
}

func (s *PostgresMembershipStore) roomExists(ctx context.Context, roomID string) (bool, error) {
	rooms := pgIdent(s.schema, "rooms")

	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+rooms+` WHERE id = $1`, roomID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PostgresMessageStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresMessageStore does NOT own the pgx pool. The caller must close it.
//
// Delivery model:
// - SaveBatch runs inside one transaction with ON CONFLICT DO NOTHING on the
//   natural key (room_id, sender_id, content, sent_at), so re-delivering a
//   previously committed batch writes no duplicate rows.
type PostgresMessageStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresMessageStore constructs a Postgres-backed MessageStore.
func NewPostgresMessageStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresMessageStore, error) {
	st := &PostgresMessageStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&st.schema); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

func (s *PostgresMessageStore) SaveBatch(ctx context.Context, msgs []queue.Message) error {
	if s == nil || s.pool == nil {
		return errors.New("chat: nil message store")
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := pgIdent(s.schema, "messages")

	b := &pgx.Batch{}
	for _, m := range msgs {
		b.Queue(
			`INSERT INTO `+messages+` (room_id, sender_id, sender, content, sent_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (room_id, sender_id, content, sent_at) DO NOTHING`,
			m.Room, m.SenderID, m.Sender, m.Text, m.EnqueuedAt,
		)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, b)
	for range msgs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresMessageStore) History(ctx context.Context, roomID string, limit int) ([]queue.Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil message store")
	}
	if roomID == "" {
		return nil, errors.New("chat: missing room id")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT room_id, sender_id, sender, content, sent_at
		   FROM (SELECT room_id, sender_id, sender, content, sent_at
		           FROM `+messages+`
		          WHERE room_id = $1
		          ORDER BY sent_at DESC
		          LIMIT $2) latest
		  ORDER BY sent_at ASC`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]queue.Message, 0, limit)
	for rows.Next() {
		var m queue.Message
		if err := rows.Scan(&m.Room, &m.SenderID, &m.Sender, &m.Text, &m.EnqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
