package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"duet/cmd/messaging/ids"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel carrying message inserts.
const DefaultNotifyChannel = "duet_messages"

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Pair uniqueness is the UNIQUE (participant_low, participant_high) constraint.
//   - Append locks the conversation row (SELECT ... FOR UPDATE), so seq allocation,
//     the created_at clamp and the last_activity_at update are serialized per conversation.
//   - New inserts are announced with pg_notify inside the same transaction; Postgres
//     delivers the notification only on commit.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the DB schema used by this store (default: "duet").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !IsValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNotifyChannel sets the NOTIFY channel for new messages. Empty disables notifications.
func WithNotifyChannel(channel string) PostgresOption {
	return func(s *PostgresStore) error {
		channel = strings.TrimSpace(channel)
		if channel != "" && !IsValidPGIdent(channel) {
			return errors.New("messaging: invalid notify channel")
		}
		s.channel = channel
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:    pool,
		schema:  "duet",
		channel: DefaultNotifyChannel,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the configured schema name.
func (s *PostgresStore) Schema() string { return s.schema }

// NotifyChannel returns the configured NOTIFY channel ("" when disabled).
func (s *PostgresStore) NotifyChannel() string { return s.channel }

// EnsureSchema creates the schema and tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return PersistenceError{Op: "messaging.EnsureSchema", Err: err}
	}
	return nil
}

// SchemaSQL returns the DDL for the conversation and message tables in schema.
func SchemaSQL(schema string) string {
	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id               TEXT PRIMARY KEY,
  participant_low  TEXT NOT NULL,
  participant_high TEXT NOT NULL,
  next_seq         BIGINT NOT NULL DEFAULT 1,
  last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_pair UNIQUE (participant_low, participant_high),
  CONSTRAINT chk_conversations_pair_order CHECK (participant_low < participant_high)
);

CREATE INDEX IF NOT EXISTS idx_conversations_low_activity
  ON %s (participant_low, last_activity_at DESC);

CREATE INDEX IF NOT EXISTS idx_conversations_high_activity
  ON %s (participant_high, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT NOT NULL,
  conversation_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  seq             BIGINT NOT NULL,
  client_msg_id   TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  receiver_id     TEXT,
  content         TEXT NOT NULL,
  delivered       BOOLEAN NOT NULL DEFAULT true,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  PRIMARY KEY (conversation_id, seq),
  CONSTRAINT uq_messages_conversation_client_msg UNIQUE (conversation_id, client_msg_id),
  CONSTRAINT uq_messages_id UNIQUE (id),
  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= %d)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON %s (conversation_id, created_at ASC, seq ASC);
`,
		pgx.Identifier{schema}.Sanitize(),
		conversations,
		conversations,
		conversations,
		messages, conversations, MaxContentChars,
		messages,
	)
}

const conversationColumns = `id, participant_low, participant_high, last_activity_at, created_at`

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ParticipantLow, &c.ParticipantHigh, &c.LastActivityAt, &c.CreatedAt)
	c.LastActivityAt = c.LastActivityAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

// FindConversation returns the conversation for the canonical pair.
func (s *PostgresStore) FindConversation(ctx context.Context, low, high string) (Conversation, error) {
	const op = "messaging.FindConversation"

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE participant_low = $1 AND participant_high = $2`,
		low, high,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation not found")
	}
	if err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}
	return c, nil
}

// CreateConversation inserts the pair. A pair that already exists yields ConflictError.
func (s *PostgresStore) CreateConversation(ctx context.Context, low, high string, now time.Time) (Conversation, error) {
	const op = "messaging.CreateConversation"

	if low == "" || high == "" || low >= high {
		return Conversation{}, invalid(op, "pair must be canonical")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC().Truncate(time.Microsecond)

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (
		     id, participant_low, participant_high, last_activity_at, created_at
		   ) VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (participant_low, participant_high) DO NOTHING
		 RETURNING `+conversationColumns,
		id, low, high, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ConflictError{Op: op, Field: "participant_pair"}
	}
	if field, ok := pgClassifyUniqueViolation(err); ok {
		return Conversation{}, ConflictError{Op: op, Field: field}
	}
	if err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	const op = "messaging.GetConversation"

	if strings.TrimSpace(conversationID) == "" {
		return Conversation{}, invalid(op, "missing conversation_id")
	}

	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE id = $1`,
		conversationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation not found")
	}
	if err != nil {
		return Conversation{}, PersistenceError{Op: op, Err: err}
	}
	return c, nil
}

// ListConversations returns the participant's conversations, most recently active first.
func (s *PostgresStore) ListConversations(ctx context.Context, participantID string) ([]Conversation, error) {
	const op = "messaging.ListConversations"

	if strings.TrimSpace(participantID) == "" {
		return nil, NotAuthenticatedError{Op: op}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE participant_low = $1 OR participant_high = $1
		  ORDER BY last_activity_at DESC, id DESC`,
		participantID,
	)
	if err != nil {
		return nil, PersistenceError{Op: op, Err: err}
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, PersistenceError{Op: op, Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, PersistenceError{Op: op, Err: err}
	}
	return out, nil
}

const messageColumns = `id, client_msg_id, conversation_id, sender_id, COALESCE(receiver_id, ''), seq, content, created_at, delivered`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ClientMsgID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Seq, &m.Content, &m.CreatedAt, &m.Delivered)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

// ListMessages returns the full history ordered by (created_at, seq) ASC.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const op = "messaging.ListMessages"

	if strings.TrimSpace(conversationID) == "" {
		return nil, invalid(op, "missing conversation_id")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY created_at ASC, seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, PersistenceError{Op: op, Err: err}
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, PersistenceError{Op: op, Err: err}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, PersistenceError{Op: op, Err: err}
	}
	return out, nil
}

// GetMessage returns one message by id within a conversation.
func (s *PostgresStore) GetMessage(ctx context.Context, conversationID, messageID string) (Message, error) {
	const op = "messaging.GetMessage"

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound(op, "message not found")
	}
	if err != nil {
		return Message{}, PersistenceError{Op: op, Err: err}
	}
	return m, nil
}

// Append persists a message and advances last_activity_at in one transaction.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (Message, error) {
	const op = "messaging.Append"

	in, err := validateAppend(op, in)
	if err != nil {
		metricAppends.WithLabelValues("invalid").Inc()
		return Message{}, err
	}

	msg, duplicated, err := s.append(ctx, op, in)
	switch {
	case err != nil && (IsPersistence(err) || !isDomainKind(err)):
		metricAppends.WithLabelValues("error").Inc()
	case err != nil:
		metricAppends.WithLabelValues("invalid").Inc()
	case duplicated:
		metricAppends.WithLabelValues("duplicate").Inc()
	default:
		metricAppends.WithLabelValues("stored").Inc()
	}
	return msg, persistence(op, err)
}

func (s *PostgresStore) append(ctx context.Context, op string, in AppendInput) (Message, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	var (
		conv    Conversation
		nextSeq int64
	)
	err = tx.QueryRow(ctx,
		`SELECT id, participant_low, participant_high, last_activity_at, next_seq
		   FROM `+conversations+`
		  WHERE id = $1
		    FOR UPDATE`,
		in.ConversationID,
	).Scan(&conv.ID, &conv.ParticipantLow, &conv.ParticipantHigh, &conv.LastActivityAt, &nextSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, notFound(op, "conversation not found")
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("lock conversation: %w", err)
	}

	receiver, err := receiverFor(op, conv, in)
	if err != nil {
		return Message{}, false, err
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE conversation_id = $1 AND client_msg_id = $2`,
		in.ConversationID, in.ClientMsgID,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return Message{}, false, err
		}
		return existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, err
	}

	createdAt := in.Now
	if last := conv.LastActivityAt.UTC(); createdAt.Before(last) {
		createdAt = last
	}

	id, err := ids.NewULID(createdAt)
	if err != nil {
		return Message{}, false, err
	}

	msg := Message{
		ID:             id,
		ClientMsgID:    in.ClientMsgID,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ReceiverID:     receiver,
		Seq:            nextSeq,
		Content:        in.Content,
		CreatedAt:      createdAt,
		Delivered:      true,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, seq, client_msg_id, sender_id, receiver_id, content, delivered, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, true, $8)`,
		msg.ID, msg.ConversationID, msg.Seq, msg.ClientMsgID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt,
	); err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Message{}, false, ConflictError{Op: op, Field: field}
		}
		return Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET next_seq = next_seq + 1,
		        last_activity_at = $2
		  WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt,
	); err != nil {
		return Message{}, false, fmt.Errorf("touch conversation: %w", err)
	}

	if s.channel != "" {
		payload, err := EncodeNotification(msg)
		if err != nil {
			return Message{}, false, err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(payload)); err != nil {
			return Message{}, false, fmt.Errorf("notify: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, false, err
	}
	return msg, false, nil
}

// TouchConversation advances last_activity_at to max(current, ts).
func (s *PostgresStore) TouchConversation(ctx context.Context, conversationID string, ts time.Time) error {
	const op = "messaging.TouchConversation"

	if strings.TrimSpace(conversationID) == "" {
		return invalid(op, "missing conversation_id")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET last_activity_at = GREATEST(last_activity_at, $2)
		  WHERE id = $1`,
		conversationID, ts.UTC().Truncate(time.Microsecond),
	)
	if err != nil {
		return PersistenceError{Op: op, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return notFound(op, "conversation not found")
	}
	return nil
}

// Notification is the NOTIFY payload for a new message. Only identifiers travel on the
// channel; listeners load the row, which keeps payloads under the 8000 byte NOTIFY limit.
type Notification struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// EncodeNotification renders the NOTIFY payload for m.
func EncodeNotification(m Message) ([]byte, error) {
	return json.Marshal(Notification{ConversationID: m.ConversationID, MessageID: m.ID})
}

// DecodeNotification parses a NOTIFY payload.
func DecodeNotification(payload string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Notification{}, err
	}
	if n.ConversationID == "" || n.MessageID == "" {
		return Notification{}, errors.New("messaging: incomplete notification")
	}
	return n, nil
}

// IsValidPGIdent reports whether s is a plain, unquoted PostgreSQL identifier.
func IsValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	switch strings.ToLower(strings.TrimSpace(pgErr.ConstraintName)) {
	case "uq_conversations_pair":
		return "participant_pair", true
	case "uq_messages_conversation_client_msg":
		return "client_msg_id", true
	case "uq_messages_id", "conversations_pkey":
		return "id", true
	default:
		return "unique", true
	}
}
