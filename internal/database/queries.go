package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-supportchat/internal/types"
)

const (
	conversationColumns = "id, participant_low, participant_low_role, participant_high, participant_high_role, " +
		"last_message_content, last_message_sender_id, last_message_created_at, " +
		"unread_low, unread_high, is_active, created_at, updated_at"
	messageColumns  = "id, conversation_id, sender_id, sender_role, content, status, delivered_at, read_at, created_at"
	presenceColumns = "user_id, role, is_online, last_seen, COALESCE(connection_handle, '')"

	conversationPkey = "conversations_pkey"
	maxIdAttempts    = 3

	// newer snapshots only; older ones arriving late leave the preview alone
	newerSnapshot = "last_message_created_at IS NULL OR last_message_created_at <= $4"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (types.Conversation, error) {
	var r conversationRow
	err := row.Scan(
		&r.Id,
		&r.LowUserId,
		&r.LowRole,
		&r.HighUserId,
		&r.HighRole,
		&r.LastContent,
		&r.LastSenderId,
		&r.LastCreatedAt,
		&r.UnreadLow,
		&r.UnreadHigh,
		&r.IsActive,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return types.Conversation{}, err
	}
	return r.toConversation(), nil
}

func scanMessage(row rowScanner) (types.Message, error) {
	var m types.Message
	err := row.Scan(
		&m.Id,
		&m.ConversationId,
		&m.SenderId,
		&m.SenderRole,
		&m.Content,
		&m.Status,
		&m.DeliveredAt,
		&m.ReadAt,
		&m.CreatedAt,
	)
	return m, err
}

func scanPresence(row rowScanner) (types.PresenceRecord, error) {
	var p types.PresenceRecord
	err := row.Scan(
		&p.UserId,
		&p.Role,
		&p.IsOnline,
		&p.LastSeen,
		&p.ConnectionHandle,
	)
	return p, err
}

// resolveOrCreate returns the record found by find, creating it when it
// does not exist. A create that loses a race against a concurrent create
// fails the uniqueness constraint; the attempt is discarded and the
// winner's record is fetched instead.
func resolveOrCreate[T any](find func() (T, error), create func() (T, error)) (T, error) {
	v, err := find()
	if err == nil || !errors.Is(err, ErrNotFound) {
		return v, err
	}

	v, err = create()
	if err == nil || !isUniqueViolation(err) {
		return v, err
	}

	return find()
}

func (db *PgChatRepository) ResolveOrCreateConversation(ctx context.Context, a, b types.Participant) (types.Conversation, error) {
	pair, err := types.NewPair(a, b)
	if err != nil {
		return types.Conversation{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	return resolveOrCreate(
		func() (types.Conversation, error) { return db.findConversationByPair(ctx, pair) },
		func() (types.Conversation, error) { return db.createConversation(ctx, pair) },
	)
}

func (db *PgChatRepository) findConversationByPair(ctx context.Context, pair types.Pair) (types.Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations "+
			"WHERE participant_low = $1 AND participant_high = $2 LIMIT 1",
		pair.Low.UserId,
		pair.High.UserId,
	)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (db *PgChatRepository) createConversation(ctx context.Context, pair types.Pair) (types.Conversation, error) {
	var err error
	for range maxIdAttempts {
		var id string
		id, err = db.newId()
		if err != nil {
			return types.Conversation{}, fmt.Errorf("generate conversation id: %w", err)
		}

		now := Now()
		row := db.conn.QueryRowContext(ctx,
			"INSERT INTO conversations (id, participant_low, participant_low_role, participant_high, participant_high_role, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+conversationColumns,
			id,
			pair.Low.UserId,
			pair.Low.Role,
			pair.High.UserId,
			pair.High.Role,
			now,
		)

		var c types.Conversation
		c, err = scanConversation(row)
		if err == nil {
			return c, nil
		}

		// an id collision is retried with a fresh id, any other failure
		// (including a pair collision) goes back to the caller
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != pgUniqueViolation || pqErr.Constraint != conversationPkey {
			return types.Conversation{}, err
		}
	}

	return types.Conversation{}, fmt.Errorf("create conversation: %w", err)
}

func (db *PgChatRepository) GetConversation(ctx context.Context, id string) (types.Conversation, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1 LIMIT 1",
		id,
	)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return c, err
}

func (db *PgChatRepository) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations "+
			"WHERE (participant_low = $1 OR participant_high = $1) AND is_active "+
			"ORDER BY updated_at DESC, id",
		userId,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]types.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return conversations, nil
}

func (db *PgChatRepository) TouchLastMessage(ctx context.Context, conversationId string, snapshot types.LastMessage) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET "+
			"last_message_content = CASE WHEN "+newerSnapshot+" THEN $2 ELSE last_message_content END, "+
			"last_message_sender_id = CASE WHEN "+newerSnapshot+" THEN $3 ELSE last_message_sender_id END, "+
			"last_message_created_at = CASE WHEN "+newerSnapshot+" THEN $4 ELSE last_message_created_at END, "+
			"unread_low = unread_low + CASE WHEN participant_low <> $3 THEN 1 ELSE 0 END, "+
			"unread_high = unread_high + CASE WHEN participant_high <> $3 THEN 1 ELSE 0 END, "+
			"updated_at = GREATEST(updated_at, $4) "+
			"WHERE id = $1",
		conversationId,
		snapshot.Content,
		snapshot.SenderId,
		snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("touch last message: %w", err)
	}

	return requireRow(res, conversationId)
}

func (db *PgChatRepository) ResetUnread(ctx context.Context, conversationId, userId string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET "+
			"unread_low = CASE WHEN participant_low = $2 THEN 0 ELSE unread_low END, "+
			"unread_high = CASE WHEN participant_high = $2 THEN 0 ELSE unread_high END "+
			"WHERE id = $1",
		conversationId,
		userId,
	)
	if err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}

	return requireRow(res, conversationId)
}

func (db *PgChatRepository) DeactivateConversation(ctx context.Context, id string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		"UPDATE conversations SET is_active = FALSE, updated_at = $2 WHERE id = $1",
		id,
		Now(),
	)
	if err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}

	return requireRow(res, id)
}

func requireRow(res sql.Result, conversationId string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %q: %w", conversationId, ErrNotFound)
	}
	return nil
}

func (db *PgChatRepository) AppendMessage(ctx context.Context, conversationId, senderId string, senderRole types.Role, content string) (types.Message, error) {
	if strings.TrimSpace(content) == "" {
		return types.Message{}, fmt.Errorf("%w: message content cannot be empty", ErrInvalid)
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	now := Now()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (conversation_id, sender_id, sender_role, content, status, delivered_at, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+messageColumns,
		conversationId,
		senderId,
		senderRole,
		content,
		types.StatusDelivered,
		now,
	)

	msg, err := scanMessage(row)
	if err != nil {
		switch pgErrorCode(err) {
		case pgForeignKeyViolation:
			return types.Message{}, fmt.Errorf("conversation %q: %w", conversationId, ErrNotFound)
		case pgCheckViolation:
			return types.Message{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}

	return msg, nil
}

func (db *PgChatRepository) PageMessages(ctx context.Context, conversationId string, limit, offset int) ([]types.Message, int, error) {
	limit, offset, err := NormalizePage(limit, offset)
	if err != nil {
		return nil, 0, err
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var total int
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = $1",
		conversationId,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = $1 "+
			"ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		conversationId,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("page messages: %w", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	reverse(messages)
	return messages, total, nil
}

// NormalizePage applies the default and maximum page sizes.
func NormalizePage(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalid)
	}
	if limit == 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return limit, offset, nil
}

func reverse(messages []types.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

func (db *PgChatRepository) MarkRead(ctx context.Context, conversationId, readerId string) (types.ReadReceipt, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	readAt := Now()
	rows, err := db.conn.QueryContext(ctx,
		"UPDATE messages SET status = $4, read_at = $3 "+
			"WHERE conversation_id = $1 AND sender_id <> $2 AND status <> $4 "+
			"RETURNING sender_id",
		conversationId,
		readerId,
		readAt,
		types.StatusRead,
	)
	if err != nil {
		return types.ReadReceipt{}, fmt.Errorf("mark read: %w", err)
	}
	defer rows.Close()

	var senders []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return types.ReadReceipt{}, fmt.Errorf("scan sender: %w", err)
		}
		senders = append(senders, sender)
	}

	if err := rows.Err(); err != nil {
		return types.ReadReceipt{}, fmt.Errorf("rows error: %w", err)
	}

	return newReadReceipt(conversationId, readerId, readAt, senders), nil
}

func newReadReceipt(conversationId, readerId string, readAt time.Time, senders []string) types.ReadReceipt {
	receipt := types.ReadReceipt{
		ConversationId: conversationId,
		ReadBy:         readerId,
		ReadAt:         readAt,
		Updated:        len(senders),
	}

	seen := make(map[string]struct{}, len(senders))
	for _, s := range senders {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		receipt.SenderIds = append(receipt.SenderIds, s)
	}
	sort.Strings(receipt.SenderIds)

	return receipt
}

func (db *PgChatRepository) UpsertPresence(ctx context.Context, rec types.PresenceRecord) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO user_presence (user_id, role, is_online, last_seen, connection_handle, updated_at) "+
			"VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) "+
			"ON CONFLICT (user_id) DO UPDATE SET "+
			"role = EXCLUDED.role, is_online = EXCLUDED.is_online, last_seen = EXCLUDED.last_seen, "+
			"connection_handle = EXCLUDED.connection_handle, updated_at = EXCLUDED.updated_at",
		rec.UserId,
		rec.Role,
		rec.IsOnline,
		rec.LastSeen,
		rec.ConnectionHandle,
		Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// MarkOffline flips the record offline unless a newer connection owns it.
// An empty handle matches any connection.
func (db *PgChatRepository) MarkOffline(ctx context.Context, userId, handle string, lastSeen time.Time) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		"UPDATE user_presence SET is_online = FALSE, last_seen = $3, connection_handle = NULL, updated_at = $3 "+
			"WHERE user_id = $1 AND ($2 = '' OR connection_handle = $2)",
		userId,
		handle,
		lastSeen,
	)
	if err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

func (db *PgChatRepository) GetPresence(ctx context.Context, userId string) (types.PresenceRecord, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+presenceColumns+" FROM user_presence WHERE user_id = $1 LIMIT 1",
		userId,
	)

	p, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("presence %q: %w", userId, ErrNotFound)
	}
	return p, err
}

func (db *PgChatRepository) ListPresenceByRoles(ctx context.Context, roles []types.Role) ([]types.PresenceRecord, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	roleNames := make([]string, len(roles))
	for i, r := range roles {
		roleNames[i] = string(r)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+presenceColumns+" FROM user_presence WHERE role = ANY($1) ORDER BY user_id",
		pq.Array(roleNames),
	)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	records := make([]types.PresenceRecord, 0)
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		records = append(records, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return records, nil
}

func (db *PgChatRepository) MarkOfflineExcept(ctx context.Context, onlineUserIds []string, lastSeen time.Time) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if onlineUserIds == nil {
		onlineUserIds = []string{}
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE user_presence SET is_online = FALSE, last_seen = $2, connection_handle = NULL, updated_at = $2 "+
			"WHERE is_online AND NOT (user_id = ANY($1))",
		pq.Array(onlineUserIds),
		lastSeen,
	)
	if err != nil {
		return 0, fmt.Errorf("mark offline except: %w", err)
	}

	n, err := res.RowsAffected()
	return int(n), err
}
