package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
	"github.com/ignatzorin/artisan-market/internal/repository/common"
)

var (
	ErrChatNotFound    = apperror.ErrChatNotFound
	ErrMessageNotFound = apperror.ErrMessageNotFound
)

const chatColumns = `id, user_id, artisan_id, booking_id, last_message_id, last_message_preview, last_message_at,
	is_blocked, encryption_enabled, message_ttl_seconds, created_at, updated_at`

const messageColumns = `id, chat_id, sender_id, content, encrypted, type, attachments, reactions, delivered_to, read_by,
	edit_history, reply_to, expires_at, edited_at, created_at`

// ChatRepository хранит диалоги и сообщения.
type ChatRepository struct {
	db *sqlx.DB
}

func NewChatRepository(db *sqlx.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// GetOrCreate возвращает диалог пары участников (и бронирования), создавая его при отсутствии.
func (r *ChatRepository) GetOrCreate(ctx context.Context, chat *models.Chat) (*models.Chat, bool, error) {
	existing, err := r.findByParticipants(ctx, chat.UserID, chat.ArtisanID, chat.BookingID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrChatNotFound) {
		return nil, false, err
	}

	err = r.db.QueryRowxContext(ctx, `
		INSERT INTO chats (user_id, artisan_id, booking_id, encryption_enabled, message_ttl_seconds)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, chat.UserID, chat.ArtisanID, chat.BookingID, chat.EncryptionEnabled, chat.MessageTTLSeconds,
	).Scan(&chat.ID, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if common.IsUniqueViolation(err) {
			// параллельный запрос успел создать тот же диалог
			existing, findErr := r.findByParticipants(ctx, chat.UserID, chat.ArtisanID, chat.BookingID)
			return existing, false, findErr
		}
		return nil, false, fmt.Errorf("chat repository: create %w", err)
	}
	return chat, true, nil
}

func (r *ChatRepository) findByParticipants(ctx context.Context, userID, artisanID uuid.UUID, bookingID *uuid.UUID) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `
		SELECT `+chatColumns+` FROM chats
		WHERE user_id = $1 AND artisan_id = $2 AND booking_id IS NOT DISTINCT FROM $3
	`, userID, artisanID, bookingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("chat repository: find by participants %w", err)
	}
	return &chat, nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Chat, error) {
	var chat models.Chat
	if err := r.db.GetContext(ctx, &chat, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("chat repository: get by id %w", err)
	}
	return &chat, nil
}

// ListForUser возвращает диалоги пользователя со счётчиком непрочитанных.
func (r *ChatRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.ChatSummary, error) {
	chats := []models.ChatSummary{}
	err := r.db.SelectContext(ctx, &chats, `
		SELECT c.id, c.user_id, c.artisan_id, c.booking_id, c.last_message_id, c.last_message_preview, c.last_message_at,
		       c.is_blocked, c.encryption_enabled, c.message_ttl_seconds, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.chat_id = c.id AND m.sender_id <> $1 AND NOT (m.read_by ? $1::text)
		           AND (m.expires_at IS NULL OR m.expires_at > NOW())) AS unread_count
		FROM chats c
		WHERE c.user_id = $1 OR c.artisan_id = $1
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("chat repository: list for user %w", err)
	}
	return chats, nil
}

// Counterparties возвращает собеседников пользователя по всем его диалогам.
func (r *ChatRepository) Counterparties(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	err := r.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT CASE WHEN user_id = $1 THEN artisan_id ELSE user_id END
		FROM chats WHERE user_id = $1 OR artisan_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("chat repository: counterparties %w", err)
	}
	return ids, nil
}

// UpdateSettings сохраняет блокировку, шифрование и срок жизни сообщений диалога.
func (r *ChatRepository) UpdateSettings(ctx context.Context, chat *models.Chat) error {
	err := r.db.QueryRowxContext(ctx, `
		UPDATE chats SET is_blocked = $2, encryption_enabled = $3, message_ttl_seconds = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, chat.ID, chat.IsBlocked, chat.EncryptionEnabled, chat.MessageTTLSeconds).Scan(&chat.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrChatNotFound
		}
		return fmt.Errorf("chat repository: update settings %w", err)
	}
	return nil
}

// CreateMessage сохраняет сообщение и передвигает указатель последнего сообщения диалога.
func (r *ChatRepository) CreateMessage(ctx context.Context, msg *models.Message, preview string) error {
	return common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO messages (chat_id, sender_id, content, encrypted, type, attachments, reactions, delivered_to, read_by,
				edit_history, reply_to, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, created_at
		`, msg.ChatID, msg.SenderID, msg.Content, msg.Encrypted, msg.Type, msg.Attachments, msg.Reactions,
			msg.DeliveredTo, msg.ReadBy, msg.EditHistory, msg.ReplyTo, msg.ExpiresAt,
		).Scan(&msg.ID, &msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("chat repository: insert message %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chats SET last_message_id = $2, last_message_preview = $3, last_message_at = $4, updated_at = NOW()
			WHERE id = $1
		`, msg.ChatID, msg.ID, preview, msg.CreatedAt); err != nil {
			return fmt.Errorf("chat repository: update last message %w", err)
		}
		return nil
	})
}

func (r *ChatRepository) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	if err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("chat repository: get message %w", err)
	}
	return &msg, nil
}

// ListMessages возвращает неистёкшие сообщения диалога, новые первыми.
// before ограничивает выборку сообщениями старше указанного момента.
func (r *ChatRepository) ListMessages(ctx context.Context, chatID uuid.UUID, before *time.Time, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	err := r.db.SelectContext(ctx, &messages, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, chatID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("chat repository: list messages %w", err)
	}
	return messages, nil
}

// MarkDelivered добавляет получателя в delivered_to. Повторная отметка ничего не меняет.
func (r *ChatRepository) MarkDelivered(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*models.Message, bool, error) {
	return r.addReceipt(ctx, `
		UPDATE messages SET delivered_to = delivered_to || jsonb_build_object($2::text, $3::timestamptz)
		WHERE id = $1 AND sender_id <> $2 AND NOT (delivered_to ? $2::text)
		RETURNING `+messageColumns, messageID, userID, at)
}

// MarkRead добавляет получателя в read_by, а при отсутствии и в delivered_to.
func (r *ChatRepository) MarkRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*models.Message, bool, error) {
	return r.addReceipt(ctx, `
		UPDATE messages SET
			read_by = read_by || jsonb_build_object($2::text, $3::timestamptz),
			delivered_to = CASE WHEN delivered_to ? $2::text THEN delivered_to
			                    ELSE delivered_to || jsonb_build_object($2::text, $3::timestamptz) END
		WHERE id = $1 AND sender_id <> $2 AND NOT (read_by ? $2::text)
		RETURNING `+messageColumns, messageID, userID, at)
}

func (r *ChatRepository) addReceipt(ctx context.Context, query string, messageID, userID uuid.UUID, at time.Time) (*models.Message, bool, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, query, messageID, userID, at)
	if err == nil {
		return &msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("chat repository: add receipt %w", err)
	}

	current, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// MarkAllRead отмечает прочитанными все чужие сообщения диалога.
func (r *ChatRepository) MarkAllRead(ctx context.Context, chatID, userID uuid.UUID, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET
			read_by = read_by || jsonb_build_object($2::text, $3::timestamptz),
			delivered_to = CASE WHEN delivered_to ? $2::text THEN delivered_to
			                    ELSE delivered_to || jsonb_build_object($2::text, $3::timestamptz) END
		WHERE chat_id = $1 AND sender_id <> $2 AND NOT (read_by ? $2::text)
	`, chatID, userID, at)
	if err != nil {
		return 0, fmt.Errorf("chat repository: mark all read %w", err)
	}
	return result.RowsAffected()
}

// CountUnread считает непрочитанные пользователем сообщения во всех его диалогах.
func (r *ChatRepository) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE (c.user_id = $1 OR c.artisan_id = $1)
		  AND m.sender_id <> $1 AND NOT (m.read_by ? $1::text)
		  AND (m.expires_at IS NULL OR m.expires_at > NOW())
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("chat repository: count unread %w", err)
	}
	return count, nil
}

// EditMessage заменяет текст сообщения отправителя и дописывает прежнюю версию в историю.
func (r *ChatRepository) EditMessage(ctx context.Context, msg *models.Message, previous models.EditRecord) error {
	raw, err := json.Marshal([]models.EditRecord{previous})
	if err != nil {
		return fmt.Errorf("chat repository: marshal edit record %w", err)
	}

	err = r.db.QueryRowxContext(ctx, `
		UPDATE messages SET content = $3, encrypted = $4, edit_history = edit_history || $5::jsonb, edited_at = $6
		WHERE id = $1 AND sender_id = $2
		RETURNING edit_history
	`, msg.ID, msg.SenderID, msg.Content, msg.Encrypted, raw, msg.EditedAt).Scan(&msg.EditHistory)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("chat repository: edit message %w", err)
	}
	return nil
}

// UpdateReactions меняет реакции сообщения под блокировкой строки.
func (r *ChatRepository) UpdateReactions(ctx context.Context, messageID uuid.UUID, fn func(models.Reactions) models.Reactions) (*models.Message, error) {
	var msg models.Message
	err := common.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, messageID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrMessageNotFound
			}
			return fmt.Errorf("chat repository: lock message %w", err)
		}

		msg.Reactions = fn(msg.Reactions)
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET reactions = $2 WHERE id = $1`, messageID, msg.Reactions); err != nil {
			return fmt.Errorf("chat repository: update reactions %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteExpired удаляет сообщения с истёкшим сроком жизни.
func (r *ChatRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("chat repository: delete expired %w", err)
	}
	return result.RowsAffected()
}
