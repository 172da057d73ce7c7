package service

import (
	"context"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ignatzorin/artisan-market/internal/logger"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

const (
	maxMessageLength  = 4000
	maxReactionLength = 16
	minMessageTTL     = time.Minute

	encryptedPreview  = "Зашифрованное сообщение"
	attachmentPreview = "Вложение"
	unreadableContent = "[сообщение недоступно]"
)

// ChatRepository описывает хранилище диалогов и сообщений.
type ChatRepository interface {
	GetOrCreate(ctx context.Context, chat *models.Chat) (*models.Chat, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Chat, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.ChatSummary, error)
	Counterparties(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	UpdateSettings(ctx context.Context, chat *models.Chat) error
	CreateMessage(ctx context.Context, msg *models.Message, preview string) error
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListMessages(ctx context.Context, chatID uuid.UUID, before *time.Time, limit int) ([]models.Message, error)
	MarkDelivered(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*models.Message, bool, error)
	MarkRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*models.Message, bool, error)
	MarkAllRead(ctx context.Context, chatID, userID uuid.UUID, at time.Time) (int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	EditMessage(ctx context.Context, msg *models.Message, previous models.EditRecord) error
	UpdateReactions(ctx context.Context, messageID uuid.UUID, fn func(models.Reactions) models.Reactions) (*models.Message, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MessageCipher шифрует содержимое сообщений при хранении.
type MessageCipher interface {
	Encrypt(plaintext, chatID string) (string, error)
	Decrypt(encoded, chatID string) (string, error)
}

// AttachmentStore сохраняет файлы вложений.
type AttachmentStore interface {
	Save(ctx context.Context, ownerID uuid.UUID, originalName string, r io.Reader) (*models.Attachment, error)
}

// RoomRealtime - realtime канал с комнатами.
type RoomRealtime interface {
	Realtime
	BroadcastToRoom(room, event string, data any)
}

// ChatConfig - параметры чата.
type ChatConfig struct {
	EditWindow time.Duration
}

// SendMessageInput - данные нового сообщения.
type SendMessageInput struct {
	ChatID      uuid.UUID
	SenderID    uuid.UUID
	Content     string
	Type        string
	Attachments models.Attachments
	ReplyTo     *uuid.UUID
}

// ChatSettings - изменяемые настройки диалога. nil означает «не менять».
type ChatSettings struct {
	EncryptionEnabled *bool
	MessageTTL        *time.Duration
	Blocked           *bool
}

// MessageStatusEvent - уведомление отправителя о доставке или прочтении.
type MessageStatusEvent struct {
	ChatID    uuid.UUID  `json:"chat_id"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	UserID    uuid.UUID  `json:"user_id"`
	Status    string     `json:"status"`
	At        time.Time  `json:"at"`
}

// ChatService - переписка заказчика и исполнителя.
type ChatService struct {
	repo        ChatRepository
	users       UserDirectory
	realtime    RoomRealtime
	notifier    Notifier
	cipher      MessageCipher
	attachments AttachmentStore
	editWindow  time.Duration
	now         func() time.Time
}

func NewChatService(repo ChatRepository, users UserDirectory, realtime RoomRealtime, notifier Notifier, cipher MessageCipher, attachments AttachmentStore, cfg ChatConfig) *ChatService {
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 15 * time.Minute
	}
	return &ChatService{
		repo:        repo,
		users:       users,
		realtime:    realtime,
		notifier:    notifier,
		cipher:      cipher,
		attachments: attachments,
		editWindow:  cfg.EditWindow,
		now:         time.Now,
	}
}

// StartChat возвращает диалог заказчика с мастером, создавая его при первом обращении.
func (s *ChatService) StartChat(ctx context.Context, userID, artisanID uuid.UUID, bookingID *uuid.UUID) (*models.Chat, error) {
	if userID == artisanID {
		return nil, apperror.New(apperror.ErrCodeValidation, "нельзя начать чат с самим собой")
	}

	artisan, err := s.users.GetByID(ctx, artisanID)
	if err != nil {
		return nil, err
	}
	if artisan.Role != models.RoleArtisan {
		return nil, apperror.New(apperror.ErrCodeValidation, "собеседник должен быть мастером")
	}

	chat, created, err := s.repo.GetOrCreate(ctx, &models.Chat{
		UserID:    userID,
		ArtisanID: artisanID,
		BookingID: bookingID,
	})
	if err != nil {
		return nil, err
	}
	if created {
		logger.Log.WithFields(logrus.Fields{
			"chat_id":    chat.ID,
			"user_id":    userID,
			"artisan_id": artisanID,
		}).Info("chat: created")
	}
	return chat, nil
}

// GetChat возвращает диалог участнику.
func (s *ChatService) GetChat(ctx context.Context, chatID, userID uuid.UUID) (*models.Chat, error) {
	return s.participantChat(ctx, chatID, userID)
}

// ListChats возвращает диалоги пользователя, свежие первыми.
func (s *ChatService) ListChats(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.ChatSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListForUser(ctx, userID, limit, offset)
}

// ListMessages возвращает страницу сообщений диалога, новые первыми.
func (s *ChatService) ListMessages(ctx context.Context, chatID, userID uuid.UUID, before *time.Time, limit int) ([]models.Message, error) {
	if _, err := s.participantChat(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	messages, err := s.repo.ListMessages(ctx, chatID, before, limit)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		messages[i] = s.view(messages[i])
	}
	return messages, nil
}

// UnreadCount возвращает число непрочитанных сообщений во всех диалогах.
func (s *ChatService) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.CountUnread(ctx, userID)
}

// Counterparties возвращает собеседников пользователя. Используется для рассылки присутствия.
func (s *ChatService) Counterparties(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	return s.repo.Counterparties(ctx, userID)
}

// CanJoinRoom разрешает подписку на комнату диалога только его участникам.
func (s *ChatService) CanJoinRoom(ctx context.Context, userID uuid.UUID, room string) error {
	raw, ok := strings.CutPrefix(room, "chat:")
	if !ok {
		return apperror.New(apperror.ErrCodeValidation, "неизвестная комната")
	}
	chatID, err := uuid.Parse(raw)
	if err != nil {
		return apperror.New(apperror.ErrCodeValidation, "некорректный идентификатор чата")
	}
	_, err = s.participantChat(ctx, chatID, userID)
	return err
}

// SendMessage сохраняет сообщение и доставляет его участникам.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	if in.Type == "" {
		in.Type = models.MessageTypeText
	}
	if _, ok := models.ValidMessageTypes[in.Type]; !ok || in.Type == models.MessageTypeSystem {
		return nil, apperror.New(apperror.ErrCodeValidation, "неподдерживаемый тип сообщения")
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, apperror.ErrEmptyMessage
	}
	if utf8.RuneCountInString(in.Content) > maxMessageLength {
		return nil, apperror.New(apperror.ErrCodeValidation, "сообщение слишком длинное")
	}

	chat, err := s.participantChat(ctx, in.ChatID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if chat.IsBlocked {
		return nil, apperror.ErrChatBlocked
	}

	if in.ReplyTo != nil {
		parent, err := s.repo.GetMessage(ctx, *in.ReplyTo)
		if err != nil {
			return nil, err
		}
		if parent.ChatID != chat.ID {
			return nil, apperror.New(apperror.ErrCodeValidation, "ответ на сообщение из другого чата")
		}
	}

	return s.post(ctx, chat, in)
}

// SendAttachment сохраняет файл и отправляет его сообщением типа file.
func (s *ChatService) SendAttachment(ctx context.Context, chatID, senderID uuid.UUID, caption, fileName string, r io.Reader) (*models.Message, error) {
	if s.attachments == nil {
		return nil, apperror.New(apperror.ErrCodeInternal, "хранилище вложений не настроено")
	}

	chat, err := s.participantChat(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}
	if chat.IsBlocked {
		return nil, apperror.ErrChatBlocked
	}

	att, err := s.attachments.Save(ctx, senderID, fileName, r)
	if err != nil {
		return nil, err
	}

	return s.SendMessage(ctx, SendMessageInput{
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     caption,
		Type:        models.MessageTypeFile,
		Attachments: models.Attachments{*att},
	})
}

// PostSystemMessage добавляет служебное сообщение от имени инициатора события.
func (s *ChatService) PostSystemMessage(ctx context.Context, chatID, actorID uuid.UUID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperror.ErrEmptyMessage
	}
	chat, err := s.participantChat(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	return s.post(ctx, chat, SendMessageInput{
		ChatID:   chatID,
		SenderID: actorID,
		Content:  content,
		Type:     models.MessageTypeSystem,
	})
}

func (s *ChatService) post(ctx context.Context, chat *models.Chat, in SendMessageInput) (*models.Message, error) {
	msg := &models.Message{
		ChatID:      chat.ID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		Type:        in.Type,
		Attachments: in.Attachments,
		Reactions:   models.Reactions{},
		DeliveredTo: models.Receipts{},
		ReadBy:      models.Receipts{},
		EditHistory: models.EditHistory{},
		ReplyTo:     in.ReplyTo,
	}
	if msg.Attachments == nil {
		msg.Attachments = models.Attachments{}
	}
	if chat.MessageTTLSeconds != nil && *chat.MessageTTLSeconds > 0 {
		expires := s.now().Add(time.Duration(*chat.MessageTTLSeconds) * time.Second)
		msg.ExpiresAt = &expires
	}

	preview := truncatePreview(in.Content)
	if preview == "" {
		preview = attachmentPreview
	}

	if chat.EncryptionEnabled && s.cipher != nil && in.Content != "" {
		sealed, err := s.cipher.Encrypt(in.Content, chat.ID.String())
		if err != nil {
			return nil, err
		}
		msg.Content = sealed
		msg.Encrypted = true
		preview = encryptedPreview
	}

	if err := s.repo.CreateMessage(ctx, msg, preview); err != nil {
		return nil, err
	}

	out := s.view(*msg)
	s.deliver(ctx, chat, &out)
	return &out, nil
}

func (s *ChatService) deliver(ctx context.Context, chat *models.Chat, msg *models.Message) {
	if s.realtime != nil {
		for _, participant := range chat.Participants() {
			s.realtime.SendToUser(participant, "newMessage", msg)
		}
	}

	if msg.Type == models.MessageTypeSystem {
		return
	}
	recipient := chat.Counterparty(msg.SenderID)
	if s.realtime != nil && s.realtime.IsOnline(recipient) {
		return
	}

	preview := truncatePreview(msg.Content)
	if chat.EncryptionEnabled {
		preview = encryptedPreview
	}
	if preview == "" {
		preview = attachmentPreview
	}
	s.notifier.Notify(ctx, NotifyRequest{
		UserID:   recipient,
		Type:     models.NotificationTypeNewMessage,
		Title:    "Новое сообщение",
		Message:  preview,
		Priority: models.NotificationPriorityNormal,
		Related:  &models.RelatedEntity{Kind: models.RelatedKindChat, ID: chat.ID},
		Data: map[string]any{
			"chat_id":    chat.ID,
			"message_id": msg.ID,
			"sender_id":  msg.SenderID,
		},
	})
}

// MarkDelivered фиксирует доставку сообщения получателю. Повтор и доставка
// после прочтения ничего не меняют.
func (s *ChatService) MarkDelivered(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	return s.receipt(ctx, messageID, userID, models.MessageStatusDelivered)
}

// MarkRead фиксирует прочтение. Прочтение подразумевает доставку.
func (s *ChatService) MarkRead(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	return s.receipt(ctx, messageID, userID, models.MessageStatusRead)
}

func (s *ChatService) receipt(ctx context.Context, messageID, userID uuid.UUID, status string) (*models.Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.participantChat(ctx, msg.ChatID, userID); err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		out := s.view(*msg)
		return &out, nil
	}

	at := s.now()
	var changed bool
	if status == models.MessageStatusRead {
		msg, changed, err = s.repo.MarkRead(ctx, messageID, userID, at)
	} else {
		msg, changed, err = s.repo.MarkDelivered(ctx, messageID, userID, at)
	}
	if err != nil {
		return nil, err
	}

	if changed && s.realtime != nil {
		id := msg.ID
		s.realtime.SendToUser(msg.SenderID, "messageStatus", MessageStatusEvent{
			ChatID:    msg.ChatID,
			MessageID: &id,
			UserID:    userID,
			Status:    msg.StatusFor(userID),
			At:        at,
		})
	}

	out := s.view(*msg)
	return &out, nil
}

// MarkAllRead отмечает прочитанными все входящие сообщения диалога.
func (s *ChatService) MarkAllRead(ctx context.Context, chatID, userID uuid.UUID) (int64, error) {
	chat, err := s.participantChat(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}

	at := s.now()
	updated, err := s.repo.MarkAllRead(ctx, chatID, userID, at)
	if err != nil {
		return 0, err
	}
	if updated > 0 && s.realtime != nil {
		s.realtime.SendToUser(chat.Counterparty(userID), "messageStatus", MessageStatusEvent{
			ChatID: chatID,
			UserID: userID,
			Status: models.MessageStatusRead,
			At:     at,
		})
	}
	return updated, nil
}

// EditMessage меняет текст сообщения автора в пределах окна редактирования.
func (s *ChatService) EditMessage(ctx context.Context, messageID, editorID uuid.UUID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperror.ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return nil, apperror.New(apperror.ErrCodeValidation, "сообщение слишком длинное")
	}

	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != editorID || msg.Type == models.MessageTypeSystem {
		return nil, apperror.ErrNotAuthorized
	}
	now := s.now()
	if now.Sub(msg.CreatedAt) > s.editWindow {
		return nil, apperror.ErrMessageTooOldToEdit
	}

	previous := models.EditRecord{Content: msg.Content, EditedAt: now}
	msg.Content = content
	if msg.Encrypted {
		if s.cipher == nil {
			return nil, apperror.ErrInternal
		}
		sealed, err := s.cipher.Encrypt(content, msg.ChatID.String())
		if err != nil {
			return nil, err
		}
		msg.Content = sealed
	}
	msg.EditedAt = &now

	if err := s.repo.EditMessage(ctx, msg, previous); err != nil {
		return nil, err
	}

	out := s.view(*msg)
	s.broadcast(msg.ChatID, "messageEdited", &out)
	return &out, nil
}

// React ставит реакцию пользователя, заменяя предыдущую.
func (s *ChatService) React(ctx context.Context, messageID, userID uuid.UUID, emoji string) (*models.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxReactionLength {
		return nil, apperror.New(apperror.ErrCodeValidation, "некорректная реакция")
	}

	at := s.now()
	return s.updateReactions(ctx, messageID, userID, func(current models.Reactions) models.Reactions {
		next := withoutReaction(current, userID)
		return append(next, models.Reaction{UserID: userID, Emoji: emoji, CreatedAt: at})
	})
}

// RemoveReaction снимает реакцию пользователя. Отсутствие реакции не ошибка.
func (s *ChatService) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	return s.updateReactions(ctx, messageID, userID, func(current models.Reactions) models.Reactions {
		return withoutReaction(current, userID)
	})
}

func (s *ChatService) updateReactions(ctx context.Context, messageID, userID uuid.UUID, fn func(models.Reactions) models.Reactions) (*models.Message, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.participantChat(ctx, msg.ChatID, userID); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateReactions(ctx, messageID, fn)
	if err != nil {
		return nil, err
	}

	out := s.view(*updated)
	s.broadcast(out.ChatID, "messageReaction", map[string]any{
		"chat_id":    out.ChatID,
		"message_id": out.ID,
		"reactions":  out.Reactions,
	})
	return &out, nil
}

func withoutReaction(current models.Reactions, userID uuid.UUID) models.Reactions {
	next := make(models.Reactions, 0, len(current)+1)
	for _, r := range current {
		if r.UserID != userID {
			next = append(next, r)
		}
	}
	return next
}

// Typing рассылает индикатор набора текста подписчикам комнаты диалога.
func (s *ChatService) Typing(ctx context.Context, chatID, userID uuid.UUID, isTyping bool) error {
	chat, err := s.participantChat(ctx, chatID, userID)
	if err != nil {
		return err
	}
	s.broadcast(chat.ID, "userTyping", map[string]any{
		"chat_id":   chat.ID,
		"user_id":   userID,
		"is_typing": isTyping,
	})
	return nil
}

// UpdateSettings меняет шифрование, срок жизни сообщений и блокировку диалога.
func (s *ChatService) UpdateSettings(ctx context.Context, chatID, userID uuid.UUID, settings ChatSettings) (*models.Chat, error) {
	chat, err := s.participantChat(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}

	if settings.EncryptionEnabled != nil {
		if *settings.EncryptionEnabled && s.cipher == nil {
			return nil, apperror.New(apperror.ErrCodeValidation, "шифрование сообщений не настроено")
		}
		chat.EncryptionEnabled = *settings.EncryptionEnabled
	}
	if settings.MessageTTL != nil {
		ttl := *settings.MessageTTL
		switch {
		case ttl == 0:
			chat.MessageTTLSeconds = nil
		case ttl < minMessageTTL:
			return nil, apperror.New(apperror.ErrCodeValidation, "срок жизни сообщений не может быть меньше минуты")
		default:
			seconds := int64(ttl / time.Second)
			chat.MessageTTLSeconds = &seconds
		}
	}
	if settings.Blocked != nil {
		chat.IsBlocked = *settings.Blocked
	}

	if err := s.repo.UpdateSettings(ctx, chat); err != nil {
		return nil, err
	}
	s.broadcast(chat.ID, "chatSettings", chat)
	return chat, nil
}

// PurgeExpired удаляет сообщения с истёкшим сроком жизни.
func (s *ChatService) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logger.Log.WithField("removed", removed).Info("chat: purged expired messages")
	}
	return removed, nil
}

func (s *ChatService) participantChat(ctx context.Context, chatID, userID uuid.UUID) (*models.Chat, error) {
	chat, err := s.repo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, apperror.ErrNotParticipant
	}
	return chat, nil
}

func (s *ChatService) broadcast(chatID uuid.UUID, event string, data any) {
	if s.realtime == nil {
		return
	}
	s.realtime.BroadcastToRoom((&models.Chat{ID: chatID}).RoomID(), event, data)
}

// view возвращает копию сообщения с расшифрованным текстом и историей.
func (s *ChatService) view(msg models.Message) models.Message {
	if !msg.Encrypted {
		return msg
	}

	chatID := msg.ChatID.String()
	msg.Content = s.decrypt(msg.ID, msg.Content, chatID)
	if len(msg.EditHistory) > 0 {
		history := make(models.EditHistory, len(msg.EditHistory))
		for i, rec := range msg.EditHistory {
			history[i] = models.EditRecord{Content: s.decrypt(msg.ID, rec.Content, chatID), EditedAt: rec.EditedAt}
		}
		msg.EditHistory = history
	}
	return msg
}

func (s *ChatService) decrypt(messageID uuid.UUID, content, chatID string) string {
	if s.cipher == nil || content == "" {
		return unreadableContent
	}
	plain, err := s.cipher.Decrypt(content, chatID)
	if err != nil {
		logger.Log.WithError(err).WithField("message_id", messageID).Warn("chat: decrypt message")
		return unreadableContent
	}
	return plain
}
