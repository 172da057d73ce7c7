package service

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/artisan-market/internal/crypto"
	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

type memChats struct {
	mu       sync.Mutex
	chats    map[uuid.UUID]models.Chat
	messages map[uuid.UUID]models.Message
	previews map[uuid.UUID]string
}

func newMemChats() *memChats {
	return &memChats{
		chats:    make(map[uuid.UUID]models.Chat),
		messages: make(map[uuid.UUID]models.Message),
		previews: make(map[uuid.UUID]string),
	}
}

func cloneMessage(m models.Message) models.Message {
	m.DeliveredTo = cloneReceipts(m.DeliveredTo)
	m.ReadBy = cloneReceipts(m.ReadBy)
	m.Reactions = append(models.Reactions{}, m.Reactions...)
	m.EditHistory = append(models.EditHistory{}, m.EditHistory...)
	return m
}

func cloneReceipts(r models.Receipts) models.Receipts {
	out := models.Receipts{}
	for k, v := range r {
		out[k] = v
	}
	return out
}

func sameBooking(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *memChats) GetOrCreate(_ context.Context, chat *models.Chat) (*models.Chat, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chats {
		if c.UserID == chat.UserID && c.ArtisanID == chat.ArtisanID && sameBooking(c.BookingID, chat.BookingID) {
			return &c, false, nil
		}
	}
	chat.ID = uuid.New()
	chat.CreatedAt = time.Now()
	chat.UpdatedAt = chat.CreatedAt
	m.chats[chat.ID] = *chat
	out := *chat
	return &out, true, nil
}

func (m *memChats) GetByID(_ context.Context, id uuid.UUID) (*models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, apperror.ErrChatNotFound
	}
	return &c, nil
}

func (m *memChats) unread(chatID, userID uuid.UUID, now time.Time) int {
	count := 0
	for _, msg := range m.messages {
		if msg.ChatID == chatID && msg.SenderID != userID && !msg.ReadBy.Has(userID) &&
			(msg.ExpiresAt == nil || msg.ExpiresAt.After(now)) {
			count++
		}
	}
	return count
}

func (m *memChats) ListForUser(_ context.Context, userID uuid.UUID, _, _ int) ([]models.ChatSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.ChatSummary{}
	for _, c := range m.chats {
		if c.HasParticipant(userID) {
			out = append(out, models.ChatSummary{Chat: c, UnreadCount: m.unread(c.ID, userID, time.Now())})
		}
	}
	return out, nil
}

func (m *memChats) Counterparties(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	out := []uuid.UUID{}
	for _, c := range m.chats {
		if !c.HasParticipant(userID) {
			continue
		}
		other := c.Counterparty(userID)
		if _, ok := seen[other]; !ok {
			seen[other] = struct{}{}
			out = append(out, other)
		}
	}
	return out, nil
}

func (m *memChats) UpdateSettings(_ context.Context, chat *models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chat.ID]; !ok {
		return apperror.ErrChatNotFound
	}
	chat.UpdatedAt = time.Now()
	m.chats[chat.ID] = *chat
	return nil
}

func (m *memChats) CreateMessage(_ context.Context, msg *models.Message, preview string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = uuid.New()
	msg.CreatedAt = time.Now()
	m.messages[msg.ID] = cloneMessage(*msg)
	c := m.chats[msg.ChatID]
	id := msg.ID
	at := msg.CreatedAt
	c.LastMessageID = &id
	c.LastMessagePreview = &preview
	c.LastMessageAt = &at
	m.chats[msg.ChatID] = c
	m.previews[msg.ChatID] = preview
	return nil
}

func (m *memChats) GetMessage(_ context.Context, id uuid.UUID) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, apperror.ErrMessageNotFound
	}
	out := cloneMessage(msg)
	return &out, nil
}

func (m *memChats) ListMessages(_ context.Context, chatID uuid.UUID, before *time.Time, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []models.Message{}
	for _, msg := range m.messages {
		if msg.ChatID != chatID || (msg.ExpiresAt != nil && !msg.ExpiresAt.After(now)) {
			continue
		}
		if before != nil && !msg.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memChats) MarkDelivered(_ context.Context, messageID, userID uuid.UUID, at time.Time) (*models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, false, apperror.ErrMessageNotFound
	}
	if msg.SenderID == userID || msg.DeliveredTo.Has(userID) {
		out := cloneMessage(msg)
		return &out, false, nil
	}
	msg = cloneMessage(msg)
	msg.DeliveredTo[userID.String()] = at
	m.messages[messageID] = msg
	out := cloneMessage(msg)
	return &out, true, nil
}

func (m *memChats) MarkRead(_ context.Context, messageID, userID uuid.UUID, at time.Time) (*models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, false, apperror.ErrMessageNotFound
	}
	if msg.SenderID == userID || msg.ReadBy.Has(userID) {
		out := cloneMessage(msg)
		return &out, false, nil
	}
	msg = cloneMessage(msg)
	msg.ReadBy[userID.String()] = at
	if !msg.DeliveredTo.Has(userID) {
		msg.DeliveredTo[userID.String()] = at
	}
	m.messages[messageID] = msg
	out := cloneMessage(msg)
	return &out, true, nil
}

func (m *memChats) MarkAllRead(_ context.Context, chatID, userID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var updated int64
	for id, msg := range m.messages {
		if msg.ChatID != chatID || msg.SenderID == userID || msg.ReadBy.Has(userID) {
			continue
		}
		msg = cloneMessage(msg)
		msg.ReadBy[userID.String()] = at
		if !msg.DeliveredTo.Has(userID) {
			msg.DeliveredTo[userID.String()] = at
		}
		m.messages[id] = msg
		updated++
	}
	return updated, nil
}

func (m *memChats) CountUnread(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, c := range m.chats {
		if c.HasParticipant(userID) {
			total += m.unread(c.ID, userID, time.Now())
		}
	}
	return total, nil
}

func (m *memChats) EditMessage(_ context.Context, msg *models.Message, previous models.EditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.messages[msg.ID]
	if !ok || stored.SenderID != msg.SenderID {
		return apperror.ErrMessageNotFound
	}
	stored = cloneMessage(stored)
	stored.Content = msg.Content
	stored.Encrypted = msg.Encrypted
	stored.EditedAt = msg.EditedAt
	stored.EditHistory = append(stored.EditHistory, previous)
	m.messages[msg.ID] = stored
	msg.EditHistory = append(models.EditHistory{}, stored.EditHistory...)
	return nil
}

func (m *memChats) UpdateReactions(_ context.Context, messageID uuid.UUID, fn func(models.Reactions) models.Reactions) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, apperror.ErrMessageNotFound
	}
	msg = cloneMessage(msg)
	msg.Reactions = fn(msg.Reactions)
	m.messages[messageID] = msg
	out := cloneMessage(msg)
	return &out, nil
}

func (m *memChats) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, msg := range m.messages {
		if msg.ExpiresAt != nil && !msg.ExpiresAt.After(now) {
			delete(m.messages, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memChats) stored(id uuid.UUID) models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMessage(m.messages[id])
}

type roomEvent struct {
	room  string
	event string
}

type recordingRealtime struct {
	fakeRealtime
	roomEvents []roomEvent
}

func (r *recordingRealtime) BroadcastToRoom(room, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomEvents = append(r.roomEvents, roomEvent{room: room, event: event})
}

func (r *recordingRealtime) userEvents(userID uuid.UUID, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.userID == userID && e.event == event {
			n++
		}
	}
	return n
}

func (r *recordingRealtime) roomEventCount(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.roomEvents {
		if e.event == event {
			n++
		}
	}
	return n
}

type stubAttachments struct{}

func (stubAttachments) Save(_ context.Context, _ uuid.UUID, name string, r io.Reader) (*models.Attachment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &models.Attachment{URL: "/uploads/" + name, Name: name, Type: models.AttachmentTypeImage, Size: int64(len(data))}, nil
}

type chatFixture struct {
	repo     *memChats
	users    *memUsers
	realtime *recordingRealtime
	notifier *recordingNotifier
	svc      *ChatService
	customer uuid.UUID
	artisan  uuid.UUID
	chat     *models.Chat
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	f := &chatFixture{
		repo:     newMemChats(),
		users:    newMemUsers(),
		realtime: &recordingRealtime{fakeRealtime: fakeRealtime{online: map[uuid.UUID]bool{}}},
		notifier: &recordingNotifier{},
	}
	f.customer = f.users.add(models.RoleUser, "")
	f.artisan = f.users.add(models.RoleArtisan, "")
	f.svc = NewChatService(f.repo, f.users, f.realtime, f.notifier, cipher, stubAttachments{}, ChatConfig{EditWindow: 15 * time.Minute})

	f.chat, err = f.svc.StartChat(context.Background(), f.customer, f.artisan, nil)
	require.NoError(t, err)
	return f
}

func (f *chatFixture) send(t *testing.T, sender uuid.UUID, text string) *models.Message {
	t.Helper()
	msg, err := f.svc.SendMessage(context.Background(), SendMessageInput{ChatID: f.chat.ID, SenderID: sender, Content: text})
	require.NoError(t, err)
	return msg
}

func TestChatService_StartChat(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	again, err := f.svc.StartChat(ctx, f.customer, f.artisan, nil)
	require.NoError(t, err)
	assert.Equal(t, f.chat.ID, again.ID)

	booking := uuid.New()
	scoped, err := f.svc.StartChat(ctx, f.customer, f.artisan, &booking)
	require.NoError(t, err)
	assert.NotEqual(t, f.chat.ID, scoped.ID)

	_, err = f.svc.StartChat(ctx, f.artisan, f.artisan, nil)
	assert.True(t, apperror.IsValidation(err))

	_, err = f.svc.StartChat(ctx, f.artisan, f.customer, nil)
	assert.True(t, apperror.IsValidation(err))
}

func TestChatService_SendMessage(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	msg := f.send(t, f.customer, "Здравствуйте! Когда сможете приехать?")
	assert.Equal(t, models.MessageStatusSent, msg.StatusFor(f.artisan))
	assert.Equal(t, 1, f.realtime.userEvents(f.artisan, "newMessage"))
	assert.Equal(t, 1, f.realtime.userEvents(f.customer, "newMessage"))
	assert.Equal(t, 1, f.notifier.count(f.artisan, models.NotificationTypeNewMessage))
	assert.Equal(t, "Здравствуйте! Когда сможете приехать?", f.repo.previews[f.chat.ID])

	f.realtime.online[f.customer] = true
	f.send(t, f.artisan, "Завтра в 10")
	assert.Equal(t, 0, f.notifier.count(f.customer, models.NotificationTypeNewMessage))

	_, err := f.svc.SendMessage(ctx, SendMessageInput{ChatID: f.chat.ID, SenderID: uuid.New(), Content: "я тут чужой"})
	assert.ErrorIs(t, err, apperror.ErrNotParticipant)

	_, err = f.svc.SendMessage(ctx, SendMessageInput{ChatID: f.chat.ID, SenderID: f.customer, Content: "   "})
	assert.ErrorIs(t, err, apperror.ErrEmptyMessage)

	_, err = f.svc.SendMessage(ctx, SendMessageInput{ChatID: f.chat.ID, SenderID: f.customer, Content: "x", Type: models.MessageTypeSystem})
	assert.True(t, apperror.IsValidation(err))

	_, err = f.svc.SendMessage(ctx, SendMessageInput{ChatID: f.chat.ID, SenderID: f.customer, Content: strings.Repeat("а", maxMessageLength+1)})
	assert.True(t, apperror.IsValidation(err))
}

func TestChatService_ReplyMustStayInChat(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	booking := uuid.New()
	other, err := f.svc.StartChat(ctx, f.customer, f.artisan, &booking)
	require.NoError(t, err)

	parent := f.send(t, f.customer, "Исходное")
	_, err = f.svc.SendMessage(ctx, SendMessageInput{ChatID: other.ID, SenderID: f.artisan, Content: "Ответ", ReplyTo: &parent.ID})
	assert.True(t, apperror.IsValidation(err))

	reply, err := f.svc.SendMessage(ctx, SendMessageInput{ChatID: f.chat.ID, SenderID: f.artisan, Content: "Ответ", ReplyTo: &parent.ID})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, *reply.ReplyTo)
}

func TestChatService_ReceiptsAreMonotonic(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.customer, "Фото работы прикреплю позже")

	read, err := f.svc.MarkRead(ctx, msg.ID, f.artisan)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusRead, read.StatusFor(f.artisan))
	assert.True(t, read.DeliveredTo.Has(f.artisan))

	delivered, err := f.svc.MarkDelivered(ctx, msg.ID, f.artisan)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusRead, delivered.StatusFor(f.artisan))

	_, err = f.svc.MarkRead(ctx, msg.ID, f.artisan)
	require.NoError(t, err)
	assert.Equal(t, 1, f.realtime.userEvents(f.customer, "messageStatus"))

	own, err := f.svc.MarkRead(ctx, msg.ID, f.customer)
	require.NoError(t, err)
	assert.False(t, own.ReadBy.Has(f.customer))

	_, err = f.svc.MarkDelivered(ctx, msg.ID, uuid.New())
	assert.ErrorIs(t, err, apperror.ErrNotParticipant)
}

func TestChatService_DeliveredThenRead(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.artisan, "Готово")

	delivered, err := f.svc.MarkDelivered(ctx, msg.ID, f.customer)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusDelivered, delivered.StatusFor(f.customer))

	read, err := f.svc.MarkRead(ctx, msg.ID, f.customer)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusRead, read.StatusFor(f.customer))
	assert.Equal(t, 2, f.realtime.userEvents(f.artisan, "messageStatus"))
}

func TestChatService_MarkAllReadAndUnread(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	f.send(t, f.customer, "Первое")
	f.send(t, f.customer, "Второе")
	f.send(t, f.artisan, "Ответ")

	unread, err := f.svc.UnreadCount(ctx, f.artisan)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	updated, err := f.svc.MarkAllRead(ctx, f.chat.ID, f.artisan)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	unread, err = f.svc.UnreadCount(ctx, f.artisan)
	require.NoError(t, err)
	assert.Equal(t, 0, unread)

	chats, err := f.svc.ListChats(ctx, f.customer, 0, 0)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, 1, chats[0].UnreadCount)
}

func TestChatService_Encryption(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	on := true
	_, err := f.svc.UpdateSettings(ctx, f.chat.ID, f.customer, ChatSettings{EncryptionEnabled: &on})
	require.NoError(t, err)
	f.chat, _ = f.repo.GetByID(ctx, f.chat.ID)

	msg := f.send(t, f.customer, "Код от домофона 1234")
	assert.Equal(t, "Код от домофона 1234", msg.Content)

	stored := f.repo.stored(msg.ID)
	assert.True(t, stored.Encrypted)
	assert.NotContains(t, stored.Content, "1234")
	assert.Equal(t, encryptedPreview, f.repo.previews[f.chat.ID])

	edited, err := f.svc.EditMessage(ctx, msg.ID, f.customer, "Код от домофона 4321")
	require.NoError(t, err)
	assert.Equal(t, "Код от домофона 4321", edited.Content)
	require.Len(t, edited.EditHistory, 1)
	assert.Equal(t, "Код от домофона 1234", edited.EditHistory[0].Content)

	list, err := f.svc.ListMessages(ctx, f.chat.ID, f.artisan, nil, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Код от домофона 4321", list[0].Content)
}

func TestChatService_EncryptionRequiresCipher(t *testing.T) {
	users := newMemUsers()
	customer := users.add(models.RoleUser, "")
	artisan := users.add(models.RoleArtisan, "")
	svc := NewChatService(newMemChats(), users, nil, &recordingNotifier{}, nil, nil, ChatConfig{})
	ctx := context.Background()

	chat, err := svc.StartChat(ctx, customer, artisan, nil)
	require.NoError(t, err)

	on := true
	_, err = svc.UpdateSettings(ctx, chat.ID, customer, ChatSettings{EncryptionEnabled: &on})
	assert.True(t, apperror.IsValidation(err))

	_, err = svc.SendAttachment(ctx, chat.ID, customer, "", "a.png", bytes.NewReader([]byte{1}))
	assert.True(t, apperror.HasCode(err, apperror.ErrCodeInternal))
}

func TestChatService_EditMessage(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.customer, "Нужна покраска двух стульев")

	_, err := f.svc.EditMessage(ctx, msg.ID, f.artisan, "чужая правка")
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	edited, err := f.svc.EditMessage(ctx, msg.ID, f.customer, "Нужна покраска трёх стульев")
	require.NoError(t, err)
	assert.NotNil(t, edited.EditedAt)
	require.Len(t, edited.EditHistory, 1)
	assert.Equal(t, "Нужна покраска двух стульев", edited.EditHistory[0].Content)
	assert.Equal(t, 1, f.realtime.roomEventCount("messageEdited"))

	f.svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = f.svc.EditMessage(ctx, msg.ID, f.customer, "поздно")
	assert.ErrorIs(t, err, apperror.ErrMessageTooOldToEdit)
}

func TestChatService_OneReactionPerUser(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.send(t, f.artisan, "Работа готова")

	_, err := f.svc.React(ctx, msg.ID, f.customer, "👍")
	require.NoError(t, err)
	updated, err := f.svc.React(ctx, msg.ID, f.customer, "❤️")
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	assert.Equal(t, "❤️", updated.Reactions[0].Emoji)

	updated, err = f.svc.React(ctx, msg.ID, f.artisan, "🔥")
	require.NoError(t, err)
	assert.Len(t, updated.Reactions, 2)

	updated, err = f.svc.RemoveReaction(ctx, msg.ID, f.customer)
	require.NoError(t, err)
	require.Len(t, updated.Reactions, 1)
	assert.Equal(t, f.artisan, updated.Reactions[0].UserID)

	_, err = f.svc.React(ctx, msg.ID, f.customer, "")
	assert.True(t, apperror.IsValidation(err))

	_, err = f.svc.React(ctx, msg.ID, uuid.New(), "👍")
	assert.ErrorIs(t, err, apperror.ErrNotParticipant)
}

func TestChatService_BlockedChat(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	blocked := true

	_, err := f.svc.UpdateSettings(ctx, f.chat.ID, f.artisan, ChatSettings{Blocked: &blocked})
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, SendMessageInput{ChatID: f.chat.ID, SenderID: f.customer, Content: "Ау"})
	assert.ErrorIs(t, err, apperror.ErrChatBlocked)
}

func TestChatService_MessageExpiry(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	short := 30 * time.Second
	_, err := f.svc.UpdateSettings(ctx, f.chat.ID, f.customer, ChatSettings{MessageTTL: &short})
	assert.True(t, apperror.IsValidation(err))

	hour := time.Hour
	updated, err := f.svc.UpdateSettings(ctx, f.chat.ID, f.customer, ChatSettings{MessageTTL: &hour})
	require.NoError(t, err)
	require.NotNil(t, updated.MessageTTLSeconds)
	assert.Equal(t, int64(3600), *updated.MessageTTLSeconds)

	msg := f.send(t, f.customer, "Исчезающее сообщение")
	require.NotNil(t, msg.ExpiresAt)

	removed, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	off := time.Duration(0)
	updated, err = f.svc.UpdateSettings(ctx, f.chat.ID, f.customer, ChatSettings{MessageTTL: &off})
	require.NoError(t, err)
	assert.Nil(t, updated.MessageTTLSeconds)
}

func TestChatService_SystemMessageAndAttachment(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	sys, err := f.svc.PostSystemMessage(ctx, f.chat.ID, f.artisan, "Бронирование подтверждено")
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeSystem, sys.Type)
	assert.Equal(t, 0, f.notifier.count(f.customer, models.NotificationTypeNewMessage))

	_, err = f.svc.EditMessage(ctx, sys.ID, f.artisan, "правка")
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	file, err := f.svc.SendAttachment(ctx, f.chat.ID, f.artisan, "", "result.png", bytes.NewReader([]byte("png")))
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeFile, file.Type)
	require.Len(t, file.Attachments, 1)
	assert.Equal(t, attachmentPreview, f.repo.previews[f.chat.ID])

	_, err = f.svc.SendAttachment(ctx, f.chat.ID, uuid.New(), "", "x.png", bytes.NewReader([]byte("png")))
	assert.ErrorIs(t, err, apperror.ErrNotParticipant)
}

func TestChatService_RoomsAndTyping(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.svc.CanJoinRoom(ctx, f.customer, f.chat.RoomID()))
	assert.ErrorIs(t, f.svc.CanJoinRoom(ctx, uuid.New(), f.chat.RoomID()), apperror.ErrNotParticipant)
	assert.True(t, apperror.IsValidation(f.svc.CanJoinRoom(ctx, f.customer, "booking:1")))

	require.NoError(t, f.svc.Typing(ctx, f.chat.ID, f.customer, true))
	assert.Equal(t, 1, f.realtime.roomEventCount("userTyping"))

	peers, err := f.svc.Counterparties(ctx, f.customer)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.artisan}, peers)
}
