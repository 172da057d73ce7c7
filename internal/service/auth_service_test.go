package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ignatzorin/artisan-market/internal/models"
	"github.com/ignatzorin/artisan-market/internal/pkg/apperror"
)

// memAuthRepository реализует AuthRepository в памяти.
type memAuthRepository struct {
	mu           sync.Mutex
	usersByEmail map[string]*models.User
	usersByID    map[uuid.UUID]*models.User
	sessions     map[string]*models.Session
	lastLogin    map[uuid.UUID]int
}

func newMemAuthRepository() *memAuthRepository {
	return &memAuthRepository{
		usersByEmail: make(map[string]*models.User),
		usersByID:    make(map[uuid.UUID]*models.User),
		sessions:     make(map[string]*models.Session),
		lastLogin:    make(map[uuid.UUID]int),
	}
}

func (m *memAuthRepository) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usersByEmail[user.Email]; ok {
		return apperror.ErrEmailTaken
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	user.IsActive = true
	m.usersByEmail[user.Email] = user
	m.usersByID[user.ID] = user
	return nil
}

func (m *memAuthRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.usersByEmail[email]; ok {
		return user, nil
	}
	return nil, apperror.ErrUserNotFound
}

func (m *memAuthRepository) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.usersByID[id]; ok {
		return user, nil
	}
	return nil, apperror.ErrUserNotFound
}

func (m *memAuthRepository) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session.ID = uuid.New()
	m.sessions[session.RefreshToken] = session
	return nil
}

func (m *memAuthRepository) GetSession(_ context.Context, refreshToken string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[refreshToken]; ok {
		return session, nil
	}
	return nil, apperror.ErrUnauthorized
}

func (m *memAuthRepository) DeleteSession(_ context.Context, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, refreshToken)
	return nil
}

func (m *memAuthRepository) UpdateLastLoginAt(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogin[userID]++
	return nil
}

func (m *memAuthRepository) SetStripeAccount(_ context.Context, userID uuid.UUID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.usersByID[userID]
	if !ok {
		return apperror.ErrUserNotFound
	}
	user.StripeAccountID = &accountID
	return nil
}

func newTestAuthService() (*AuthService, *memAuthRepository, *TokenManager) {
	repo := newMemAuthRepository()
	tokens := NewTokenManager("access-secret", "refresh-secret", 15*time.Minute, 24*time.Hour)
	return NewAuthService(repo, tokens), repo, tokens
}

func TestAuthService_Register(t *testing.T) {
	svc, repo, tokens := newTestAuthService()
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{
		Email:    " Master@Example.com ",
		Password: "Secret123",
		Role:     models.RoleArtisan,
	}, SessionMeta{UserAgent: "test-agent", IP: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, "master@example.com", result.User.Email)
	assert.Equal(t, "master", result.User.Username)
	assert.Equal(t, models.RoleArtisan, result.User.Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(result.User.PasswordHash), []byte("Secret123")))

	userID, role, err := tokens.ParseAccess(result.TokenPair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, userID)
	assert.Equal(t, models.RoleArtisan, role)

	session, ok := repo.sessions[result.TokenPair.RefreshToken]
	require.True(t, ok)
	require.NotNil(t, session.UserAgent)
	assert.Equal(t, "test-agent", *session.UserAgent)

	_, err = svc.Register(ctx, RegisterInput{Email: "master@example.com", Password: "Secret123"}, SessionMeta{})
	assert.ErrorIs(t, err, apperror.ErrEmailTaken)
}

func TestAuthService_RegisterValidation(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	cases := map[string]RegisterInput{
		"bad email":     {Email: "nope", Password: "Secret123"},
		"weak password": {Email: "a@example.com", Password: "secret"},
		"admin role":    {Email: "b@example.com", Password: "Secret123", Role: models.RoleAdmin},
		"bad username":  {Email: "c@example.com", Password: "Secret123", Username: "9lives"},
	}
	for name, in := range cases {
		_, err := svc.Register(ctx, in, SessionMeta{})
		assert.True(t, apperror.IsValidation(err), name)
	}

	result, err := svc.Register(ctx, RegisterInput{Email: "d@example.com", Password: "Secret123"}, SessionMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, result.User.Role)
	assert.Len(t, result.User.Username, len("user_")+6)
}

func TestAuthService_Login(t *testing.T) {
	svc, repo, _ := newTestAuthService()
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterInput{Email: "buyer@example.com", Password: "Secret123"}, SessionMeta{})
	require.NoError(t, err)

	result, err := svc.Login(ctx, LoginInput{Email: "BUYER@example.com", Password: "Secret123"}, SessionMeta{})
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, result.User.ID)
	assert.Equal(t, 1, repo.lastLogin[result.User.ID])

	_, err = svc.Login(ctx, LoginInput{Email: "buyer@example.com", Password: "Wrong123"}, SessionMeta{})
	assert.ErrorIs(t, err, apperror.ErrInvalidCredentials)

	_, err = svc.Login(ctx, LoginInput{Email: "ghost@example.com", Password: "Secret123"}, SessionMeta{})
	assert.ErrorIs(t, err, apperror.ErrInvalidCredentials)

	registered.User.IsActive = false
	_, err = svc.Login(ctx, LoginInput{Email: "buyer@example.com", Password: "Secret123"}, SessionMeta{})
	assert.ErrorIs(t, err, apperror.ErrAccountDisabled)
}

func TestAuthService_RefreshRotatesSession(t *testing.T) {
	svc, repo, _ := newTestAuthService()
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterInput{Email: "rotate@example.com", Password: "Secret123"}, SessionMeta{})
	require.NoError(t, err)
	oldToken := registered.TokenPair.RefreshToken

	pair, err := svc.Refresh(ctx, oldToken, SessionMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, pair.RefreshToken)
	assert.NotContains(t, repo.sessions, oldToken)
	assert.Contains(t, repo.sessions, pair.RefreshToken)

	_, err = svc.Refresh(ctx, oldToken, SessionMeta{})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	_, err = svc.Refresh(ctx, "garbage", SessionMeta{})
	assert.True(t, apperror.HasCode(err, apperror.ErrCodeUnauthorized))

	require.NoError(t, svc.Logout(ctx, pair.RefreshToken))
	assert.Empty(t, repo.sessions)
}

func TestAuthService_SetPayoutAccount(t *testing.T) {
	svc, _, _ := newTestAuthService()
	ctx := context.Background()

	artisan, err := svc.Register(ctx, RegisterInput{Email: "wood@example.com", Password: "Secret123", Role: models.RoleArtisan}, SessionMeta{})
	require.NoError(t, err)
	buyer, err := svc.Register(ctx, RegisterInput{Email: "buyer@example.com", Password: "Secret123"}, SessionMeta{})
	require.NoError(t, err)

	_, err = svc.SetPayoutAccount(ctx, Actor{ID: buyer.User.ID, Role: models.RoleUser}, "acct_123")
	assert.ErrorIs(t, err, apperror.ErrNotAuthorized)

	_, err = svc.SetPayoutAccount(ctx, Actor{ID: artisan.User.ID, Role: models.RoleArtisan}, "ba_123")
	assert.True(t, apperror.IsValidation(err))

	user, err := svc.SetPayoutAccount(ctx, Actor{ID: artisan.User.ID, Role: models.RoleArtisan}, " acct_123 ")
	require.NoError(t, err)
	assert.True(t, user.HasPayoutDestination())
	assert.Equal(t, "acct_123", *user.StripeAccountID)
}
