package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrEmailTaken   = errors.New("email already taken")
	ErrInvalidCreds = errors.New("invalid email or password")
)

const (
	fieldPasswordHash = "passwordHash"
	tokenTTL          = 24 * time.Hour
)

// AuthService is the identity provider: it owns credentials and issues the
// tokens that carry the stable user id.
type AuthService struct {
	store         repository.DocumentStore
	users         *UserDirectory
	jwtSecret     []byte
	defaultAvatar string
	log           *zap.Logger
}

func NewAuthService(store repository.DocumentStore, users *UserDirectory, jwtSecret, defaultAvatar string, logger *zap.Logger) *AuthService {
	return &AuthService{
		store:         store,
		users:         users,
		jwtSecret:     []byte(jwtSecret),
		defaultAvatar: defaultAvatar,
		log:           logger,
	}
}

type RegisterInput struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
	PhotoURL string `json:"photoURL"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	User        *domain.User `json:"user"`
	AccessToken string       `json:"access_token"`
}

// Register stores credentials keyed by the normalized email, so a second
// registration with the same address fails atomically.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*AuthResponse, error) {
	email := normalizeEmail(input.Email)

	hash, err := hashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	userID := uuid.NewString()
	err = s.store.Create(ctx, repository.CredentialsCollection, email, map[string]any{
		domain.FieldUserID: userID,
		domain.FieldEmail:  email,
		fieldPasswordHash:  hash,
		"createdAt":        repository.ServerTimestamp{},
	})
	if errors.Is(err, repository.ErrAlreadyExists) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("storing credentials: %w", err)
	}

	photo := input.PhotoURL
	if photo == "" {
		photo = s.defaultAvatar
	}
	user := &domain.User{
		UserID:   userID,
		Name:     strings.TrimSpace(input.Name),
		PhotoURL: photo,
		Email:    email,
	}
	if err := s.users.EnsureUser(ctx, *user); err != nil {
		// Free the email again so the user can retry.
		if derr := s.store.Delete(context.WithoutCancel(ctx), repository.CredentialsCollection, email); derr != nil {
			s.log.Error("removing credentials of failed registration",
				zap.String("user_id", userID),
				zap.Error(derr),
			)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	token, err := s.generateToken(userID)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	s.log.Info("user registered", zap.String("user_id", userID))
	return &AuthResponse{User: user, AccessToken: token}, nil
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (*AuthResponse, error) {
	cred, err := s.store.Get(ctx, repository.CredentialsCollection, normalizeEmail(input.Email))
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrInvalidCreds
	}

	hash, _ := cred.Data[fieldPasswordHash].(string)
	if !verifyPassword(input.Password, hash) {
		return nil, ErrInvalidCreds
	}

	userID, _ := cred.Data[domain.FieldUserID].(string)
	users, err := s.users.ResolveNames(ctx, []string{userID})
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	token, err := s.generateToken(userID)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	return &AuthResponse{User: &users[0], AccessToken: token}, nil
}

func (s *AuthService) generateToken(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": now.Add(tokenTTL).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)

	return fmt.Sprintf("%s:%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func verifyPassword(password, encoded string) bool {
	saltB64, hashB64, ok := strings.Cut(encoded, ":")
	if !ok {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}

	expectedHash, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false
	}

	hash := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(hash, expectedHash) == 1
}
