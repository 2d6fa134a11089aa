// Package auth signs operators in and out of the door service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"iot-door/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrSessionInvalid     = errors.New("session invalid or expired")
	ErrEmailTaken         = errors.New("email already registered")
	ErrMagicLinkInvalid   = errors.New("magic link invalid or expired")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
)

const minPasswordLength = 6

// Config holds auth configuration.
type Config struct {
	Secret           string
	SessionTTL       time.Duration
	MagicLinkTTL     time.Duration
	MagicLinkBaseURL string
}

// User is the signed-in identity. ProfileID is the users table id recorded on
// access logs, empty when no profile row exists.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
}

// Session is returned on sign-in.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// SessionChange is delivered to OnSessionChange listeners. Session is nil
// when SessionID was signed out.
type SessionChange struct {
	SessionID string
	Session   *Session
}

// LinkSender delivers magic links.
type LinkSender interface {
	SendMagicLink(ctx context.Context, email, link string) error
}

// LogSender writes magic links to the log instead of mailing them.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) SendMagicLink(_ context.Context, email, link string) error {
	s.Logger.Info("magic link issued", "email", email, "link", link)
	return nil
}

// Service implements sign-up, sign-in, and sign-out against the store.
type Service struct {
	store  store.Store
	cfg    Config
	sender LinkSender
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	listeners map[uint64]func(SessionChange)
	nextID    uint64
}

func NewService(st store.Store, cfg Config, sender LinkSender, logger *slog.Logger) (*Service, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth: secret is required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	if cfg.MagicLinkTTL <= 0 {
		cfg.MagicLinkTTL = 15 * time.Minute
	}
	logger = logger.With("component", "auth")
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return &Service{
		store:     st,
		cfg:       cfg,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[uint64]func(SessionChange)),
	}, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(email), nil
}

// SignUp creates an account with a users profile row and signs it in.
func (s *Service) SignUp(ctx context.Context, email, password, fullName string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	acc, err := s.createAccount(email, hash, strings.TrimSpace(fullName))
	if err != nil {
		return nil, err
	}
	s.logger.Info("account created", "account", acc.ID)
	return s.startSession(ctx, acc)
}

func (s *Service) createAccount(email, passwordHash, fullName string) (*store.Account, error) {
	acc := &store.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		FullName:     fullName,
		CreatedAt:    s.now().UTC(),
	}
	profile := &store.Profile{ID: uuid.NewString(), AuthID: acc.ID, FullName: fullName}
	if err := s.store.CreateAccount(acc, profile); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	return acc, nil
}

func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	acc, err := s.store.GetAccountByEmail(email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if acc.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	ok, err := VerifyPassword(password, acc.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return s.startSession(ctx, acc)
}

// SignInWithMagicLink sends a one-time sign-in link to email. The account is
// created when the link is redeemed if it does not exist yet.
func (s *Service) SignInWithMagicLink(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	raw, hash, err := newLinkToken()
	if err != nil {
		return err
	}
	link := &store.MagicLink{TokenHash: hash, Email: email, ExpiresAt: s.now().Add(s.cfg.MagicLinkTTL).UTC()}
	if err := s.store.SaveMagicLink(link); err != nil {
		return fmt.Errorf("save magic link: %w", err)
	}
	if err := s.sender.SendMagicLink(ctx, email, s.linkURL(raw)); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}

func (s *Service) linkURL(token string) string {
	base := s.cfg.MagicLinkBaseURL
	if base == "" {
		return token
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + "?token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// VerifyMagicLink redeems a link token. Each token works once.
func (s *Service) VerifyMagicLink(ctx context.Context, token string) (*Session, error) {
	link, err := s.store.ConsumeMagicLink(hashLinkToken(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMagicLinkInvalid
		}
		return nil, fmt.Errorf("consume magic link: %w", err)
	}
	if s.now().After(link.ExpiresAt) {
		return nil, ErrMagicLinkInvalid
	}

	acc, err := s.store.GetAccountByEmail(link.Email)
	if errors.Is(err, store.ErrNotFound) {
		acc, err = s.createAccount(link.Email, "", "")
		if errors.Is(err, ErrEmailTaken) {
			acc, err = s.store.GetAccountByEmail(link.Email)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("magic link account: %w", err)
	}
	return s.startSession(ctx, acc)
}

func (s *Service) startSession(_ context.Context, acc *store.Account) (*Session, error) {
	now := s.now().UTC()
	sess := &store.Session{
		ID:        uuid.NewString(),
		AccountID: acc.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	token, err := signToken(acc.ID, acc.Email, sess.ID, s.cfg.Secret, now, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	out := &Session{ID: sess.ID, Token: token, ExpiresAt: sess.ExpiresAt, User: s.user(acc)}
	s.logger.Info("signed in", "account", acc.ID, "session", sess.ID)
	s.notify(SessionChange{SessionID: sess.ID, Session: out})
	return out, nil
}

func (s *Service) user(acc *store.Account) User {
	u := User{ID: acc.ID, Email: acc.Email, FullName: acc.FullName}
	if p, err := s.store.GetProfileByAuthID(acc.ID); err == nil {
		u.ProfileID = p.ID
		if u.FullName == "" {
			u.FullName = p.FullName
		}
	}
	return u
}

// GetCurrentUser resolves an access token to its user and session id.
func (s *Service) GetCurrentUser(_ context.Context, token string) (*User, string, error) {
	claims, err := ParseToken(token, s.cfg.Secret)
	if err != nil {
		return nil, "", err
	}
	sess, err := s.store.GetSession(claims.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrSessionInvalid
		}
		return nil, "", fmt.Errorf("lookup session: %w", err)
	}
	if sess.Revoked || sess.AccountID != claims.Subject || s.now().After(sess.ExpiresAt) {
		return nil, "", ErrSessionInvalid
	}
	acc, err := s.store.GetAccount(sess.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrSessionInvalid
		}
		return nil, "", fmt.Errorf("lookup account: %w", err)
	}
	u := s.user(acc)
	return &u, sess.ID, nil
}

// SignOut revokes the token's session. Signing out an already revoked
// session is not an error.
func (s *Service) SignOut(_ context.Context, token string) error {
	claims, err := ParseToken(token, s.cfg.Secret)
	if err != nil {
		return err
	}
	sess, err := s.store.GetSession(claims.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionInvalid
		}
		return fmt.Errorf("lookup session: %w", err)
	}
	if sess.Revoked {
		return nil
	}
	sess.Revoked = true
	if err := s.store.SaveSession(sess); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.logger.Info("signed out", "account", sess.AccountID, "session", sess.ID)
	s.notify(SessionChange{SessionID: sess.ID})
	return nil
}

// OnSessionChange registers fn for every sign-in and sign-out and returns
// its unsubscribe func. fn runs on the caller's goroutine and must not block.
func (s *Service) OnSessionChange(fn func(SessionChange)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Service) notify(change SessionChange) {
	s.mu.Lock()
	fns := make([]func(SessionChange), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("session listener panic", "panic", r)
				}
			}()
			fn(change)
		}()
	}
}
