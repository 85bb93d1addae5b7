package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt ignores anything longer
	maxNameLen     = 120
)

// TokenPair is what a successful login or refresh hands back to the client.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// LoginResult is a token pair plus the authenticated account.
type LoginResult struct {
	TokenPair
	User *User `json:"user"`
}

// RegisterInput describes a new account.
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     Role   `json:"role,omitempty"`
}

// AuthService implements account, session and one-time token flows.
type AuthService struct {
	users    UserStore
	sessions SessionStore
	tokens   TokenStore
	signer   *TokenService
	hasher   *PasswordHasher
	mailer   Mailer
	metrics  *Metrics
	logger   *slog.Logger

	refreshTTL time.Duration
	oneTimeTTL time.Duration
	now        func() time.Time
	newID      func() string
}

// AuthServiceConfig groups the service dependencies.
type AuthServiceConfig struct {
	Users      UserStore
	Sessions   SessionStore
	Tokens     TokenStore
	Signer     *TokenService
	Hasher     *PasswordHasher
	Mailer     Mailer
	Metrics    *Metrics
	Logger     *slog.Logger
	RefreshTTL time.Duration
	OneTimeTTL time.Duration
}

func NewAuthService(c AuthServiceConfig) *AuthService {
	return &AuthService{
		users:      c.Users,
		sessions:   c.Sessions,
		tokens:     c.Tokens,
		signer:     c.Signer,
		hasher:     c.Hasher,
		mailer:     c.Mailer,
		metrics:    c.Metrics,
		logger:     c.Logger,
		refreshTTL: c.RefreshTTL,
		oneTimeTTL: c.OneTimeTTL,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, "@")
}

func validatePassword(v *ValidationError, field, password string) {
	switch {
	case len(password) < minPasswordLen:
		v.add(field, fmt.Sprintf("must be at least %d characters", minPasswordLen))
	case len(password) > maxPasswordLen:
		v.add(field, fmt.Sprintf("must be at most %d bytes", maxPasswordLen))
	}
}

func (in *RegisterInput) normalize() error {
	in.Email = normalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)

	v := &ValidationError{}
	if !validEmail(in.Email) {
		v.add("email", "must be a valid email address")
	}
	validatePassword(v, "password", in.Password)
	if in.Name == "" {
		v.add("name", "is required")
	} else if len(in.Name) > maxNameLen {
		v.add("name", fmt.Sprintf("must be at most %d characters", maxNameLen))
	}
	return v.orNil()
}

// Register creates an owner account and mails a verification token.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*User, error) {
	in.Role = RoleOwner
	u, err := s.createUser(ctx, in)
	s.metrics.authEvent("register", err)
	return u, err
}

// CreateMember lets an owner add a collaborator or viewer.
func (s *AuthService) CreateMember(ctx context.Context, in RegisterInput) (*User, error) {
	if in.Role != RoleCollaborator && in.Role != RoleViewer {
		return nil, (&ValidationError{}).add("role", "must be collaborator or viewer")
	}
	return s.createUser(ctx, in)
}

func (s *AuthService) createUser(ctx context.Context, in RegisterInput) (*User, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	u := &User{
		ID:           s.newID(),
		Email:        in.Email,
		PasswordHash: hash,
		Name:         in.Name,
		Role:         in.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := s.sendVerification(ctx, u); err != nil {
		s.logger.WarnContext(ctx, "verification mail not sent", "user_id", u.ID, "error", err)
	}
	return u, nil
}

// Login checks credentials and opens a session. Unknown accounts and wrong passwords are
// indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	res, err := s.login(ctx, email, password)
	s.metrics.authEvent("login", err)
	return res, err
}

func (s *AuthService) login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		v := &ValidationError{}
		if email == "" {
			v.add("email", "is required")
		}
		if password == "" {
			v.add("password", "is required")
		}
		return nil, v
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.hasher.CompareDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !s.hasher.Compare(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	raw, sess, err := s.newSession(u.ID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	pair, err := s.pair(u, raw, sess)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: *pair, User: u}, nil
}

func (s *AuthService) newSession(userID string) (string, *Session, error) {
	raw, err := NewOpaqueToken()
	if err != nil {
		return "", nil, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.now().UTC()
	return raw, &Session{
		ID:        s.newID(),
		UserID:    userID,
		TokenHash: s.signer.HashOpaqueToken(raw),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}, nil
}

func (s *AuthService) pair(u *User, rawRefresh string, sess *Session) (*TokenPair, error) {
	access, exp, err := s.signer.IssueAccessToken(Identity{UserID: u.ID, Email: u.Email, Role: u.Role})
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  exp,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// Logout revokes the session behind refreshToken. Unknown or already revoked tokens succeed.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, s.signer.HashOpaqueToken(refreshToken), s.now().UTC()); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// LogoutAll revokes every active session of userID.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	if err := s.sessions.RevokeAllSessions(ctx, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// Refresh exchanges a refresh token for a new pair and retires the old session. Presenting a
// token that was already revoked ends every session of its owner.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := s.refresh(ctx, refreshToken)
	s.metrics.authEvent("refresh", err)
	return pair, err
}

func (s *AuthService) refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrInvalidSession
	}
	now := s.now().UTC()
	hash := s.signer.HashOpaqueToken(refreshToken)

	sess, err := s.sessions.GetSessionByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.RevokedAt != nil {
		s.logger.WarnContext(ctx, "revoked refresh token presented, revoking all sessions", "user_id", sess.UserID)
		if err := s.sessions.RevokeAllSessions(ctx, sess.UserID, now); err != nil {
			return nil, fmt.Errorf("revoke sessions: %w", err)
		}
		return nil, ErrInvalidSession
	}
	if !sess.Active(now) {
		return nil, ErrInvalidSession
	}

	u, err := s.users.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	raw, next, err := s.newSession(u.ID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.RotateSession(ctx, hash, next, now); err != nil {
		if errors.Is(err, ErrInvalidSession) {
			return nil, err
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	return s.pair(u, raw, next)
}

// ForgotPassword mails a reset token when the address belongs to an account. The caller sees
// the same result either way.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return (&ValidationError{}).add("email", "must be a valid email address")
	}
	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	raw, err := s.issueOneTime(ctx, u.ID, PurposePasswordReset)
	if err != nil {
		return err
	}
	if err := s.mailer.SendPasswordReset(ctx, u, raw); err != nil {
		s.logger.ErrorContext(ctx, "password reset mail not sent", "user_id", u.ID, "error", err)
	}
	return nil
}

// ResetPassword consumes a reset token, then replaces the password and ends all sessions.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	err := s.resetPassword(ctx, token, newPassword)
	s.metrics.authEvent("reset_password", err)
	return err
}

func (s *AuthService) resetPassword(ctx context.Context, token, newPassword string) error {
	v := &ValidationError{}
	if token == "" {
		v.add("token", "is required")
	}
	validatePassword(v, "password", newPassword)
	if err := v.orNil(); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	userID, err := s.tokens.ConsumeOneTimeToken(ctx, s.signer.HashOpaqueToken(token), PurposePasswordReset, now)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash, now); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.sessions.RevokeAllSessions(ctx, userID, now); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// VerifyEmail consumes a verification token and marks the address verified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return (&ValidationError{}).add("token", "is required")
	}
	now := s.now().UTC()
	userID, err := s.tokens.ConsumeOneTimeToken(ctx, s.signer.HashOpaqueToken(token), PurposeEmailVerification, now)
	if err != nil {
		return err
	}
	if err := s.users.MarkEmailVerified(ctx, userID, now); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// ResendVerification mails a fresh verification token unless the address is verified.
func (s *AuthService) ResendVerification(ctx context.Context, userID string) error {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if u.EmailVerifiedAt != nil {
		return ErrAlreadyVerified
	}
	return s.sendVerification(ctx, u)
}

// Me returns the account behind userID.
func (s *AuthService) Me(ctx context.Context, userID string) (*User, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (s *AuthService) sendVerification(ctx context.Context, u *User) error {
	raw, err := s.issueOneTime(ctx, u.ID, PurposeEmailVerification)
	if err != nil {
		return err
	}
	return s.mailer.SendEmailVerification(ctx, u, raw)
}

// issueOneTime stores the hash of a new token and returns the raw value.
func (s *AuthService) issueOneTime(ctx context.Context, userID string, purpose TokenPurpose) (string, error) {
	raw, err := NewOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	now := s.now().UTC()
	t := &OneTimeToken{
		ID:        s.newID(),
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: s.signer.HashOpaqueToken(raw),
		ExpiresAt: now.Add(s.oneTimeTTL),
		CreatedAt: now,
	}
	if err := s.tokens.CreateOneTimeToken(ctx, t); err != nil {
		return "", fmt.Errorf("store %s token: %w", purpose, err)
	}
	return raw, nil
}
