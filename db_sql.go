package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore implements DB on database/sql. Queries are written with '?' placeholders and
// rebound per dialect. Timestamps are stored as unix milliseconds.
type sqlStore struct {
	db       *sql.DB
	rebind   func(string) string
	isUnique func(error) bool
}

func (s *sqlStore) q(query string) string {
	if s.rebind == nil {
		return query
	}
	return s.rebind(query)
}

// rebindDollar turns '?' placeholders into $1..$n.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func ptrMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlStore) Close() error                   { return s.db.Close() }

// users

const userColumns = `id,email,password_hash,name,role,email_verified_at,created_at,updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u                User
		verified         sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &verified, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.EmailVerifiedAt = ptrMillis(verified)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?)`),
		u.ID, u.Email, u.PasswordHash, u.Name, string(u.Role), nullMillis(u.EmailVerifiedAt), toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if err != nil {
		if s.isUnique != nil && s.isUnique(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
}

func (s *sqlStore) UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`), hash, toMillis(at), userID)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectOne(res)
}

func (s *sqlStore) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET email_verified_at = COALESCE(email_verified_at, ?), updated_at = ? WHERE id = ?`),
		toMillis(at), toMillis(at), userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// sessions

func (s *sqlStore) CreateSession(ctx context.Context, sess *Session) error {
	return insertSession(ctx, s.db, s.q, sess)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, q func(string) string, sess *Session) error {
	_, err := db.ExecContext(ctx, q(`INSERT INTO sessions(id,user_id,token_hash,issued_at,expires_at,revoked_at) VALUES(?,?,?,?,?,?)`),
		sess.ID, sess.UserID, sess.TokenHash, toMillis(sess.IssuedAt), toMillis(sess.ExpiresAt), nullMillis(sess.RevokedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSessionByHash(ctx context.Context, hash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id,user_id,token_hash,issued_at,expires_at,revoked_at FROM sessions WHERE token_hash = ?`), hash)
	var (
		sess            Session
		issued, expires int64
		revoked         sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &issued, &expires, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.IssuedAt = fromMillis(issued)
	sess.ExpiresAt = fromMillis(expires)
	sess.RevokedAt = ptrMillis(revoked)
	return &sess, nil
}

func (s *sqlStore) RevokeSession(ctx context.Context, hash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`), toMillis(at), hash)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *sqlStore) RotateSession(ctx context.Context, oldHash string, next *Session, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?`),
		toMillis(now), oldHash, toMillis(now))
	if err != nil {
		return fmt.Errorf("revoke rotated session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrInvalidSession
	}
	if err := insertSession(ctx, tx, s.q, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) RevokeAllSessions(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`), toMillis(at), userID)
	if err != nil {
		return fmt.Errorf("revoke all sessions: %w", err)
	}
	return nil
}

// one-time tokens

func (s *sqlStore) CreateOneTimeToken(ctx context.Context, t *OneTimeToken) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO one_time_tokens(id,user_id,purpose,token_hash,expires_at,used_at,created_at) VALUES(?,?,?,?,?,?,?)`),
		t.ID, t.UserID, string(t.Purpose), t.TokenHash, toMillis(t.ExpiresAt), nullMillis(t.UsedAt), toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert one-time token: %w", err)
	}
	return nil
}

func (s *sqlStore) ConsumeOneTimeToken(ctx context.Context, hash string, purpose TokenPurpose, now time.Time) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		s.q(`UPDATE one_time_tokens SET used_at = ? WHERE token_hash = ? AND purpose = ? AND used_at IS NULL AND expires_at > ? RETURNING user_id`),
		toMillis(now), hash, string(purpose), toMillis(now)).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidOrExpiredToken
		}
		return "", fmt.Errorf("consume one-time token: %w", err)
	}
	return userID, nil
}

// ideas

const ideaColumns = `id,owner_id,title,notes,status,scheduled_for,created_at,updated_at`

func scanIdea(row interface{ Scan(...any) error }) (*Idea, error) {
	var (
		i                Idea
		scheduled        sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&i.ID, &i.OwnerID, &i.Title, &i.Notes, &i.Status, &scheduled, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	i.ScheduledFor = ptrMillis(scheduled)
	i.CreatedAt = fromMillis(created)
	i.UpdatedAt = fromMillis(updated)
	return &i, nil
}

func (s *sqlStore) CreateIdea(ctx context.Context, i *Idea) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO ideas(`+ideaColumns+`) VALUES(?,?,?,?,?,?,?,?)`),
		i.ID, i.OwnerID, i.Title, i.Notes, string(i.Status), nullMillis(i.ScheduledFor), toMillis(i.CreatedAt), toMillis(i.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert idea: %w", err)
	}
	return nil
}

func (s *sqlStore) GetIdea(ctx context.Context, ownerID, id string) (*Idea, error) {
	return scanIdea(s.db.QueryRowContext(ctx, s.q(`SELECT `+ideaColumns+` FROM ideas WHERE id = ? AND owner_id = ?`), id, ownerID))
}

func (s *sqlStore) ListIdeas(ctx context.Context, ownerID string, f IdeaFilter) ([]*Idea, error) {
	query := `SELECT ` + ideaColumns + ` FROM ideas WHERE owner_id = ?`
	args := []any{ownerID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		query += ` AND scheduled_for >= ?`
		args = append(args, toMillis(*f.From))
	}
	if f.To != nil {
		query += ` AND scheduled_for < ?`
		args = append(args, toMillis(*f.To))
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list ideas: %w", err)
	}
	defer rows.Close()
	var out []*Idea
	for rows.Next() {
		i, err := scanIdea(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateIdea(ctx context.Context, i *Idea) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE ideas SET title = ?, notes = ?, status = ?, scheduled_for = ?, updated_at = ? WHERE id = ? AND owner_id = ?`),
		i.Title, i.Notes, string(i.Status), nullMillis(i.ScheduledFor), toMillis(i.UpdatedAt), i.ID, i.OwnerID)
	if err != nil {
		return fmt.Errorf("update idea: %w", err)
	}
	return expectOne(res)
}

func (s *sqlStore) DeleteIdea(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM ideas WHERE id = ? AND owner_id = ?`), id, ownerID)
	if err != nil {
		return fmt.Errorf("delete idea: %w", err)
	}
	return expectOne(res)
}

func (s *sqlStore) CountIdeasByStage(ctx context.Context, ownerID string) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT status, COUNT(*) FROM ideas WHERE owner_id = ? GROUP BY status`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("count ideas: %w", err)
	}
	defer rows.Close()
	counts := map[Stage]int{}
	for rows.Next() {
		var (
			st Stage
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// productions

const productionSelect = `SELECT p.id, p.owner_id, p.idea_id, p.title, p.status, p.created_at,
	COALESCE(SUM(CASE WHEN a.kind = 'short' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN a.kind = 'short' AND a.published_at IS NOT NULL THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN a.kind = 'post' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN a.kind = 'post' AND a.published_at IS NOT NULL THEN 1 ELSE 0 END), 0)
FROM productions p LEFT JOIN artifacts a ON a.production_id = p.id`

const productionGroup = ` GROUP BY p.id, p.owner_id, p.idea_id, p.title, p.status, p.created_at`

func scanProduction(row interface{ Scan(...any) error }) (*Production, error) {
	var (
		p       Production
		ideaID  sql.NullString
		created int64
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &ideaID, &p.Title, &p.Status, &created,
		&p.Shorts.Total, &p.Shorts.Published, &p.Posts.Total, &p.Posts.Published); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if ideaID.Valid {
		p.IdeaID = &ideaID.String
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

func (s *sqlStore) CreateProduction(ctx context.Context, p *Production) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO productions(id,owner_id,idea_id,title,status,created_at) VALUES(?,?,?,?,?,?)`),
		p.ID, p.OwnerID, nullString(p.IdeaID), p.Title, string(p.Status), toMillis(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert production: %w", err)
	}
	return nil
}

func (s *sqlStore) GetProduction(ctx context.Context, ownerID, id string) (*Production, error) {
	return scanProduction(s.db.QueryRowContext(ctx,
		s.q(productionSelect+` WHERE p.id = ? AND p.owner_id = ?`+productionGroup), id, ownerID))
}

func (s *sqlStore) ListProductions(ctx context.Context, ownerID string) ([]*Production, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(productionSelect+` WHERE p.owner_id = ?`+productionGroup+` ORDER BY p.created_at`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list productions: %w", err)
	}
	defer rows.Close()
	var out []*Production
	for rows.Next() {
		p, err := scanProduction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateArtifact(ctx context.Context, ownerID string, a *Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifact: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var one int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM productions WHERE id = ? AND owner_id = ?`), a.ProductionID, ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check production owner: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO artifacts(id,production_id,kind,title,published_at,created_at) VALUES(?,?,?,?,?,?)`),
		a.ID, a.ProductionID, string(a.Kind), a.Title, nullMillis(a.PublishedAt), toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStore) PublishArtifact(ctx context.Context, ownerID, productionID, artifactID string, at time.Time) (*Artifact, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE artifacts SET published_at = COALESCE(published_at, ?)
			WHERE id = ? AND production_id IN (SELECT id FROM productions WHERE id = ? AND owner_id = ?)`),
		toMillis(at), artifactID, productionID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("publish artifact: %w", err)
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}

	var (
		a         Artifact
		published sql.NullInt64
		created   int64
	)
	err = s.db.QueryRowContext(ctx,
		s.q(`SELECT id,production_id,kind,title,published_at,created_at FROM artifacts WHERE id = ?`), artifactID).
		Scan(&a.ID, &a.ProductionID, &a.Kind, &a.Title, &published, &created)
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	a.PublishedAt = ptrMillis(published)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}
