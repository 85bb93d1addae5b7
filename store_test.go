package main

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeEpoch is millisecond aligned so SQL round trips compare equal.
var storeEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, db DB, email string, role Role) *User {
	t.Helper()
	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: "$2a$04$hash",
		Name:         "Test " + string(role),
		Role:         role,
		CreatedAt:    storeEpoch,
		UpdatedAt:    storeEpoch,
	}
	require.NoError(t, db.CreateUser(context.Background(), u))
	return u
}

// runStoreSuite exercises the behavior every DB adapter must share.
func runStoreSuite(t *testing.T, newDB func(t *testing.T) DB) {
	t.Run("users", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		u := seedUser(t, db, "owner@example.com", RoleOwner)

		dup := *u
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, db.CreateUser(ctx, &dup), ErrConflict)

		got, err := db.GetUserByEmail(ctx, "owner@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, RoleOwner, got.Role)
		assert.Nil(t, got.EmailVerifiedAt)

		_, err = db.GetUserByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, db.UpdatePassword(ctx, u.ID, "$2a$04$other", storeEpoch.Add(time.Minute)))
		got, err = db.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "$2a$04$other", got.PasswordHash)
		assert.ErrorIs(t, db.UpdatePassword(ctx, "missing", "x", storeEpoch), ErrNotFound)

		first := storeEpoch.Add(time.Hour)
		require.NoError(t, db.MarkEmailVerified(ctx, u.ID, first))
		require.NoError(t, db.MarkEmailVerified(ctx, u.ID, first.Add(time.Hour)))
		got, err = db.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.EmailVerifiedAt)
		assert.True(t, first.Equal(*got.EmailVerifiedAt))
	})

	t.Run("sessions", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		u := seedUser(t, db, "s@example.com", RoleCollaborator)

		s1 := &Session{ID: uuid.NewString(), UserID: u.ID, TokenHash: "hash-1", IssuedAt: storeEpoch, ExpiresAt: storeEpoch.Add(time.Hour)}
		require.NoError(t, db.CreateSession(ctx, s1))

		got, err := db.GetSessionByHash(ctx, "hash-1")
		require.NoError(t, err)
		assert.Equal(t, s1.ID, got.ID)
		assert.True(t, got.Active(storeEpoch))
		_, err = db.GetSessionByHash(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		// rotate retires the old row and stores the new one
		s2 := &Session{ID: uuid.NewString(), UserID: u.ID, TokenHash: "hash-2", IssuedAt: storeEpoch, ExpiresAt: storeEpoch.Add(time.Hour)}
		require.NoError(t, db.RotateSession(ctx, "hash-1", s2, storeEpoch.Add(time.Minute)))
		old, err := db.GetSessionByHash(ctx, "hash-1")
		require.NoError(t, err)
		require.NotNil(t, old.RevokedAt)

		s3 := &Session{ID: uuid.NewString(), UserID: u.ID, TokenHash: "hash-3", IssuedAt: storeEpoch, ExpiresAt: storeEpoch.Add(time.Hour)}
		assert.ErrorIs(t, db.RotateSession(ctx, "hash-1", s3, storeEpoch.Add(2*time.Minute)), ErrInvalidSession)
		assert.ErrorIs(t, db.RotateSession(ctx, "hash-2", s3, storeEpoch.Add(2*time.Hour)), ErrInvalidSession)
		_, err = db.GetSessionByHash(ctx, "hash-3")
		assert.ErrorIs(t, err, ErrNotFound)

		// revoke is idempotent and keeps the first timestamp
		firstRevoke := storeEpoch.Add(5 * time.Minute)
		require.NoError(t, db.RevokeSession(ctx, "hash-2", firstRevoke))
		require.NoError(t, db.RevokeSession(ctx, "hash-2", firstRevoke.Add(time.Hour)))
		require.NoError(t, db.RevokeSession(ctx, "unknown", firstRevoke))
		got, err = db.GetSessionByHash(ctx, "hash-2")
		require.NoError(t, err)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, firstRevoke.Equal(*got.RevokedAt))

		s4 := &Session{ID: uuid.NewString(), UserID: u.ID, TokenHash: "hash-4", IssuedAt: storeEpoch, ExpiresAt: storeEpoch.Add(time.Hour)}
		require.NoError(t, db.CreateSession(ctx, s4))
		require.NoError(t, db.RevokeAllSessions(ctx, u.ID, storeEpoch.Add(10*time.Minute)))
		got, err = db.GetSessionByHash(ctx, "hash-4")
		require.NoError(t, err)
		assert.False(t, got.Active(storeEpoch))
	})

	t.Run("one-time tokens", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		u := seedUser(t, db, "t@example.com", RoleOwner)

		tok := &OneTimeToken{ID: uuid.NewString(), UserID: u.ID, Purpose: PurposePasswordReset, TokenHash: "reset-1",
			ExpiresAt: storeEpoch.Add(time.Hour), CreatedAt: storeEpoch}
		require.NoError(t, db.CreateOneTimeToken(ctx, tok))

		_, err := db.ConsumeOneTimeToken(ctx, "reset-1", PurposeEmailVerification, storeEpoch)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken, "wrong purpose")

		userID, err := db.ConsumeOneTimeToken(ctx, "reset-1", PurposePasswordReset, storeEpoch.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, u.ID, userID)

		_, err = db.ConsumeOneTimeToken(ctx, "reset-1", PurposePasswordReset, storeEpoch.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken, "second use")

		expired := &OneTimeToken{ID: uuid.NewString(), UserID: u.ID, Purpose: PurposeEmailVerification, TokenHash: "verify-1",
			ExpiresAt: storeEpoch.Add(time.Hour), CreatedAt: storeEpoch}
		require.NoError(t, db.CreateOneTimeToken(ctx, expired))
		_, err = db.ConsumeOneTimeToken(ctx, "verify-1", PurposeEmailVerification, storeEpoch.Add(time.Hour))
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken, "expired")

		_, err = db.ConsumeOneTimeToken(ctx, "missing", PurposePasswordReset, storeEpoch)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("ideas", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		alice := seedUser(t, db, "alice@example.com", RoleOwner)
		bob := seedUser(t, db, "bob@example.com", RoleOwner)

		march := storeEpoch.AddDate(0, 0, 10)
		april := storeEpoch.AddDate(0, 1, 5)
		ideas := []*Idea{
			{ID: uuid.NewString(), OwnerID: alice.ID, Title: "one", Status: StageIdea, ScheduledFor: &march, CreatedAt: storeEpoch, UpdatedAt: storeEpoch},
			{ID: uuid.NewString(), OwnerID: alice.ID, Title: "two", Status: StageEditing, ScheduledFor: &april, CreatedAt: storeEpoch.Add(time.Second), UpdatedAt: storeEpoch},
			{ID: uuid.NewString(), OwnerID: alice.ID, Title: "three", Status: StageIdea, CreatedAt: storeEpoch.Add(2 * time.Second), UpdatedAt: storeEpoch},
			{ID: uuid.NewString(), OwnerID: bob.ID, Title: "bob's", Status: StageIdea, CreatedAt: storeEpoch, UpdatedAt: storeEpoch},
		}
		for _, i := range ideas {
			require.NoError(t, db.CreateIdea(ctx, i))
		}

		all, err := db.ListIdeas(ctx, alice.ID, IdeaFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "one", all[0].Title)

		byStatus, err := db.ListIdeas(ctx, alice.ID, IdeaFilter{Status: StageIdea})
		require.NoError(t, err)
		assert.Len(t, byStatus, 2)

		from := storeEpoch
		to := storeEpoch.AddDate(0, 1, 0)
		inMarch, err := db.ListIdeas(ctx, alice.ID, IdeaFilter{From: &from, To: &to})
		require.NoError(t, err)
		require.Len(t, inMarch, 1)
		assert.Equal(t, "one", inMarch[0].Title)

		// another owner's idea behaves as missing
		_, err = db.GetIdea(ctx, alice.ID, ideas[3].ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, db.DeleteIdea(ctx, alice.ID, ideas[3].ID), ErrNotFound)
		stolen := *ideas[3]
		stolen.OwnerID = alice.ID
		assert.ErrorIs(t, db.UpdateIdea(ctx, &stolen), ErrNotFound)

		upd := *ideas[0]
		upd.Status = StageScripting
		upd.ScheduledFor = nil
		upd.UpdatedAt = storeEpoch.Add(time.Hour)
		require.NoError(t, db.UpdateIdea(ctx, &upd))
		got, err := db.GetIdea(ctx, alice.ID, upd.ID)
		require.NoError(t, err)
		assert.Equal(t, StageScripting, got.Status)
		assert.Nil(t, got.ScheduledFor)

		counts, err := db.CountIdeasByStage(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, map[Stage]int{StageScripting: 1, StageEditing: 1, StageIdea: 1}, counts)

		require.NoError(t, db.DeleteIdea(ctx, alice.ID, ideas[2].ID))
		_, err = db.GetIdea(ctx, alice.ID, ideas[2].ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("productions", func(t *testing.T) {
		db := newDB(t)
		ctx := context.Background()
		alice := seedUser(t, db, "alice@example.com", RoleOwner)
		bob := seedUser(t, db, "bob@example.com", RoleOwner)

		p := &Production{ID: uuid.NewString(), OwnerID: alice.ID, Title: "episode 1", Status: StageRecording, CreatedAt: storeEpoch}
		require.NoError(t, db.CreateProduction(ctx, p))

		var shorts []*Artifact
		for i, kind := range []ArtifactKind{ArtifactShort, ArtifactShort, ArtifactPost} {
			a := &Artifact{ID: uuid.NewString(), ProductionID: p.ID, Kind: kind, Title: "a", CreatedAt: storeEpoch.Add(time.Duration(i) * time.Second)}
			require.NoError(t, db.CreateArtifact(ctx, alice.ID, a))
			if kind == ArtifactShort {
				shorts = append(shorts, a)
			}
		}
		foreign := &Artifact{ID: uuid.NewString(), ProductionID: p.ID, Kind: ArtifactPost, Title: "x", CreatedAt: storeEpoch}
		assert.ErrorIs(t, db.CreateArtifact(ctx, bob.ID, foreign), ErrNotFound)

		at := storeEpoch.Add(time.Hour)
		pub, err := db.PublishArtifact(ctx, alice.ID, p.ID, shorts[0].ID, at)
		require.NoError(t, err)
		require.NotNil(t, pub.PublishedAt)
		assert.True(t, at.Equal(*pub.PublishedAt))

		again, err := db.PublishArtifact(ctx, alice.ID, p.ID, shorts[0].ID, at.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, at.Equal(*again.PublishedAt), "first publish time is kept")

		_, err = db.PublishArtifact(ctx, bob.ID, p.ID, shorts[1].ID, at)
		assert.ErrorIs(t, err, ErrNotFound)

		got, err := db.GetProduction(ctx, alice.ID, p.ID)
		require.NoError(t, err)
		assert.Equal(t, ArtifactCount{Total: 2, Published: 1}, got.Shorts)
		assert.Equal(t, ArtifactCount{Total: 1, Published: 0}, got.Posts)

		_, err = db.GetProduction(ctx, bob.ID, p.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		empty := &Production{ID: uuid.NewString(), OwnerID: alice.ID, Title: "episode 2", Status: StageIdea, CreatedAt: storeEpoch.Add(time.Minute)}
		require.NoError(t, db.CreateProduction(ctx, empty))
		list, err := db.ListProductions(ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, p.ID, list[0].ID)
		assert.Equal(t, ArtifactCount{}, list[1].Shorts)

		none, err := db.ListProductions(ctx, bob.ID)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) DB { return NewMemoryDB() })
}
