package main

import "time"

// Role is the closed set of account roles. Roles carry no hierarchy.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleCollaborator, RoleViewer:
		return true
	}
	return false
}

// Stage is a step of the production pipeline.
type Stage string

const (
	StageIdea       Stage = "idea"
	StageScripting  Stage = "scripting"
	StageRecording  Stage = "recording"
	StageEditing    Stage = "editing"
	StageShorts     Stage = "shorts"
	StagePublishing Stage = "publishing"
	StagePublished  Stage = "published"
)

// Pipeline lists the stages in order.
var Pipeline = []Stage{
	StageIdea, StageScripting, StageRecording, StageEditing, StageShorts, StagePublishing, StagePublished,
}

func (s Stage) Valid() bool {
	for _, p := range Pipeline {
		if p == s {
			return true
		}
	}
	return false
}

// Next returns the following stage, or false when s is the last one.
func (s Stage) Next() (Stage, bool) {
	for i, p := range Pipeline {
		if p == s && i+1 < len(Pipeline) {
			return Pipeline[i+1], true
		}
	}
	return "", false
}

// User represents a user in the system
type User struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	Name            string     `json:"name"`
	Role            Role       `json:"role"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Session tracks one issued refresh token. Only the token hash is stored.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the session may still authorize a refresh at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// TokenPurpose scopes a one-time token to the state change it authorizes.
type TokenPurpose string

const (
	PurposePasswordReset     TokenPurpose = "password_reset"
	PurposeEmailVerification TokenPurpose = "email_verification"
)

// OneTimeToken is a single-use secret. The raw value is handed out once and never stored.
type OneTimeToken struct {
	ID        string
	UserID    string
	Purpose   TokenPurpose
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Idea is a pipeline item owned by a single user.
type Idea struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId"`
	Title        string     `json:"title"`
	Notes        string     `json:"notes"`
	Status       Stage      `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IdeaFilter narrows a listing. Zero values mean "any".
type IdeaFilter struct {
	Status Stage
	From   *time.Time
	To     *time.Time
}

type ArtifactKind string

const (
	ArtifactShort ArtifactKind = "short"
	ArtifactPost  ArtifactKind = "post"
)

func (k ArtifactKind) Valid() bool {
	return k == ArtifactShort || k == ArtifactPost
}

// Artifact is a downstream output of a production.
type Artifact struct {
	ID           string       `json:"id"`
	ProductionID string       `json:"productionId"`
	Kind         ArtifactKind `json:"kind"`
	Title        string       `json:"title"`
	PublishedAt  *time.Time   `json:"publishedAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// ArtifactCount is a total vs published tally for one artifact kind.
type ArtifactCount struct {
	Total     int `json:"total"`
	Published int `json:"published"`
}

// Production aggregates the artifacts produced from an idea.
type Production struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"ownerId"`
	IdeaID    *string       `json:"ideaId,omitempty"`
	Title     string        `json:"title"`
	Status    Stage         `json:"status"`
	Shorts    ArtifactCount `json:"shorts"`
	Posts     ArtifactCount `json:"posts"`
	CreatedAt time.Time     `json:"createdAt"`
}

// tally recomputes the counts from a list of artifacts.
func (p *Production) tally(artifacts []*Artifact) {
	p.Shorts, p.Posts = ArtifactCount{}, ArtifactCount{}
	for _, a := range artifacts {
		c := &p.Posts
		if a.Kind == ArtifactShort {
			c = &p.Shorts
		}
		c.Total++
		if a.PublishedAt != nil {
			c.Published++
		}
	}
}
