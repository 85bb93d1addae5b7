package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) member(t *testing.T, owner, email string, role Role) string {
	t.Helper()
	rec := s.do(t, call{method: http.MethodPost, path: "/api/users", bearer: owner,
		body: map[string]string{"email": email, "password": "member pass", "name": "M", "role": string(role)}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tok, _ := s.login(t, email, "member pass")
	return tok
}

func (s *testServer) createIdea(t *testing.T, token string, body map[string]interface{}) Idea {
	t.Helper()
	rec := s.do(t, call{method: http.MethodPost, path: "/api/ideas", bearer: token, body: body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var idea Idea
	decodeBody(t, rec, &idea)
	return idea
}

func TestIdeaLifecycle(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup(t, "owner@example.com")

	idea := s.createIdea(t, owner, map[string]interface{}{"title": "  Desk tour  ", "notes": "lighting"})
	assert.Equal(t, "Desk tour", idea.Title)
	assert.Equal(t, StageIdea, idea.Status)

	rec := s.do(t, call{method: http.MethodGet, path: "/api/ideas/" + idea.ID, bearer: owner})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, call{method: http.MethodPatch, path: "/api/ideas/" + idea.ID, bearer: owner,
		body: map[string]interface{}{"notes": "new lights", "scheduledFor": "2026-04-02T10:00:00Z"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated Idea
	decodeBody(t, rec, &updated)
	assert.Equal(t, "Desk tour", updated.Title)
	assert.Equal(t, "new lights", updated.Notes)
	require.NotNil(t, updated.ScheduledFor)

	rec = s.do(t, call{method: http.MethodPatch, path: "/api/ideas/" + idea.ID, bearer: owner,
		body: map[string]interface{}{"status": "someday"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// walk the whole pipeline
	for _, want := range Pipeline[1:] {
		rec = s.do(t, call{method: http.MethodPost, path: "/api/ideas/" + idea.ID + "/advance", bearer: owner})
		require.Equal(t, http.StatusOK, rec.Code)
		var got Idea
		decodeBody(t, rec, &got)
		assert.Equal(t, want, got.Status)
	}
	rec = s.do(t, call{method: http.MethodPost, path: "/api/ideas/" + idea.ID + "/advance", bearer: owner})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ALREADY_PUBLISHED", decodeAPIError(t, rec).Code)

	rec = s.do(t, call{method: http.MethodDelete, path: "/api/ideas/" + idea.ID, bearer: owner})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, call{method: http.MethodGet, path: "/api/ideas/" + idea.ID, bearer: owner})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdeaListFilters(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup(t, "owner@example.com")
	s.createIdea(t, owner, map[string]interface{}{"title": "april", "scheduledFor": "2026-04-10T00:00:00Z"})
	s.createIdea(t, owner, map[string]interface{}{"title": "may", "scheduledFor": "2026-05-10T00:00:00Z", "status": "editing"})
	s.createIdea(t, owner, map[string]interface{}{"title": "unscheduled"})

	list := func(query string) []Idea {
		rec := s.do(t, call{method: http.MethodGet, path: "/api/ideas" + query, bearer: owner})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body struct{ Ideas []Idea }
		decodeBody(t, rec, &body)
		return body.Ideas
	}
	assert.Len(t, list(""), 3)
	assert.Len(t, list("?status=editing"), 1)
	april := list("?from=2026-04-01&to=2026-05-01")
	require.Len(t, april, 1)
	assert.Equal(t, "april", april[0].Title)

	for _, q := range []string{"?status=nope", "?from=yesterday", "?from=2026-05-01&to=2026-04-01"} {
		rec := s.do(t, call{method: http.MethodGet, path: "/api/ideas" + q, bearer: owner})
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestIdeasAreScopedToOwner(t *testing.T) {
	s := newTestServer(t)
	alice, _ := s.signup(t, "alice@example.com")
	bob, _ := s.signup(t, "bob@example.com")
	idea := s.createIdea(t, alice, map[string]interface{}{"title": "secret"})

	for _, c := range []call{
		{method: http.MethodGet, path: "/api/ideas/" + idea.ID},
		{method: http.MethodPatch, path: "/api/ideas/" + idea.ID, body: map[string]string{"title": "mine"}},
		{method: http.MethodPost, path: "/api/ideas/" + idea.ID + "/advance"},
		{method: http.MethodDelete, path: "/api/ideas/" + idea.ID},
	} {
		c.bearer = bob
		rec := s.do(t, c)
		assert.Equal(t, http.StatusNotFound, rec.Code, c.method)
		assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rec).Code)
	}

	rec := s.do(t, call{method: http.MethodGet, path: "/api/ideas", bearer: bob})
	assert.JSONEq(t, `{"ideas":[]}`, rec.Body.String())
}

func TestIdeaRoles(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup(t, "owner@example.com")
	collab := s.member(t, owner, "collab@example.com", RoleCollaborator)
	viewer := s.member(t, owner, "viewer@example.com", RoleViewer)

	rec := s.do(t, call{method: http.MethodPost, path: "/api/ideas", bearer: viewer, body: map[string]string{"title": "x"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, call{method: http.MethodGet, path: "/api/ideas", bearer: viewer})
	assert.Equal(t, http.StatusOK, rec.Code)

	idea := s.createIdea(t, collab, map[string]interface{}{"title": "collab idea"})
	rec = s.do(t, call{method: http.MethodPost, path: "/api/ideas/" + idea.ID + "/advance", bearer: collab})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, call{method: http.MethodDelete, path: "/api/ideas/" + idea.ID, bearer: collab})
	assert.Equal(t, http.StatusForbidden, rec.Code, "only owners delete")

	rec = s.do(t, call{method: http.MethodGet, path: "/api/ideas"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPipelineCounts(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup(t, "owner@example.com")
	s.createIdea(t, owner, map[string]interface{}{"title": "a"})
	s.createIdea(t, owner, map[string]interface{}{"title": "b"})
	s.createIdea(t, owner, map[string]interface{}{"title": "c", "status": "shorts"})

	rec := s.do(t, call{method: http.MethodGet, path: "/api/pipeline", bearer: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stages []stageCount
		Total  int
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Stages, len(Pipeline))
	assert.Equal(t, stageCount{Stage: StageIdea, Count: 2}, body.Stages[0])
	assert.Equal(t, stageCount{Stage: StageShorts, Count: 1}, body.Stages[4])
	assert.Equal(t, stageCount{Stage: StagePublished, Count: 0}, body.Stages[6])
	assert.Equal(t, 3, body.Total)
}

func TestProductionsAndArtifacts(t *testing.T) {
	s := newTestServer(t)
	owner, _ := s.signup(t, "owner@example.com")
	other, _ := s.signup(t, "other@example.com")
	idea := s.createIdea(t, owner, map[string]interface{}{"title": "Studio build", "status": "recording"})

	rec := s.do(t, call{method: http.MethodPost, path: "/api/productions", bearer: owner, body: map[string]string{"ideaId": idea.ID}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var prod Production
	decodeBody(t, rec, &prod)
	assert.Equal(t, "Studio build", prod.Title)
	assert.Equal(t, StageRecording, prod.Status)
	require.NotNil(t, prod.IdeaID)

	rec = s.do(t, call{method: http.MethodPost, path: "/api/productions", bearer: other, body: map[string]string{"ideaId": idea.ID}})
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign idea")
	rec = s.do(t, call{method: http.MethodPost, path: "/api/productions", bearer: owner, body: map[string]string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	base := "/api/productions/" + prod.ID
	var shortID string
	for _, a := range []map[string]string{
		{"kind": "short", "title": "teaser"},
		{"kind": "short", "title": "clip"},
		{"kind": "post", "title": "blog"},
	} {
		rec = s.do(t, call{method: http.MethodPost, path: base + "/artifacts", bearer: owner, body: a})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var art Artifact
		decodeBody(t, rec, &art)
		if shortID == "" {
			shortID = art.ID
		}
	}
	rec = s.do(t, call{method: http.MethodPost, path: base + "/artifacts", bearer: owner, body: map[string]string{"kind": "reel", "title": "x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, call{method: http.MethodPost, path: base + "/artifacts", bearer: other, body: map[string]string{"kind": "post", "title": "x"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, call{method: http.MethodPost, path: base + "/artifacts/" + shortID + "/publish", bearer: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, call{method: http.MethodPost, path: base + "/artifacts/" + shortID + "/publish", bearer: other})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: base, bearer: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &prod)
	assert.Equal(t, ArtifactCount{Total: 2, Published: 1}, prod.Shorts)
	assert.Equal(t, ArtifactCount{Total: 1, Published: 0}, prod.Posts)

	rec = s.do(t, call{method: http.MethodGet, path: base, bearer: other})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, call{method: http.MethodGet, path: "/api/productions", bearer: owner})
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct{ Productions []Production }
	decodeBody(t, rec, &list)
	assert.Len(t, list.Productions, 1)
}
