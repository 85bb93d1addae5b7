package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

func (a *App) HandleListProductions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	list, err := a.DB.ListProductions(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	if list == nil {
		list = []*Production{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"productions": list})
}

// HandleCreateProduction starts a production, optionally from one of the caller's ideas. The
// production inherits the idea's title and stage unless the body sets them.
func (a *App) HandleCreateProduction(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	var in struct {
		Title  string  `json:"title"`
		IdeaID *string `json:"ideaId"`
		Status Stage   `json:"status"`
	}
	if !decodeJSON(w, r, &in, false) {
		return
	}

	p := &Production{
		ID:        a.newID(),
		OwnerID:   id.UserID,
		Title:     strings.TrimSpace(in.Title),
		Status:    in.Status,
		CreatedAt: a.now().UTC(),
	}
	if in.IdeaID != nil && *in.IdeaID != "" {
		idea, err := a.DB.GetIdea(r.Context(), id.UserID, *in.IdeaID)
		if err != nil {
			writeServiceError(w, r, a.Logger, err)
			return
		}
		p.IdeaID = &idea.ID
		if p.Title == "" {
			p.Title = idea.Title
		}
		if p.Status == "" {
			p.Status = idea.Status
		}
	}
	if p.Status == "" {
		p.Status = StageIdea
	}

	v := &ValidationError{}
	switch {
	case p.Title == "":
		v.add("title", "is required")
	case len(p.Title) > maxTitleLen:
		v.add("title", fmt.Sprintf("must be at most %d characters", maxTitleLen))
	}
	if !p.Status.Valid() {
		v.add("status", "must be one of "+stageList())
	}
	if err := v.orNil(); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}

	if err := a.DB.CreateProduction(r.Context(), p); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *App) HandleGetProduction(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	p, err := a.DB.GetProduction(r.Context(), id.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) HandleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	var in struct {
		Kind  ArtifactKind `json:"kind"`
		Title string       `json:"title"`
	}
	if !decodeJSON(w, r, &in, false) {
		return
	}
	art := &Artifact{
		ID:           a.newID(),
		ProductionID: mux.Vars(r)["id"],
		Kind:         in.Kind,
		Title:        strings.TrimSpace(in.Title),
		CreatedAt:    a.now().UTC(),
	}

	v := &ValidationError{}
	if !art.Kind.Valid() {
		v.add("kind", "must be short or post")
	}
	switch {
	case art.Title == "":
		v.add("title", "is required")
	case len(art.Title) > maxTitleLen:
		v.add("title", fmt.Sprintf("must be at most %d characters", maxTitleLen))
	}
	if err := v.orNil(); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}

	if err := a.DB.CreateArtifact(r.Context(), id.UserID, art); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

// HandlePublishArtifact stamps published_at once; later calls return the original timestamp.
func (a *App) HandlePublishArtifact(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	vars := mux.Vars(r)
	art, err := a.DB.PublishArtifact(r.Context(), id.UserID, vars["id"], vars["aid"], a.now().UTC())
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}
