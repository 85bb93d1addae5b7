package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

const (
	maxTitleLen = 200
	maxNotesLen = 10000
)

type ideaInput struct {
	Title        *string    `json:"title"`
	Notes        *string    `json:"notes"`
	Status       *Stage     `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	// ClearSchedule removes the calendar slot on update.
	ClearSchedule bool `json:"clearSchedule"`
}

// apply copies the set fields onto i and validates the result.
func (in *ideaInput) apply(i *Idea) error {
	if in.Title != nil {
		i.Title = strings.TrimSpace(*in.Title)
	}
	if in.Notes != nil {
		i.Notes = *in.Notes
	}
	if in.Status != nil {
		i.Status = *in.Status
	}
	if in.ScheduledFor != nil {
		t := in.ScheduledFor.UTC()
		i.ScheduledFor = &t
	} else if in.ClearSchedule {
		i.ScheduledFor = nil
	}

	v := &ValidationError{}
	switch {
	case i.Title == "":
		v.add("title", "is required")
	case len(i.Title) > maxTitleLen:
		v.add("title", fmt.Sprintf("must be at most %d characters", maxTitleLen))
	}
	if len(i.Notes) > maxNotesLen {
		v.add("notes", fmt.Sprintf("must be at most %d characters", maxNotesLen))
	}
	if !i.Status.Valid() {
		v.add("status", "must be one of "+stageList())
	}
	return v.orNil()
}

func stageList() string {
	names := make([]string, len(Pipeline))
	for i, s := range Pipeline {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// parseIdeaFilter reads status, from and to. Dates are RFC 3339 or YYYY-MM-DD.
func parseIdeaFilter(r *http.Request) (IdeaFilter, error) {
	q := r.URL.Query()
	var f IdeaFilter
	v := &ValidationError{}

	if s := q.Get("status"); s != "" {
		f.Status = Stage(s)
		if !f.Status.Valid() {
			v.add("status", "must be one of "+stageList())
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw)
		if err != nil {
			v.add(p.name, "must be an RFC 3339 timestamp or YYYY-MM-DD date")
			continue
		}
		*p.dst = &t
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		v.add("to", "must be after from")
	}
	return f, v.orNil()
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func (a *App) HandleListIdeas(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	f, err := parseIdeaFilter(r)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	ideas, err := a.DB.ListIdeas(r.Context(), id.UserID, f)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	if ideas == nil {
		ideas = []*Idea{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ideas": ideas})
}

func (a *App) HandleCreateIdea(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	var in ideaInput
	if !decodeJSON(w, r, &in, false) {
		return
	}
	now := a.now().UTC()
	idea := &Idea{
		ID:        a.newID(),
		OwnerID:   id.UserID,
		Status:    StageIdea,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := in.apply(idea); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	if err := a.DB.CreateIdea(r.Context(), idea); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, idea)
}

func (a *App) HandleGetIdea(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	idea, err := a.DB.GetIdea(r.Context(), id.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, idea)
}

func (a *App) HandleUpdateIdea(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	var in ideaInput
	if !decodeJSON(w, r, &in, false) {
		return
	}
	idea, err := a.DB.GetIdea(r.Context(), id.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	if err := in.apply(idea); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	idea.UpdatedAt = a.now().UTC()
	if err := a.DB.UpdateIdea(r.Context(), idea); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, idea)
}

// HandleAdvanceIdea moves an idea to the next pipeline stage.
func (a *App) HandleAdvanceIdea(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	idea, err := a.DB.GetIdea(r.Context(), id.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	next, ok := idea.Status.Next()
	if !ok {
		writeServiceError(w, r, a.Logger, ErrAlreadyPublished)
		return
	}
	idea.Status = next
	idea.UpdatedAt = a.now().UTC()
	if err := a.DB.UpdateIdea(r.Context(), idea); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, idea)
}

func (a *App) HandleDeleteIdea(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	if err := a.DB.DeleteIdea(r.Context(), id.UserID, mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stageCount struct {
	Stage Stage `json:"stage"`
	Count int   `json:"count"`
}

// HandlePipeline reports how many ideas sit in each stage, in pipeline order.
func (a *App) HandlePipeline(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	counts, err := a.DB.CountIdeasByStage(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	stages := make([]stageCount, 0, len(Pipeline))
	total := 0
	for _, s := range Pipeline {
		stages = append(stages, stageCount{Stage: s, Count: counts[s]})
		total += counts[s]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stages": stages, "total": total})
}
