package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads the body into v. It writes a 400 and returns false on failure. An empty
// body is accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

func (a *App) setSessionCookies(w http.ResponseWriter, p *TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    p.AccessToken,
		Path:     "/",
		Expires:  p.AccessExpiresAt,
		HttpOnly: true,
		Secure:   a.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    p.RefreshToken,
		Path:     "/api/auth",
		Expires:  p.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   a.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *App) clearSessionCookies(w http.ResponseWriter) {
	for name, path := range map[string]string{accessCookie: "/", refreshCookie: "/api/auth"} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     path,
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   a.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// refreshTokenFrom reads the refresh token from its cookie, or from a JSON body.
func refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		return c.Value, true
	}
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decodeJSON(w, r, &in, true) {
		return "", false
	}
	return in.RefreshToken, true
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if !decodeJSON(w, r, &in, false) {
		return
	}
	u, err := a.Auth.Register(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": u})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &in, false) {
		return
	}
	res, err := a.Auth.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	a.setSessionCookies(w, &res.TokenPair)
	writeJSON(w, http.StatusOK, res)
}

func (a *App) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := refreshTokenFrom(w, r)
	if !ok {
		return
	}
	if token == "" {
		writeAPIError(w, http.StatusBadRequest, APIError{
			Code:    "VALIDATION_ERROR",
			Message: "Invalid input",
			Fields:  map[string]string{"refreshToken": "is required"},
		})
		return
	}
	pair, err := a.Auth.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			a.clearSessionCookies(w)
		}
		writeServiceError(w, r, a.Logger, err)
		return
	}
	a.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, pair)
}

// HandleLogout always clears the cookies and answers 200, even when no session matched or
// the body is not JSON.
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	a.clearSessionCookies(w)
	var token string
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		token = c.Value
	} else {
		var in struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err == nil {
			token = in.RefreshToken
		}
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		a.Logger.InfoContext(r.Context(), "logout", "user_id", id.UserID, "has_refresh_token", token != "")
	}
	if err := a.Auth.Logout(r.Context(), token); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (a *App) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	if err := a.Auth.LogoutAll(r.Context(), id.UserID); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	u, err := a.Auth.Me(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": u})
}

func (a *App) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &in, false) {
		return
	}
	if err := a.Auth.ForgotPassword(r.Context(), in.Email); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "If the address belongs to an account, a reset link has been sent",
	})
}

func (a *App) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &in, false) {
		return
	}
	if err := a.Auth.ResetPassword(r.Context(), in.Token, in.Password); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	a.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"passwordReset": true})
}

func (a *App) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &in, false) {
		return
	}
	if err := a.Auth.VerifyEmail(r.Context(), in.Token); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (a *App) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	if err := a.Auth.ResendVerification(r.Context(), id.UserID); err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

func (a *App) HandleCreateMember(w http.ResponseWriter, r *http.Request) {
	var in RegisterInput
	if !decodeJSON(w, r, &in, false) {
		return
	}
	u, err := a.Auth.CreateMember(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": u})
}
