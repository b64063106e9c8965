package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

type user struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username,omitempty"`
	FirstName     string    `json:"firstName,omitempty"`
	LastName      string    `json:"lastName,omitempty"`
	Bio           string    `json:"bio,omitempty"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	passwordHash []byte
}

type session struct {
	ID         string    `json:"id"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	Current    bool      `json:"current"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`

	userID       string
	refreshToken string
	revoked      bool
}

type contextKey string

const (
	contextKeyUserID    contextKey = "apitest_user_id"
	contextKeySessionID contextKey = "apitest_session_id"
)

func (a *API) routes() *mux.Router {
	r := mux.NewRouter()
	root := r
	if a.opts.PathPrefix != "" {
		root = r.PathPrefix(a.opts.PathPrefix).Subrouter()
	}

	root.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)
	root.HandleFunc("/auth/register", a.handleRegister).Methods(http.MethodPost)
	root.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	root.HandleFunc("/auth/verify-email", a.handleVerifyEmail).Methods(http.MethodPost)
	root.HandleFunc("/auth/forgot-password", a.handleForgotPassword).Methods(http.MethodPost)
	root.HandleFunc("/auth/reset-password", a.handleResetPassword).Methods(http.MethodPost)
	root.HandleFunc("/auth/resend-verification", a.handleResendVerification).Methods(http.MethodPost)

	authed := root.NewRoute().Subrouter()
	authed.Use(a.requireAuth)
	authed.HandleFunc("/auth/logout", a.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/auth/me", a.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/users/profile", a.handleUpdateProfile).Methods(http.MethodPut)
	authed.HandleFunc("/users/change-password", a.handleChangePassword).Methods(http.MethodPut)
	authed.HandleFunc("/users/avatar", a.handleUploadAvatar).Methods(http.MethodPost)
	authed.HandleFunc("/users/{identifier}", a.handleGetProfile).Methods(http.MethodGet)
	authed.HandleFunc("/sessions", a.handleListSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions", a.handleRevokeAllSessions).Methods(http.MethodDelete)
	authed.HandleFunc("/sessions/{id}", a.handleRevokeSession).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Cannot "+r.Method+" "+r.URL.Path, nil)
	})
	return r
}

// AddUser creates a verified account and returns its ID
func (a *API) AddUser(email, password string) string {
	u, err := a.createUser(email, password, "")
	if err != nil {
		return ""
	}
	a.mu.Lock()
	u.EmailVerified = true
	a.mu.Unlock()
	return u.ID
}

// VerificationToken issues an email verification token for email
func (a *API) VerificationToken(email string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.userByEmailLocked(email)
	if u == nil {
		return ""
	}
	token := randomToken()
	a.verifyTokens[token] = u.ID
	return token
}

// ResetToken returns the last password reset token issued for email
func (a *API) ResetToken(email string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.userByEmailLocked(email)
	if u == nil {
		return ""
	}
	for token, id := range a.resetTokens {
		if id == u.ID {
			return token
		}
	}
	return ""
}

func (a *API) createUser(email, password, username string) (*user, error) {
	// MinCost keeps the fake fast; it never guards real passwords
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.userByEmailLocked(email) != nil {
		return nil, fmt.Errorf("email already registered")
	}
	now := time.Now().UTC()
	u := &user{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		CreatedAt:    now,
		UpdatedAt:    now,
		passwordHash: hash,
	}
	a.users[u.ID] = u
	return u, nil
}

func (a *API) userByEmailLocked(email string) *user {
	for _, u := range a.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

type authResult struct {
	User         *user  `json:"user,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// startSession creates a session and answers with its tokens
func (a *API) startSession(w http.ResponseWriter, r *http.Request, u *user, status int) {
	now := time.Now().UTC()
	s := &session{
		ID:           uuid.NewString(),
		UserAgent:    r.UserAgent(),
		IPAddress:    clientIP(r),
		CreatedAt:    now,
		LastUsedAt:   now,
		ExpiresAt:    now.Add(a.opts.RefreshTokenExpiry),
		userID:       u.ID,
		refreshToken: randomToken(),
	}
	a.mu.Lock()
	a.sessions[s.ID] = s
	a.refreshTokens[s.refreshToken] = s.ID
	snapshot := *u
	a.mu.Unlock()

	a.issue(w, r, status, &snapshot, s.ID, s.refreshToken)
}

func (a *API) issue(w http.ResponseWriter, r *http.Request, status int, u *user, sessionID, refreshToken string) {
	userID := ""
	if u != nil {
		userID = u.ID
	} else {
		a.mu.Lock()
		userID = a.sessions[sessionID].userID
		a.mu.Unlock()
	}
	accessToken, expiresIn, err := a.createAccessToken(userID, sessionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to create token", nil)
		return
	}
	if a.opts.Cookies {
		a.setSessionCookies(w, accessToken, refreshToken)
		writeData(w, r, status, "ok", authResult{User: u})
		return
	}
	writeData(w, r, status, "ok", authResult{
		User:         u,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	})
}

func (a *API) setSessionCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookie,
		Value:    accessToken,
		Path:     "/",
		MaxAge:   int(a.opts.AccessTokenExpiry.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    refreshToken,
		Path:     "/",
		MaxAge:   int(a.opts.RefreshTokenExpiry.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{AccessCookie, RefreshCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	a.mu.Lock()
	u := a.userByEmailLocked(req.Email)
	a.mu.Unlock()
	if u == nil || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeError(w, r, http.StatusUnauthorized, "Invalid email or password", nil)
		return
	}
	a.startSession(w, r, u, http.StatusOK)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	var fields []FieldError
	if !strings.Contains(req.Email, "@") {
		fields = append(fields, FieldError{Field: "email", Message: "email must be an email", Value: req.Email})
	}
	if len(req.Password) < 8 {
		fields = append(fields, FieldError{Field: "password", Message: "password must be longer than or equal to 8 characters"})
	}
	if len(fields) > 0 {
		writeError(w, r, http.StatusBadRequest, "Validation failed", fields)
		return
	}
	u, err := a.createUser(req.Email, req.Password, req.Username)
	if err != nil {
		writeError(w, r, http.StatusConflict, err.Error(), nil)
		return
	}
	a.startSession(w, r, u, http.StatusCreated)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a.refreshCalls.Add(1)
	if d := time.Duration(a.refreshDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if a.failRefresh.Load() {
		writeError(w, r, http.StatusUnauthorized, "Invalid refresh token", nil)
		return
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if req.RefreshToken == "" {
		if c, err := r.Cookie(RefreshCookie); err == nil {
			req.RefreshToken = c.Value
		}
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusUnauthorized, "Refresh token required", nil)
		return
	}

	// Rotate refresh token (creates new one, invalidates old)
	a.mu.Lock()
	sessionID, ok := a.refreshTokens[req.RefreshToken]
	var s *session
	if ok {
		s = a.sessions[sessionID]
	}
	if s == nil || s.revoked || time.Now().After(s.ExpiresAt) {
		a.mu.Unlock()
		writeError(w, r, http.StatusUnauthorized, "Invalid refresh token", nil)
		return
	}
	if s.refreshToken != req.RefreshToken {
		// Token reuse detected - revoke the session
		s.revoked = true
		a.mu.Unlock()
		writeError(w, r, http.StatusUnauthorized, "Token reuse detected, session revoked", nil)
		return
	}
	s.refreshToken = randomToken()
	s.LastUsedAt = time.Now().UTC()
	a.refreshTokens[s.refreshToken] = s.ID
	newRefresh := s.refreshToken
	a.mu.Unlock()

	a.issue(w, r, http.StatusOK, nil, sessionID, newRefresh)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	a.mu.Lock()
	defer a.mu.Unlock()
	userID, ok := a.verifyTokens[req.Token]
	if !ok {
		writeError(w, r, http.StatusBadRequest, "Invalid or expired verification token", nil)
		return
	}
	delete(a.verifyTokens, req.Token)
	a.users[userID].EmailVerified = true
	writeData(w, r, http.StatusOK, "Email verified", nil)
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	a.mu.Lock()
	if u := a.userByEmailLocked(req.Email); u != nil {
		a.resetTokens[randomToken()] = u.ID
	}
	a.mu.Unlock()
	// Same answer whether or not the account exists
	writeData(w, r, http.StatusOK, "If the email exists, a reset link has been sent", nil)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.MinCost)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid password", nil)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	userID, ok := a.resetTokens[req.Token]
	if !ok {
		writeError(w, r, http.StatusBadRequest, "Invalid or expired reset token", nil)
		return
	}
	delete(a.resetTokens, req.Token)
	a.users[userID].passwordHash = hash
	writeData(w, r, http.StatusOK, "Password has been reset", nil)
}

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	a.mu.Lock()
	if u := a.userByEmailLocked(req.Email); u != nil && !u.EmailVerified {
		a.verifyTokens[randomToken()] = u.ID
	}
	a.mu.Unlock()
	writeData(w, r, http.StatusOK, "Verification email sent", nil)
}

// requireAuth validates the bearer token or the access cookie
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				token = strings.TrimSpace(parts[1])
			}
		}
		if token == "" && a.opts.Cookies {
			if c, err := r.Cookie(AccessCookie); err == nil {
				token = c.Value
			}
		}
		userID, sessionID, ok := a.validateAccessToken(token)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		ctx = context.WithValue(ctx, contextKeySessionID, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) (string, string) {
	userID, _ := r.Context().Value(contextKeyUserID).(string)
	sessionID, _ := r.Context().Value(contextKeySessionID).(string)
	return userID, sessionID
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, sessionID := requestUser(r)
	a.mu.Lock()
	if s, ok := a.sessions[sessionID]; ok {
		s.revoked = true
	}
	a.mu.Unlock()
	if a.opts.Cookies {
		a.clearSessionCookies(w)
	}
	writeData(w, r, http.StatusOK, "Logged out", nil)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := requestUser(r)
	a.mu.Lock()
	u, ok := a.users[userID]
	var snapshot user
	if ok {
		snapshot = *u
	}
	a.mu.Unlock()
	if !ok {
		writeError(w, r, http.StatusNotFound, "User not found", nil)
		return
	}
	writeData(w, r, http.StatusOK, "ok", snapshot)
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]
	a.mu.Lock()
	var found *user
	for _, u := range a.users {
		if u.ID == identifier || (u.Username != "" && u.Username == identifier) {
			found = u
			break
		}
	}
	var snapshot user
	if found != nil {
		snapshot = *found
	}
	a.mu.Unlock()
	if found == nil {
		writeError(w, r, http.StatusNotFound, "User not found", nil)
		return
	}
	writeData(w, r, http.StatusOK, "ok", snapshot)
}

func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  *string `json:"username"`
		FirstName *string `json:"firstName"`
		LastName  *string `json:"lastName"`
		Bio       *string `json:"bio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	userID, _ := requestUser(r)
	a.mu.Lock()
	u := a.users[userID]
	if req.Username != nil {
		u.Username = *req.Username
	}
	if req.FirstName != nil {
		u.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		u.LastName = *req.LastName
	}
	if req.Bio != nil {
		u.Bio = *req.Bio
	}
	u.UpdatedAt = time.Now().UTC()
	snapshot := *u
	a.mu.Unlock()
	writeData(w, r, http.StatusOK, "Profile updated", snapshot)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, r, http.StatusUnprocessableEntity, "Validation failed", []FieldError{{
			Field: "newPassword", Message: "newPassword must be longer than or equal to 8 characters",
		}})
		return
	}
	userID, _ := requestUser(r)
	a.mu.Lock()
	u := a.users[userID]
	current := u.passwordHash
	a.mu.Unlock()
	if bcrypt.CompareHashAndPassword(current, []byte(req.CurrentPassword)) != nil {
		writeError(w, r, http.StatusBadRequest, "Current password is incorrect", nil)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.MinCost)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to hash password", nil)
		return
	}
	a.mu.Lock()
	u.passwordHash = hash
	a.mu.Unlock()
	writeData(w, r, http.StatusOK, "Password changed", nil)
}

func (a *API) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(5 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("avatar")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Validation failed", []FieldError{{Field: "avatar", Message: "avatar is required"}})
		return
	}
	file.Close()

	userID, _ := requestUser(r)
	a.mu.Lock()
	u := a.users[userID]
	u.AvatarURL = fmt.Sprintf("/avatars/%s/%s", u.ID, header.Filename)
	u.UpdatedAt = time.Now().UTC()
	snapshot := *u
	a.mu.Unlock()
	writeData(w, r, http.StatusOK, "Avatar uploaded", snapshot)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := requestUser(r)
	a.mu.Lock()
	sessions := make([]session, 0)
	for _, s := range a.sessions {
		if s.userID != userID || s.revoked {
			continue
		}
		c := *s
		c.Current = s.ID == sessionID
		sessions = append(sessions, c)
	}
	a.mu.Unlock()
	writeData(w, r, http.StatusOK, "ok", sessions)
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := requestUser(r)
	id := mux.Vars(r)["id"]
	a.mu.Lock()
	s, ok := a.sessions[id]
	if ok && s.userID == userID {
		s.revoked = true
	}
	a.mu.Unlock()
	if !ok || s.userID != userID {
		writeError(w, r, http.StatusNotFound, "Session not found", nil)
		return
	}
	writeData(w, r, http.StatusOK, "Session revoked", nil)
}

// handleRevokeAllSessions revokes every session of the user except the current one
func (a *API) handleRevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := requestUser(r)
	a.mu.Lock()
	for _, s := range a.sessions {
		if s.userID == userID && s.ID != sessionID {
			s.revoked = true
		}
	}
	a.mu.Unlock()
	writeData(w, r, http.StatusOK, "Other sessions revoked", nil)
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}
	return ip
}
