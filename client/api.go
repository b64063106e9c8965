package client

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
)

// User is the account as returned by the API
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username,omitempty"`
	FirstName     string    `json:"firstName,omitempty"`
	LastName      string    `json:"lastName,omitempty"`
	Bio           string    `json:"bio,omitempty"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// Session is one signed-in device of the current user
type Session struct {
	ID         string    `json:"id"`
	UserAgent  string    `json:"userAgent,omitempty"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	Current    bool      `json:"current"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
}

// AuthResult is the data of a login, register or refresh response.
// In cookie mode the token fields are usually empty and the server sets cookies instead.
type AuthResult struct {
	User         *User  `json:"user,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// UpdateProfileRequest carries the fields to change. Nil fields are left alone.
type UpdateProfileRequest struct {
	Username  *string `json:"username,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Bio       *string `json:"bio,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

// Endpoints holds the API paths, relative to the client's base URL
type Endpoints struct {
	Login              string
	Register           string
	Logout             string
	Refresh            string
	VerifyEmail        string
	ForgotPassword     string
	ResetPassword      string
	ResendVerification string
	CurrentUser        string
	Profile            string // prefix; the identifier is appended
	UpdateProfile      string
	ChangePassword     string
	UploadAvatar       string
	Sessions           string
}

// DefaultEndpoints returns the standard API paths
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:              "/auth/login",
		Register:           "/auth/register",
		Logout:             "/auth/logout",
		Refresh:            "/auth/refresh",
		VerifyEmail:        "/auth/verify-email",
		ForgotPassword:     "/auth/forgot-password",
		ResetPassword:      "/auth/reset-password",
		ResendVerification: "/auth/resend-verification",
		CurrentUser:        "/auth/me",
		Profile:            "/users",
		UpdateProfile:      "/users/profile",
		ChangePassword:     "/users/change-password",
		UploadAvatar:       "/users/avatar",
		Sessions:           "/sessions",
	}
}

// EnsureDefaults fills unset paths with the defaults
func (e *Endpoints) EnsureDefaults() {
	d := DefaultEndpoints()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&e.Login, d.Login)
	fill(&e.Register, d.Register)
	fill(&e.Logout, d.Logout)
	fill(&e.Refresh, d.Refresh)
	fill(&e.VerifyEmail, d.VerifyEmail)
	fill(&e.ForgotPassword, d.ForgotPassword)
	fill(&e.ResetPassword, d.ResetPassword)
	fill(&e.ResendVerification, d.ResendVerification)
	fill(&e.CurrentUser, d.CurrentUser)
	fill(&e.Profile, d.Profile)
	fill(&e.UpdateProfile, d.UpdateProfile)
	fill(&e.ChangePassword, d.ChangePassword)
	fill(&e.UploadAvatar, d.UploadAvatar)
	fill(&e.Sessions, d.Sessions)
}

// Exempt returns the paths whose 401 answers are final. A failed login is a
// wrong password, not an expired session.
func (e Endpoints) Exempt() map[string]bool {
	return map[string]bool{
		e.Login:              true,
		e.Register:           true,
		e.Refresh:            true,
		e.ForgotPassword:     true,
		e.ResetPassword:      true,
		e.VerifyEmail:        true,
		e.ResendVerification: true,
	}
}

// Login signs in and stores the issued pair
func (c *AuthClient) Login(ctx context.Context, req LoginRequest) (*User, error) {
	var result AuthResult
	if err := c.Post(ctx, c.endpoints.Login, req, &result); err != nil {
		return nil, err
	}
	if err := c.establish(ctx, c.endpoints.Login, &result); err != nil {
		return nil, err
	}
	c.logger.Info("signed in", "email", req.Email)
	return result.User, nil
}

// Register creates an account. When the API signs the new user in right away
// the issued pair is stored.
func (c *AuthClient) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	var result AuthResult
	if err := c.Post(ctx, c.endpoints.Register, req, &result); err != nil {
		return nil, err
	}
	if result.AccessToken != "" || c.mode == CredentialCookie {
		if err := c.establish(ctx, c.endpoints.Register, &result); err != nil {
			return nil, err
		}
	}
	return result.User, nil
}

// Logout ends the session on the server and always clears the local pair.
// A failing server call is logged, not returned.
func (c *AuthClient) Logout(ctx context.Context) error {
	if err := c.Post(ctx, c.endpoints.Logout, nil, nil); err != nil {
		c.logger.Warn("server logout failed, clearing local session anyway", "error", err)
	}
	if err := c.store.Clear(context.WithoutCancel(ctx)); err != nil {
		return AsAPIError(err, c.endpoints.Logout)
	}
	c.authState.setUser(nil)
	c.authState.recompute(ctx, c.store)
	return nil
}

// Refresh forces a refresh through the coordinator
func (c *AuthClient) Refresh(ctx context.Context) (*TokenPair, error) {
	pair, err := c.coordinator.Refresh(ctx, ReturnPathFromContext(ctx))
	if err != nil {
		return nil, AsAPIError(err, c.endpoints.Refresh)
	}
	return pair, nil
}

func (c *AuthClient) VerifyEmail(ctx context.Context, token string) error {
	return c.Post(ctx, c.endpoints.VerifyEmail, tokenRequest{Token: token}, nil)
}

func (c *AuthClient) ForgotPassword(ctx context.Context, email string) error {
	return c.Post(ctx, c.endpoints.ForgotPassword, emailRequest{Email: email}, nil)
}

func (c *AuthClient) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	return c.Post(ctx, c.endpoints.ResetPassword, req, nil)
}

func (c *AuthClient) ResendVerification(ctx context.Context, email string) error {
	return c.Post(ctx, c.endpoints.ResendVerification, emailRequest{Email: email}, nil)
}

// CurrentUser fetches the signed-in user and publishes it on the auth state
func (c *AuthClient) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := c.Get(ctx, c.endpoints.CurrentUser, &user); err != nil {
		return nil, err
	}
	c.authState.setUser(&user)
	return &user, nil
}

// Profile fetches a user by ID or username
func (c *AuthClient) Profile(ctx context.Context, identifier string) (*User, error) {
	var user User
	if err := c.Get(ctx, c.endpoints.Profile+"/"+url.PathEscape(identifier), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *AuthClient) UpdateProfile(ctx context.Context, req UpdateProfileRequest) (*User, error) {
	var user User
	if err := c.Put(ctx, c.endpoints.UpdateProfile, req, &user); err != nil {
		return nil, err
	}
	c.authState.setUser(&user)
	return &user, nil
}

func (c *AuthClient) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	return c.Put(ctx, c.endpoints.ChangePassword, req, nil)
}

// UploadAvatar sends the image as the multipart field "avatar"
func (c *AuthClient) UploadAvatar(ctx context.Context, filename string, r io.Reader) (*User, error) {
	var user User
	if err := c.Upload(ctx, c.endpoints.UploadAvatar, "avatar", filename, r, &user); err != nil {
		return nil, err
	}
	c.authState.setUser(&user)
	return &user, nil
}

func (c *AuthClient) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.Get(ctx, c.endpoints.Sessions, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *AuthClient) RevokeSession(ctx context.Context, id string) error {
	return c.Delete(ctx, c.endpoints.Sessions+"/"+url.PathEscape(id), nil)
}

func (c *AuthClient) RevokeAllSessions(ctx context.Context) error {
	return c.Delete(ctx, c.endpoints.Sessions, nil)
}

// establish stores the pair of a login/register answer and updates the auth state
func (c *AuthClient) establish(ctx context.Context, endpoint string, result *AuthResult) error {
	if c.mode == CredentialBearer {
		if result.AccessToken == "" {
			return &APIError{
				Kind:       KindServer,
				StatusCode: http.StatusOK,
				Message:    "response carried no access token",
				Path:       endpoint,
			}
		}
		pair := NewTokenPair(result.AccessToken, result.RefreshToken, result.ExpiresIn)
		if err := c.store.Save(context.WithoutCancel(ctx), pair); err != nil {
			return AsAPIError(err, endpoint)
		}
	} else if result.AccessToken != "" || result.RefreshToken != "" {
		// Some servers also echo the tokens in the body; the cookies win if both exist
		if c.store.Load(ctx) == nil {
			pair := NewTokenPair(result.AccessToken, result.RefreshToken, result.ExpiresIn)
			if err := c.store.Save(context.WithoutCancel(ctx), pair); err != nil {
				return AsAPIError(err, endpoint)
			}
		}
	}
	c.authState.recompute(ctx, c.store)
	if result.User != nil {
		c.authState.setUser(result.User)
	}
	return nil
}
