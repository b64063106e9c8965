// Package authsession keeps a client-side authentication session alive against
// a JWT-issuing REST API.
//
// The work happens in the client package. An AuthClient attaches the stored
// credential to every request. When the API answers 401 it refreshes the token
// pair once, no matter how many requests failed together, and replays each of
// them. If the refresh fails it clears the session and sends the user to the
// login page with a return path.
//
// # Architecture
//
// Token Store: persists the access/refresh pair (memory, file, cookie jar,
// Redis, scs session, GORM, Datastore).
//
// Refresh Coordinator: single-flight refresh per session with a FIFO queue of
// waiting requests.
//
// Auth State: a process-wide "is the user signed in" signal that UI layers
// subscribe to.
//
// Guard: this package. It routes page navigations by authentication state.
//
// # Basic Usage
//
//	store, _ := fs.NewFSCredentialStore("", "myapp")
//	server, _ := store.For("https://api.example.com")
//	c, _ := client.NewAuthClient("https://api.example.com/api", server,
//	    client.WithLoginNavigator(nav))
//
//	if _, err := c.Login(ctx, client.LoginRequest{Email: e, Password: p}); err != nil {
//	    // *client.APIError with Kind KindAuthentication
//	}
//	sessions, err := c.ListSessions(ctx)
//
// # Server-Rendered Frontends
//
// Keep the pair in the browser's scs session and guard the page routes:
//
//	sm := scs.New()
//	tokens := session.NewStore(sm)
//	c, _ := client.NewAuthClient(apiURL, tokens, client.WithSessionKey(tokens.SessionKey))
//
//	guard := &authsession.Guard{Authenticated: tokens.Authenticated}
//	http.ListenAndServe(addr, sm.LoadAndSave(guard.Middleware(pages)))
//
// Handlers call guard.HandleAuthError(w, r, err) after a failed API call to
// send the visitor to the login page when the session is gone.
package authsession
