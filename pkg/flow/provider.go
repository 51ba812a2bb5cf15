// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/stacklok/authgate/pkg/crypto"
	"github.com/stacklok/authgate/pkg/errs"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/store"
)

const (
	// DefaultValidityBuffer is subtracted from a token's expiry when
	// checking validity, guarding against near-simultaneous expiry races.
	DefaultValidityBuffer = 60 * time.Second

	// DefaultSweepInterval is how often a provider sweeps expired
	// sessions and tokens.
	DefaultSweepInterval = 5 * time.Minute

	// maxResponseSize is the maximum allowed response size for HTTP
	// requests to upstream providers.
	maxResponseSize = 1024 * 1024 // 1MB

	// maxErrorExcerpt caps the upstream response body carried in error
	// diagnostics.
	maxErrorExcerpt = 256
)

// Config configures a Provider.
type Config struct {
	// Descriptor identifies the upstream provider.
	Descriptor Descriptor

	// ClientID is the OAuth client identifier registered upstream.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// RedirectURI is this server's callback URL registered upstream.
	RedirectURI string

	// SessionTTL bounds the lifetime of pending authorizations.
	// Defaults to store.DefaultSessionTTL.
	SessionTTL time.Duration

	// ValidityBuffer is the expiry guard window for token validation.
	// Defaults to DefaultValidityBuffer.
	ValidityBuffer time.Duration

	// SweepInterval is the period of the background expiry sweep.
	// Defaults to DefaultSweepInterval; negative disables the sweep.
	SweepInterval time.Duration

	// HTTPClient overrides the client used for upstream calls.
	HTTPClient *http.Client

	// Sessions persists pending authorizations.
	Sessions store.SessionStore

	// Tokens persists issued tokens. May be shared across providers when
	// refresh routing is in use.
	Tokens store.TokenStore
}

// Provider runs the authorization-code flow against one upstream identity
// provider. All provider-specific behavior comes from the Descriptor; the
// state machine itself is shared.
//
// A Provider owns its background sweep but not its stores: stores are
// commonly shared (the token store in particular, for refresh routing) and
// are closed by whoever created them.
type Provider struct {
	descriptor Descriptor
	claims     ClaimMapping

	clientID     string
	clientSecret string
	redirectURI  string

	sessionTTL     time.Duration
	validityBuffer time.Duration

	httpClient *http.Client
	sessions   store.SessionStore
	tokens     store.TokenStore

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewProvider validates the configuration and starts the provider's
// background sweep.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Descriptor.Name == "" {
		return nil, errs.NewProviderError("", "provider name is required")
	}
	name := cfg.Descriptor.Name
	if cfg.Descriptor.AuthorizationEndpoint == "" || cfg.Descriptor.TokenEndpoint == "" {
		return nil, errs.NewProviderError(name, "authorization and token endpoints are required")
	}
	if cfg.ClientID == "" {
		return nil, errs.NewProviderError(name, "client ID is required")
	}
	if cfg.RedirectURI == "" {
		return nil, errs.NewProviderError(name, "redirect URI is required")
	}
	if cfg.Sessions == nil || cfg.Tokens == nil {
		return nil, errs.NewProviderError(name, "session and token stores are required")
	}

	p := &Provider{
		descriptor:     cfg.Descriptor,
		claims:         cfg.Descriptor.Claims.withDefaults(),
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		redirectURI:    cfg.RedirectURI,
		sessionTTL:     cfg.SessionTTL,
		validityBuffer: cfg.ValidityBuffer,
		httpClient:     cfg.HTTPClient,
		sessions:       cfg.Sessions,
		tokens:         cfg.Tokens,
		stopSweep:      make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}
	if p.sessionTTL <= 0 {
		p.sessionTTL = store.DefaultSessionTTL
	}
	if p.validityBuffer <= 0 {
		p.validityBuffer = DefaultValidityBuffer
	}
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = DefaultSweepInterval
	}
	if sweepInterval > 0 {
		go p.sweepLoop(sweepInterval)
	} else {
		close(p.sweepDone)
	}

	logger.Infow("provider configured",
		"provider", name,
		"authorization_endpoint", cfg.Descriptor.AuthorizationEndpoint,
		"token_endpoint", cfg.Descriptor.TokenEndpoint,
	)
	return p, nil
}

// Name returns the provider tag.
func (p *Provider) Name() string {
	return p.descriptor.Name
}

// Descriptor returns a copy of the provider's descriptor, for discovery
// metadata generation.
func (p *Provider) Descriptor() Descriptor {
	return p.descriptor
}

// AuthorizationRequest is a caller's request to begin an authorization.
type AuthorizationRequest struct {
	// Scopes override the descriptor's default scopes when non-empty.
	Scopes []string

	// ClientRedirectURI, when set, makes the callback hand the
	// authorization code off to this URI instead of exchanging it. The
	// caller then performs its own code exchange.
	ClientRedirectURI string

	// ClientState is the caller's own state value, echoed on hand-off.
	ClientState string

	// CodeChallenge, when set, is a caller-managed PKCE challenge. The
	// caller holds the verifier; the stored session has none.
	CodeChallenge string
}

// AuthorizationRedirect is the outcome of StartAuthorization.
type AuthorizationRedirect struct {
	// URL is the upstream authorization URL to redirect the caller to.
	URL string

	// State is the generated state value keying the session.
	State string
}

// StartAuthorization allocates PKCE material and a single-use session,
// then returns the upstream redirect.
func (p *Provider) StartAuthorization(ctx context.Context, req AuthorizationRequest) (*AuthorizationRedirect, error) {
	state, err := crypto.GenerateState()
	if err != nil {
		return nil, errs.NewProviderError(p.descriptor.Name, "failed to generate state")
	}

	verifier := ""
	challenge := req.CodeChallenge
	if challenge == "" {
		pkce := crypto.GeneratePKCE()
		verifier = pkce.Verifier
		challenge = pkce.Challenge
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = p.descriptor.DefaultScopes
	}

	session := &store.Session{
		State:             state,
		CodeVerifier:      verifier,
		CodeChallenge:     challenge,
		RedirectURI:       p.redirectURI,
		ClientRedirectURI: req.ClientRedirectURI,
		ClientState:       req.ClientState,
		Scopes:            scopes,
		Provider:          p.descriptor.Name,
		ExpiresAt:         time.Now().Add(p.sessionTTL),
	}
	if err := p.sessions.Put(ctx, state, session); err != nil {
		return nil, errs.NewStoreError("failed to persist session", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {p.clientID},
		"redirect_uri":          {p.redirectURI},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {crypto.PKCEChallengeMethodS256},
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}

	logger.Debugw("authorization started",
		"provider", p.descriptor.Name,
		"caller_managed_pkce", verifier == "",
		"client_redirect", req.ClientRedirectURI != "",
	)
	return &AuthorizationRedirect{
		URL:   p.descriptor.AuthorizationEndpoint + "?" + params.Encode(),
		State: state,
	}, nil
}

// CallbackResult is the outcome of HandleCallback. Exactly one of
// RedirectURL and Token is set.
type CallbackResult struct {
	// RedirectURL is set when the session carried a client redirect: the
	// code is handed off and the caller performs its own exchange.
	RedirectURL string

	// Token is set when this server performed the code exchange.
	Token *store.TokenInfo
}

// HandleCallback consumes the session identified by state and completes
// the flow: either hands the code off to the caller's own redirect, or
// exchanges it upstream and persists the resulting tokens.
//
// Sessions are single-use: the session is removed before any upstream
// call, so a concurrent replay of the same state observes "not found".
func (p *Provider) HandleCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	if state == "" || code == "" {
		return nil, errs.NewStateError(p.descriptor.Name, "missing code or state parameter")
	}

	session, ok, err := p.sessions.Get(ctx, state)
	if err != nil {
		return nil, errs.NewStoreError("failed to look up session", err)
	}
	if !ok {
		// Expired sessions are removed by the store's lazy expiry; absent
		// and replayed states land here identically.
		return nil, errs.NewStateError(p.descriptor.Name, "invalid or expired state")
	}

	removed, err := p.sessions.Delete(ctx, state)
	if err != nil {
		return nil, errs.NewStoreError("failed to consume session", err)
	}
	if !removed {
		// Lost the race to a concurrent callback for the same state; the
		// delete is the single-use linearization point.
		return nil, errs.NewStateError(p.descriptor.Name, "invalid or expired state")
	}

	if session.ClientRedirectURI != "" {
		// Hand-off: the caller holds the PKCE verifier and exchanges the
		// code itself. Echo the caller's own state, never our internal one
		// unless the caller supplied none.
		echoState := session.ClientState
		if echoState == "" {
			echoState = state
		}
		redirect, err := url.Parse(session.ClientRedirectURI)
		if err != nil {
			return nil, errs.NewStateError(p.descriptor.Name, "invalid client redirect URI")
		}
		q := redirect.Query()
		q.Set("code", code)
		q.Set("state", echoState)
		redirect.RawQuery = q.Encode()

		logger.Debugw("authorization code handed off",
			"provider", p.descriptor.Name)
		return &CallbackResult{RedirectURL: redirect.String()}, nil
	}

	tokens, err := p.exchangeCode(ctx, code, session.CodeVerifier)
	if err != nil {
		return nil, err
	}

	info := &store.TokenInfo{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		ExpiresAt:    tokens.ExpiresAt,
		Provider:     p.descriptor.Name,
		Scopes:       session.Scopes,
	}
	if p.descriptor.UserInfoEndpoint != "" {
		user, err := p.fetchUserInfo(ctx, tokens.AccessToken)
		if err != nil {
			// Profile enrichment only; the tokens themselves are valid.
			logger.Warnw("failed to fetch user info",
				"provider", p.descriptor.Name, "error", err)
		} else {
			info.User = *user
		}
	}

	if err := p.tokens.Put(ctx, info.AccessToken, info); err != nil {
		return nil, errs.NewStoreError("failed to persist tokens", err)
	}

	logger.Infow("authorization completed",
		"provider", p.descriptor.Name,
		"has_refresh_token", info.RefreshToken != "",
		"expires_at", info.ExpiresAt.Format(time.RFC3339),
	)
	return &CallbackResult{Token: info}, nil
}

// HandleTokenRefresh exchanges a refresh token for new tokens, persists
// the rotated record, and removes the record it supersedes.
func (p *Provider) HandleTokenRefresh(ctx context.Context, refreshToken string) (*store.TokenInfo, error) {
	if refreshToken == "" {
		return nil, errs.NewTokenError(p.descriptor.Name, "refresh token is required", "")
	}

	// Remember the superseded record so its access token can be retired
	// after the rotation. A miss is fine: the token may predate us. A
	// lookup failure is not a miss (a decryption error must never be
	// treated as absent) and stops the refresh.
	previous, _, err := p.tokens.GetByIndex(ctx, refreshToken)
	if err != nil {
		return nil, errs.NewStoreError("failed to look up refresh token", err)
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
	}
	tokens, err := p.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	info := &store.TokenInfo{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		ExpiresAt:    tokens.ExpiresAt,
		Provider:     p.descriptor.Name,
	}
	if info.RefreshToken == "" {
		// Providers that do not rotate refresh tokens omit them from the
		// response; the presented one remains live.
		info.RefreshToken = refreshToken
	}
	if previous != nil {
		info.User = previous.User
		info.Scopes = previous.Scopes
	}

	if err := p.tokens.Put(ctx, info.AccessToken, info); err != nil {
		return nil, errs.NewStoreError("failed to persist rotated tokens", err)
	}
	if previous != nil && previous.AccessToken != info.AccessToken {
		if _, err := p.tokens.Delete(ctx, previous.AccessToken); err != nil {
			logger.Warnw("failed to remove superseded token",
				"provider", p.descriptor.Name, "error", err)
		}
	}

	logger.Infow("tokens refreshed",
		"provider", p.descriptor.Name,
		"rotated_refresh_token", tokens.RefreshToken != "",
	)
	return info, nil
}

// HandleLogout removes the token record for the presented access token.
// Removing an absent token is not an error.
func (p *Provider) HandleLogout(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	if _, err := p.tokens.Delete(ctx, accessToken); err != nil {
		return errs.NewStoreError("failed to remove token", err)
	}
	return nil
}

// GetTokenInfo returns the stored record for an access token, or absent.
func (p *Provider) GetTokenInfo(ctx context.Context, accessToken string) (*store.TokenInfo, bool, error) {
	return p.tokens.Get(ctx, accessToken)
}

// IsTokenValid reports whether the access token is known and not within
// the validity buffer of its expiry. A token inside the buffer is treated
// as expired and proactively removed. Store errors are logged and the
// token treated as invalid.
func (p *Provider) IsTokenValid(ctx context.Context, accessToken string) bool {
	info, ok, err := p.tokens.Get(ctx, accessToken)
	if err != nil {
		logger.Warnw("token lookup failed",
			"provider", p.descriptor.Name, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if info.ExpiresAt.IsZero() {
		// Zero expiry means the record never expires.
		return true
	}
	if !info.ExpiresAt.Add(-p.validityBuffer).After(time.Now()) {
		if _, err := p.tokens.Delete(ctx, accessToken); err != nil {
			logger.Warnw("failed to remove expiring token",
				"provider", p.descriptor.Name, "error", err)
		}
		return false
	}
	return true
}

// Close stops the background sweep. Safe to call more than once. The
// session and token stores are left to their owner.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopSweep)
		<-p.sweepDone
	})
	return nil
}

func (p *Provider) sweepLoop(interval time.Duration) {
	defer close(p.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			ctx := context.Background()
			sessions, err := p.sessions.Cleanup(ctx)
			if err != nil {
				logger.Warnw("session sweep failed",
					"provider", p.descriptor.Name, "error", err)
			}
			tokens, err := p.tokens.Cleanup(ctx)
			if err != nil {
				logger.Warnw("token sweep failed",
					"provider", p.descriptor.Name, "error", err)
			}
			if sessions > 0 || tokens > 0 {
				logger.Debugw("expired records swept",
					"provider", p.descriptor.Name,
					"sessions", sessions, "tokens", tokens)
			}
		}
	}
}

// upstreamTokens is the parsed upstream token endpoint response.
type upstreamTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

func (p *Provider) exchangeCode(ctx context.Context, code, codeVerifier string) (*upstreamTokens, error) {
	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {p.redirectURI},
		"client_id":    {p.clientID},
	}
	if p.clientSecret != "" {
		params.Set("client_secret", p.clientSecret)
	}
	if codeVerifier != "" {
		params.Set("code_verifier", codeVerifier)
	}
	return p.tokenRequest(ctx, params)
}

// tokenRequest performs a form-encoded POST to the provider's token
// endpoint. A non-2xx response is a fatal token error for this attempt,
// carrying the status and a short body excerpt as diagnostics.
func (p *Provider) tokenRequest(ctx context.Context, params url.Values) (*upstreamTokens, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.descriptor.TokenEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, errs.NewTokenError(p.descriptor.Name, "failed to create token request", err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errs.NewTokenError(p.descriptor.Name, "token request failed", err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errs.NewTokenError(p.descriptor.Name, "failed to read token response", err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.NewTokenError(p.descriptor.Name,
			"token exchange failed",
			fmt.Sprintf("status %d: %s", resp.StatusCode, bodyExcerpt(body)))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errs.NewTokenError(p.descriptor.Name, "invalid token response", err.Error())
	}
	if parsed.AccessToken == "" {
		return nil, errs.NewTokenError(p.descriptor.Name, "token response missing access token", "")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &upstreamTokens{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		IDToken:      parsed.IDToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// fetchUserInfo retrieves the user profile from the descriptor's userinfo
// endpoint and maps its claims onto the canonical fields.
func (p *Provider) fetchUserInfo(ctx context.Context, accessToken string) (*store.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.descriptor.UserInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request returned status %d: %s",
			resp.StatusCode, bodyExcerpt(body))
	}

	var claims map[string]any
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("invalid userinfo response: %w", err)
	}

	user := &store.UserInfo{
		Subject:  claimString(claims, p.claims.Subject),
		Email:    claimString(claims, p.claims.Email),
		Name:     claimString(claims, p.claims.Name),
		Provider: p.descriptor.Name,
	}
	delete(claims, p.claims.Subject)
	delete(claims, p.claims.Email)
	delete(claims, p.claims.Name)
	if len(claims) > 0 {
		user.Extra = claims
	}
	if user.Subject == "" {
		return nil, errors.New("userinfo response missing subject claim")
	}
	return user, nil
}

// claimString renders a claim value as a string. Numeric subjects (e.g.
// GitHub account ids) are formatted without an exponent.
func claimString(claims map[string]any, name string) string {
	v, ok := claims[name]
	if !ok || v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return fmt.Sprintf("%.0f", value)
	default:
		return fmt.Sprint(value)
	}
}

// bodyExcerpt truncates an upstream response body for error diagnostics.
func bodyExcerpt(body []byte) string {
	if len(body) > maxErrorExcerpt {
		body = body[:maxErrorExcerpt]
	}
	return string(body)
}
