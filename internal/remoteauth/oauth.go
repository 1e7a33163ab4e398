package remoteauth

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const maxSignUpResponseBytes = 64 << 10

// OAuthConfig configures an OAuthSource.
type OAuthConfig struct {
	TokenURL     string
	SignUpURL    string
	ClientID     string
	ClientSecret string
	Issuer       string
	PublicKey    ed25519.PublicKey
	HTTPClient   *http.Client
}

// OAuthSource authenticates with the OAuth2 resource-owner password grant.
// Access tokens are Ed25519-signed JWTs and the token set is persisted in the
// local cache under localcache.KeyRemoteSession.
type OAuthSource struct {
	oauth      *oauth2.Config
	signUpURL  string
	issuer     string
	audience   string
	publicKey  ed25519.PublicKey
	cache      localcache.Cache
	httpClient *http.Client
	nowFn      func() time.Time
}

// NewOAuthSource validates cfg and returns a source persisting into cache.
func NewOAuthSource(cfg OAuthConfig, cache localcache.Cache) (*OAuthSource, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errors.New("token URL is required")
	}
	if len(cfg.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrSessionPublicKeyInvalid
	}
	if cache == nil {
		return nil, errors.New("local cache is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &OAuthSource{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		signUpURL:  strings.TrimSpace(cfg.SignUpURL),
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.ClientID),
		publicKey:  cfg.PublicKey,
		cache:      cache,
		httpClient: httpClient,
		nowFn:      time.Now,
	}, nil
}

func (s *OAuthSource) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// CurrentSession restores the persisted token set, refreshing it when the
// access token has expired and a refresh token is available.
func (s *OAuthSource) CurrentSession(ctx context.Context) (*Session, error) {
	raw, found, err := s.cache.Get(ctx, localcache.KeyRemoteSession)
	if err != nil {
		return nil, fmt.Errorf("read persisted session: %w", err)
	}
	if !found || strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable persisted session")
		_ = s.cache.Delete(ctx, localcache.KeyRemoteSession)
		return nil, nil
	}

	claims, err := s.verify(tok.AccessToken)
	if err == nil {
		return claims.session(), nil
	}
	if !errors.Is(err, jwt.ErrTokenExpired) || tok.RefreshToken == "" {
		_ = s.cache.Delete(ctx, localcache.KeyRemoteSession)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, nil
		}
		return nil, fmt.Errorf("verify persisted session: %w", err)
	}

	// Force the token source to refresh regardless of the stored expiry.
	tok.Expiry = s.nowFn().Add(-time.Minute)
	fresh, err := s.oauth.TokenSource(s.clientContext(ctx), &tok).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	return s.accept(ctx, fresh)
}

// SignIn exchanges credentials for a token set.
func (s *OAuthSource) SignIn(ctx context.Context, creds Credentials) (*Session, error) {
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}
	tok, err := s.oauth.PasswordCredentialsToken(s.clientContext(ctx), email, creds.Password)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			switch retrieveErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, retrieveErr.ErrorCode)
			}
		}
		return nil, fmt.Errorf("password grant: %w", err)
	}
	return s.accept(ctx, tok)
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
}

// SignUp registers a new account and signs it in.
func (s *OAuthSource) SignUp(ctx context.Context, creds Credentials, displayName string) (*Session, error) {
	if s.signUpURL == "" {
		return nil, fmt.Errorf("%w: no sign-up endpoint configured", ErrSignUpRejected)
	}
	email := strings.ToLower(strings.TrimSpace(creds.Email))
	if email == "" || creds.Password == "" {
		return nil, ErrInvalidCredentials
	}

	body, err := json.Marshal(signUpRequest{
		Email:       email,
		Password:    creds.Password,
		DisplayName: strings.TrimSpace(displayName),
		ClientID:    s.oauth.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sign-up request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signUpURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sign-up request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign-up request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxSignUpResponseBytes))
		return nil, fmt.Errorf("%w: status %d: %s", ErrSignUpRejected, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSignUpResponseBytes))

	return s.SignIn(ctx, Credentials{Email: email, Password: creds.Password})
}

// SignOut forgets the persisted token set.
func (s *OAuthSource) SignOut(ctx context.Context) error {
	return s.cache.Delete(ctx, localcache.KeyRemoteSession)
}

func (s *OAuthSource) verify(accessToken string) (*SessionClaims, error) {
	return VerifySessionToken(accessToken, s.publicKey, s.issuer, s.audience, s.nowFn())
}

func (s *OAuthSource) accept(ctx context.Context, tok *oauth2.Token) (*Session, error) {
	claims, err := s.verify(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("marshal token: %w", err)
	}
	if err := s.cache.Set(ctx, localcache.KeyRemoteSession, string(data)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist remote session")
	}
	return claims.session(), nil
}
