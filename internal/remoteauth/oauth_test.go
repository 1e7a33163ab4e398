package remoteauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rcourtman/quillboard/internal/localcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "quillboard-auth"
	testClientID = "quillboard"
)

type fakeIdP struct {
	t          *testing.T
	priv       ed25519.PrivateKey
	ttl        time.Duration
	refreshes  atomic.Int32
	signUps    atomic.Int32
	rejectSign bool
}

func newFakeIdP(t *testing.T) (*fakeIdP, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &fakeIdP{t: t, priv: priv, ttl: time.Hour}, pub
}

func (f *fakeIdP) sign(sub, email string, exp time.Time) string {
	claims := SessionClaims{
		Email: email,
		Name:  "Test User",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(f.priv)
	require.NoError(f.t, err)
	return signed
}

func (f *fakeIdP) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.PostForm.Get("grant_type") {
		case "password":
			if r.PostForm.Get("password") != "correct horse" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		case "refresh_token":
			f.refreshes.Add(1)
			if r.PostForm.Get("refresh_token") != "refresh-1" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
		default:
			http.Error(w, "unsupported grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  f.sign("user-42", "Alice@Example.com", time.Now().Add(f.ttl)),
			"token_type":    "Bearer",
			"refresh_token": "refresh-1",
			"expires_in":    int(f.ttl.Seconds()),
		})
	})
	mux.HandleFunc("/signup", func(w http.ResponseWriter, r *http.Request) {
		f.signUps.Add(1)
		if f.rejectSign {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		var req signUpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	return mux
}

func newTestSource(t *testing.T, idp *fakeIdP, pub ed25519.PublicKey) (*OAuthSource, *localcache.MemoryCache) {
	t.Helper()
	srv := httptest.NewServer(idp.handler())
	t.Cleanup(srv.Close)

	cache := localcache.NewMemoryCache()
	src, err := NewOAuthSource(OAuthConfig{
		TokenURL:   srv.URL + "/token",
		SignUpURL:  srv.URL + "/signup",
		ClientID:   testClientID,
		Issuer:     testIssuer,
		PublicKey:  pub,
		HTTPClient: srv.Client(),
	}, cache)
	require.NoError(t, err)
	return src, cache
}

func TestSignInPersistsSession(t *testing.T) {
	idp, pub := newFakeIdP(t)
	src, cache := newTestSource(t, idp, pub)
	ctx := context.Background()

	sess, err := src.SignIn(ctx, Credentials{Email: "alice@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "user-42", sess.IdentityID)
	assert.Equal(t, "alice@example.com", sess.Email)

	_, found, _ := cache.Get(ctx, localcache.KeyRemoteSession)
	assert.True(t, found)

	current, err := src.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "user-42", current.IdentityID)

	require.NoError(t, src.SignOut(ctx))
	current, err = src.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestSignInWrongPassword(t *testing.T) {
	idp, pub := newFakeIdP(t)
	src, _ := newTestSource(t, idp, pub)

	_, err := src.SignIn(context.Background(), Credentials{Email: "alice@example.com", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = src.SignIn(context.Background(), Credentials{Email: "", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCurrentSessionRefreshesExpiredToken(t *testing.T) {
	idp, pub := newFakeIdP(t)
	src, cache := newTestSource(t, idp, pub)
	ctx := context.Background()

	stale, _ := json.Marshal(map[string]any{
		"access_token":  idp.sign("user-42", "alice@example.com", time.Now().Add(-time.Hour)),
		"token_type":    "Bearer",
		"refresh_token": "refresh-1",
	})
	require.NoError(t, cache.Set(ctx, localcache.KeyRemoteSession, string(stale)))

	sess, err := src.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "user-42", sess.IdentityID)
	assert.Equal(t, int32(1), idp.refreshes.Load())
}

func TestCurrentSessionExpiredWithoutRefreshToken(t *testing.T) {
	idp, pub := newFakeIdP(t)
	src, cache := newTestSource(t, idp, pub)
	ctx := context.Background()

	stale, _ := json.Marshal(map[string]any{
		"access_token": idp.sign("user-42", "alice@example.com", time.Now().Add(-time.Hour)),
	})
	require.NoError(t, cache.Set(ctx, localcache.KeyRemoteSession, string(stale)))

	sess, err := src.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
	_, found, _ := cache.Get(ctx, localcache.KeyRemoteSession)
	assert.False(t, found, "expired session should be discarded")
}

func TestCurrentSessionRejectsForeignSignature(t *testing.T) {
	idp, _ := newFakeIdP(t)
	_, otherPub := newFakeIdP(t)
	src, cache := newTestSource(t, idp, otherPub)
	ctx := context.Background()

	tok, _ := json.Marshal(map[string]any{
		"access_token": idp.sign("user-42", "alice@example.com", time.Now().Add(time.Hour)),
	})
	require.NoError(t, cache.Set(ctx, localcache.KeyRemoteSession, string(tok)))

	_, err := src.CurrentSession(ctx)
	assert.Error(t, err)
}

func TestSignUp(t *testing.T) {
	idp, pub := newFakeIdP(t)
	src, _ := newTestSource(t, idp, pub)

	sess, err := src.SignUp(context.Background(), Credentials{Email: "alice@example.com", Password: "correct horse"}, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "user-42", sess.IdentityID)
	assert.Equal(t, int32(1), idp.signUps.Load())
}

func TestSignUpRejected(t *testing.T) {
	idp, pub := newFakeIdP(t)
	idp.rejectSign = true
	src, _ := newTestSource(t, idp, pub)

	_, err := src.SignUp(context.Background(), Credentials{Email: "alice@example.com", Password: "correct horse"}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSignUpRejected))
	assert.Contains(t, err.Error(), "409")
}

func TestDecodePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding} {
		got, err := DecodePublicKey(enc.EncodeToString(pub))
		require.NoError(t, err)
		assert.Equal(t, pub, got)
	}

	_, err = DecodePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrSessionPublicKeyInvalid)
}

func TestVerifySessionTokenRequiresSubject(t *testing.T) {
	idp, pub := newFakeIdP(t)
	token := idp.sign("", "x@example.com", time.Now().Add(time.Hour))

	_, err := VerifySessionToken(token, pub, testIssuer, testClientID, time.Time{})
	assert.ErrorIs(t, err, ErrSessionSubjectMissing)
}
