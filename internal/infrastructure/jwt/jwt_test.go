package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"iss":   "https://idp.example.com/realms/qa",
		"aud":   "qa-gateway",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

type jwksServer struct {
	*httptest.Server
	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetches atomic.Int32
	delay   time.Duration
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	s := &jwksServer{keys: keys}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		set := jwkSet{}
		for kid, pub := range s.keys {
			set.Keys = append(set.Keys, jwk{
				Kid: kid,
				Kty: "RSA",
				Use: "sig",
				Alg: "RS256",
				N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			})
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) rotate(kid string, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[kid] = pub
}

func TestVerifier_StaticKey(t *testing.T) {
	key := generateKey(t)
	pub, err := ParseRSAPublicKey(publicPEM(t, key))
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	cache, err := NewKeyCache(KeyCacheConfig{StaticKey: pub})
	if err != nil {
		t.Fatalf("new key cache: %v", err)
	}
	v := NewVerifier(cache, VerifierConfig{Issuer: "https://idp.example.com/realms/qa", Audience: "qa-gateway"})

	claims := validClaims()
	claims["groups"] = []string{"/moderators"}
	claims["realm_access"] = map[string]any{"roles": []string{"user"}}
	claims["scope"] = "openid profile"

	auth, err := v.Verify(context.Background(), sign(t, key, "", claims))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if auth.Subject != "user-1" || auth.Email != "user@example.com" {
		t.Errorf("unexpected identity %+v", auth)
	}
	want := []string{"moderators", "openid", "profile", "user"}
	if strings.Join(auth.Roles, ",") != strings.Join(want, ",") {
		t.Errorf("Roles = %v, want %v", auth.Roles, want)
	}
	if auth.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set")
	}
}

func TestVerifier_Rejections(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	cache, _ := NewKeyCache(KeyCacheConfig{StaticKey: &key.PublicKey})
	v := NewVerifier(cache, VerifierConfig{Issuer: "https://idp.example.com/realms/qa", Audience: "qa-gateway"})

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noExp := validClaims()
	delete(noExp, "exp")
	wrongAud := validClaims()
	wrongAud["aud"] = "someone-else"
	wrongIss := validClaims()
	wrongIss["iss"] = "https://evil.example.com"
	noSub := validClaims()
	delete(noSub, "sub")

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	hsToken, _ := hs.SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
		cause error
	}{
		{"expired", sign(t, key, "", expired), domain.ErrTokenExpired},
		{"missing exp", sign(t, key, "", noExp), domain.ErrTokenMalformed},
		{"wrong audience", sign(t, key, "", wrongAud), domain.ErrTokenAudienceMismatch},
		{"wrong issuer", sign(t, key, "", wrongIss), domain.ErrTokenIssuerMismatch},
		{"foreign signature", sign(t, other, "", validClaims()), domain.ErrTokenInvalidSignature},
		{"hmac algorithm", hsToken, domain.ErrTokenInvalidSignature},
		{"garbage", "not.a.token", domain.ErrTokenMalformed},
		{"no subject", sign(t, key, "", noSub), domain.ErrTokenInvalidSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, domain.ErrInvalidCredential) {
				t.Fatalf("expected ErrInvalidCredential, got %v", err)
			}
			if !errors.Is(err, tt.cause) {
				t.Errorf("expected cause %v, got %v", tt.cause, err)
			}
		})
	}
}

func TestKeyCache_UnknownKidForcesOneRefresh(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key1.PublicKey})

	now := time.Now()
	cache, _ := NewKeyCache(KeyCacheConfig{JWKSURL: srv.URL, TTL: time.Hour, ForcedRefreshGap: time.Minute},
		WithKeyCacheClock(func() time.Time { return now }))
	v := NewVerifier(cache, VerifierConfig{})

	if _, err := v.Verify(context.Background(), sign(t, key1, "k1", validClaims())); err != nil {
		t.Fatalf("Verify() k1 error = %v", err)
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Fatalf("expected lazy first fetch, got %d fetches", got)
	}

	srv.rotate("k2", &key2.PublicKey)
	if _, err := v.Verify(context.Background(), sign(t, key2, "k2", validClaims())); err != nil {
		t.Fatalf("Verify() after rotation error = %v", err)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("expected one forced refresh on rotation, got %d fetches", got)
	}

	unknown := generateKey(t)
	_, err := v.Verify(context.Background(), sign(t, unknown, "k9", validClaims()))
	if !errors.Is(err, domain.ErrUnknownSigningKey) {
		t.Errorf("expected ErrUnknownSigningKey, got %v", err)
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("unknown kid right after a forced refresh must not fetch, got %d fetches", got)
	}

	now = now.Add(2 * time.Minute)
	_, err = v.Verify(context.Background(), sign(t, unknown, "k9", validClaims()))
	if !errors.Is(err, domain.ErrUnknownSigningKey) {
		t.Errorf("expected ErrUnknownSigningKey, got %v", err)
	}
	if got := srv.fetches.Load(); got != 3 {
		t.Errorf("expected exactly one refresh for the unknown kid, got %d fetches", got)
	}
}

func TestKeyCache_UnknownKidsDoNotFloodProvider(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})

	cache, _ := NewKeyCache(KeyCacheConfig{JWKSURL: srv.URL, TTL: time.Hour, ForcedRefreshGap: time.Hour})
	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	for i := 0; i < 20; i++ {
		kid := fmt.Sprintf("random-%d", i)
		if _, err := cache.Key(context.Background(), kid); !errors.Is(err, domain.ErrUnknownSigningKey) {
			t.Fatalf("Key(%q) error = %v, want ErrUnknownSigningKey", kid, err)
		}
	}
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("expected one forced refresh for a burst of unknown kids, got %d fetches", got)
	}
	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Errorf("known kid must still resolve, got %v", err)
	}
}

func TestKeyCache_SingleFlight(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})
	srv.delay = 100 * time.Millisecond

	cache, _ := NewKeyCache(KeyCacheConfig{JWKSURL: srv.URL, TTL: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Key(context.Background(), "k1"); err != nil {
				t.Errorf("Key() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := srv.fetches.Load(); got != 1 {
		t.Errorf("expected concurrent lookups to share one fetch, got %d", got)
	}
}

func TestKeyCache_TTLAndInvalidate(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})

	now := time.Now()
	cache, _ := NewKeyCache(KeyCacheConfig{JWKSURL: srv.URL, TTL: time.Minute},
		WithKeyCacheClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if _, err := cache.Key(context.Background(), "k1"); err != nil {
			t.Fatalf("Key() error = %v", err)
		}
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Fatalf("expected cached key within TTL, got %d fetches", got)
	}

	now = now.Add(2 * time.Minute)
	_, _ = cache.Key(context.Background(), "k1")
	if got := srv.fetches.Load(); got != 2 {
		t.Errorf("expected refetch after TTL, got %d fetches", got)
	}

	cache.Invalidate()
	_, _ = cache.Key(context.Background(), "k1")
	if got := srv.fetches.Load(); got != 3 {
		t.Errorf("expected refetch after Invalidate, got %d fetches", got)
	}
}

func TestKeyCache_ServesStaleKeyWhenProviderDown(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"k1": &key.PublicKey})

	now := time.Now()
	cache, _ := NewKeyCache(KeyCacheConfig{JWKSURL: srv.URL, TTL: time.Minute},
		WithKeyCacheClock(func() time.Time { return now }))
	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	srv.Close()
	now = now.Add(2 * time.Minute)
	got, err := cache.Key(context.Background(), "k1")
	if err != nil {
		t.Fatalf("expected stale key, got %v", err)
	}
	if got.N.Cmp(key.N) != 0 {
		t.Error("stale key does not match")
	}
}

func TestNewKeyCache_RequiresSource(t *testing.T) {
	if _, err := NewKeyCache(KeyCacheConfig{}); err == nil {
		t.Error("expected error without JWKS URL or static key")
	}
}

func TestParseJWKS_SkipsNonSigningKeys(t *testing.T) {
	key := generateKey(t)
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	data := []byte(`{"keys":[
		{"kid":"sig","kty":"RSA","use":"sig","n":"` + n + `","e":"AQAB"},
		{"kid":"enc","kty":"RSA","use":"enc","n":"` + n + `","e":"AQAB"},
		{"kid":"ec","kty":"EC","crv":"P-256"}
	]}`)

	keys, err := parseJWKS(data)
	if err != nil {
		t.Fatalf("parseJWKS() error = %v", err)
	}
	if len(keys) != 1 || keys["sig"] == nil {
		t.Fatalf("expected only the signing key, got %v", keys)
	}
	if keys["sig"].E != 65537 {
		t.Errorf("exponent = %d", keys["sig"].E)
	}
}

func TestInternalSigner_Mint(t *testing.T) {
	key := generateKey(t)
	signer := NewInternalSigner(key, "qa-gateway", 5*time.Minute)

	auth := &domain.AuthContext{
		Subject:   "user-1",
		Email:     "user@example.com",
		Issuer:    "https://idp.example.com/realms/qa",
		Roles:     []string{"user"},
		ExpiresAt: time.Now().Add(time.Minute),
	}
	token, err := signer.Mint(auth, "questions-service")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if claims["iss"] != "qa-gateway" || claims["aud"] != "questions-service" {
		t.Errorf("unexpected iss/aud: %v %v", claims["iss"], claims["aud"])
	}
	if claims["original_iss"] != auth.Issuer {
		t.Errorf("original_iss = %v", claims["original_iss"])
	}
	exp, _ := claims.GetExpirationTime()
	if exp.After(auth.ExpiresAt.Add(time.Second)) {
		t.Errorf("internal token outlives the inbound credential: %v > %v", exp, auth.ExpiresAt)
	}
}

func TestServiceTokenValidator(t *testing.T) {
	key := generateKey(t)
	v := NewServiceTokenValidator(&key.PublicKey)

	valid := sign(t, key, "", jwt.MapClaims{
		"sub": "questions-service",
		"aud": ServiceAudience,
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	name, err := v.ValidateServiceToken(valid)
	if err != nil || name != "questions-service" {
		t.Fatalf("ValidateServiceToken() = %q, %v", name, err)
	}

	wrongAud := sign(t, key, "", jwt.MapClaims{
		"sub": "questions-service",
		"aud": "elsewhere",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	if _, err := v.ValidateServiceToken(wrongAud); !errors.Is(err, domain.ErrTokenMalformed) {
		t.Errorf("expected malformed for wrong audience, got %v", err)
	}

	expired := sign(t, key, "", jwt.MapClaims{
		"sub": "questions-service",
		"aud": ServiceAudience,
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	if _, err := v.ValidateServiceToken(expired); !errors.Is(err, domain.ErrTokenExpired) {
		t.Errorf("expected expired, got %v", err)
	}
}

func TestNormalizePEM_SingleLine(t *testing.T) {
	key := generateKey(t)
	multi := publicPEM(t, key)
	single := strings.ReplaceAll(strings.TrimSpace(multi), "\n", " ")

	pub, err := ParseRSAPublicKey(single)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey(single line) error = %v", err)
	}
	if pub.N.Cmp(key.N) != 0 {
		t.Error("parsed key does not match")
	}
}
