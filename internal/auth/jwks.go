package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"telemedic.org/internal/obs"
)

const maxKeySetBytes = 1 << 20

// KeySet holds the issuer's published RSA public keys, keyed by key id.
// A set is immutable once built; refreshes replace it wholesale.
type KeySet struct {
	keys map[string]*rsa.PublicKey
}

// Key returns the public key for the given key id.
func (s *KeySet) Key(kid string) (*rsa.PublicKey, bool) {
	k, ok := s.keys[kid]
	return k, ok
}

// Len reports how many usable signing keys the set carries.
func (s *KeySet) Len() int { return len(s.keys) }

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// KeyCache lazily fetches and caches the issuer's JWKS document. There is no
// background refresh: staleness is repaired by Invalidate followed by Get.
// A failed fetch leaves the previously cached set intact.
type KeyCache struct {
	url     string
	client  *http.Client
	fetchMu sync.Mutex
	current atomic.Pointer[KeySet]
	stale   atomic.Bool
}

// NewKeyCache creates a cache for the given JWKS endpoint. The timeout bounds
// each fetch; a timed-out fetch surfaces as KeyFetchFailed.
func NewKeyCache(jwksURL string, timeout time.Duration) *KeyCache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KeyCache{
		url:    jwksURL,
		client: &http.Client{Timeout: timeout},
	}
}

// Get returns the cached key set, fetching it on first use or after an
// Invalidate. A failed fetch keeps the previous set for other callers but
// still returns an error: the verifier never accepts on a fetch failure.
func (c *KeyCache) Get(ctx context.Context) (*KeySet, error) {
	if ks := c.current.Load(); ks != nil && !c.stale.Load() {
		return ks, nil
	}
	return c.refresh(ctx)
}

// Invalidate marks the cached set stale so the next Get performs a fresh
// fetch. The stale set is retained until a replacement arrives.
func (c *KeyCache) Invalidate() {
	c.stale.Store(true)
}

func (c *KeyCache) refresh(ctx context.Context) (*KeySet, error) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another caller may have completed the fetch while we waited.
	if ks := c.current.Load(); ks != nil && !c.stale.Load() {
		return ks, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, rejection(KindKeyFetchFailed, fmt.Sprintf("build key set request: %v", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		obs.KeySetRefresh("error")
		return nil, rejection(KindKeyFetchFailed, fmt.Sprintf("fetch key set: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		obs.KeySetRefresh("error")
		return nil, rejection(KindKeyFetchFailed, fmt.Sprintf("key set endpoint returned status %d", resp.StatusCode))
	}

	var doc jwksDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeySetBytes)).Decode(&doc); err != nil {
		obs.KeySetRefresh("error")
		return nil, rejection(KindKeyFetchFailed, fmt.Sprintf("decode key set: %v", err))
	}

	ks, err := buildKeySet(doc)
	if err != nil {
		obs.KeySetRefresh("error")
		return nil, err
	}

	// Publish atomically: concurrent validators either see the old set or
	// the complete new one, never a partial state.
	c.current.Store(ks)
	c.stale.Store(false)
	obs.KeySetRefresh("ok")
	return ks, nil
}

func buildKeySet(doc jwksDocument) (*KeySet, error) {
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			return nil, rejection(KindKeyFetchFailed, fmt.Sprintf("malformed key %s: %v", k.Kid, err))
		}
		keys[k.Kid] = pub
	}
	return &KeySet{keys: keys}, nil
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 8 {
		return nil, fmt.Errorf("invalid key material")
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	if exp <= 1 {
		return nil, fmt.Errorf("invalid public exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}
