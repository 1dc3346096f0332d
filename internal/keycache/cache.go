// Package keycache implements the private-key cache named in spec.md's
// system overview: a TTL-bounded mapping of key-id to decrypted private
// key, refreshed on demand. It stands in for the original's
// OHTTP-style key-server client, fetching ciphertext from AWS Secrets
// Manager (grounded on the teacher's aws-sdk-go-v2 wiring) instead of a
// bespoke key-server protocol.
//
// Clock-skew resolution (spec.md §9 Open Question): the eviction cutoff
// is computed as time.Now().Add(-ttl) on this process's local clock and
// compared against each entry's locally-recorded fetch time, never
// against the key server's own creation_time. A key fetched just before
// a large forward skew on the key server (or just after a backward one)
// is evicted strictly according to how long *this* cache has held it,
// which the spec leaves unresolved and we pin down here rather than
// trying to reconcile two clocks this package has no way to compare.
package keycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/cenkalti/backoff/v4"
)

// PrivateKey is one decrypted private key entry, keyed by key id.
type PrivateKey struct {
	KeyID    string
	Material []byte

	fetchedAt time.Time
}

// Decryptor turns the ciphertext fetched from the key server into private
// key material. Supplied by the host: the cache deliberately has no
// opinion on the encryption scheme (HPKE, envelope-encrypted KMS blob,
// etc.), matching spec.md's treatment of the key server as an external
// collaborator specified only at the seam.
type Decryptor interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// SecretsClient is the subset of *secretsmanager.Client the cache needs,
// narrowed to an interface so tests can supply a fake instead of talking
// to AWS.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Cache is a TTL-bounded, refresh-on-demand map of key-id to PrivateKey.
// Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*PrivateKey
	ttl     time.Duration

	client    SecretsClient
	decryptor Decryptor
}

// New constructs a Cache backed by client, decrypting fetched ciphertext
// with decryptor and holding entries for ttl before they are eligible for
// eviction on the next Refresh's sweep.
func New(client SecretsClient, decryptor Decryptor, ttl time.Duration) *Cache {
	return &Cache{
		entries:   make(map[string]*PrivateKey),
		ttl:       ttl,
		client:    client,
		decryptor: decryptor,
	}
}

// Get returns the cached key for keyID if present and unexpired,
// otherwise fetches, decrypts, and caches it.
func (c *Cache) Get(ctx context.Context, keyID string) (*PrivateKey, error) {
	if pk, ok := c.lookup(keyID); ok {
		return pk, nil
	}
	return c.Refresh(ctx, keyID)
}

func (c *Cache) lookup(keyID string) (*PrivateKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pk, ok := c.entries[keyID]
	if !ok || time.Since(pk.fetchedAt) >= c.ttl {
		return nil, false
	}
	return pk, true
}

// Refresh unconditionally re-fetches keyID from the key server, retrying
// transient failures with exponential backoff (github.com/cenkalti/backoff),
// decrypts it, installs it in the cache, and sweeps entries whose local
// fetch time has aged past ttl.
func (c *Cache) Refresh(ctx context.Context, keyID string) (*PrivateKey, error) {
	var out *secretsmanager.GetSecretValueOutput
	op := func() error {
		var err error
		out, err = c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(keyID)})
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("keycache: fetch key %q: %w", keyID, err)
	}

	var ciphertext []byte
	switch {
	case out.SecretBinary != nil:
		ciphertext = out.SecretBinary
	case out.SecretString != nil:
		ciphertext = []byte(*out.SecretString)
	}

	material, err := c.decryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keycache: decrypt key %q: %w", keyID, err)
	}

	pk := &PrivateKey{KeyID: keyID, Material: material, fetchedAt: time.Now()}
	c.mu.Lock()
	c.entries[keyID] = pk
	c.sweepLocked()
	c.mu.Unlock()
	return pk, nil
}

// sweepLocked evicts every entry whose local fetch time is older than
// now-ttl. Must be called with mu held for writing.
func (c *Cache) sweepLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for id, pk := range c.entries {
		if pk.fetchedAt.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}

// Len reports the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Invalidate removes keyID unconditionally, forcing the next Get to
// refresh from the key server.
func (c *Cache) Invalidate(keyID string) {
	c.mu.Lock()
	delete(c.entries, keyID)
	c.mu.Unlock()
}
