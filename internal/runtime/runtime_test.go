package runtime

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romaexec/roma/internal/domain"
	"github.com/romaexec/roma/internal/keycache"
)

func TestCreate_RejectsZeroWorkers(t *testing.T) {
	_, err := Create(context.Background(), Config{NumberOfWorkers: 0})
	require.Error(t, err)
}

func TestCreate_RejectsNegativeWorkers(t *testing.T) {
	_, err := Create(context.Background(), Config{NumberOfWorkers: -1})
	require.Error(t, err)
}

// Spawning real workers requires the romaworker binary on PATH, so the
// full Create/LoadCodeObj/Execute/Stop round trip is not exercised here.
func TestCreate_ValidatesBeforeSpawning(t *testing.T) {
	_, err := Create(context.Background(), Config{NumberOfWorkers: 0, MaxPendingRequests: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "number_of_workers")
}

type fakeSecretsClient struct {
	key []byte
}

func (f *fakeSecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{SecretBinary: f.key}, nil
}

type identityDecryptor struct{}

func (identityDecryptor) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

func seal(t *testing.T, key, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	return gcm.Seal(nonce, nonce, plaintext, nil)
}

func TestDecrypt_ResolvesKeyAndDecryptsSource(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	cache := keycache.New(&fakeSecretsClient{key: key}, identityDecryptor{}, time.Minute)
	rt := &Runtime{keyCache: cache}

	ciphertext := seal(t, key, []byte("hello = () => 'world'"))
	code := domain.CodeObject{ID: "enc", KeyID: "k1", Source: string(ciphertext)}

	decrypted, err := rt.decrypt(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, "hello = () => 'world'", decrypted.Source)
	assert.Empty(t, decrypted.KeyID)
}

func TestDecrypt_NoKeyCacheConfiguredErrors(t *testing.T) {
	rt := &Runtime{}
	_, err := rt.decrypt(context.Background(), domain.CodeObject{ID: "enc", KeyID: "k1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key cache is configured")
}

func TestLoadCodeObj_RejectsEncryptedWithoutKeyCache(t *testing.T) {
	rt := &Runtime{}
	err := rt.LoadCodeObj(context.Background(), domain.CodeObject{ID: "enc", KeyID: "k1", Source: "ciphertext"}, func(error) {})
	require.Error(t, err)
}
