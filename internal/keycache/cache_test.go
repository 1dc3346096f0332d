package keycache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsClient struct {
	calls int
	out   *secretsmanager.GetSecretValueOutput
	err   error
}

func (f *fakeSecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	return f.out, f.err
}

type xorDecryptor struct{ key byte }

func (d xorDecryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		out[i] = b ^ d.key
	}
	return out, nil
}

type failingDecryptor struct{}

func (failingDecryptor) Decrypt([]byte) ([]byte, error) { return nil, errors.New("bad ciphertext") }

func TestCache_GetFetchesAndCaches(t *testing.T) {
	secret := "s3cr3t"
	client := &fakeSecretsClient{out: &secretsmanager.GetSecretValueOutput{SecretString: &secret}}
	c := New(client, xorDecryptor{key: 0}, time.Minute)

	pk, err := c.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, secret, string(pk.Material))
	assert.Equal(t, 1, client.calls)

	pk2, err := c.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, pk.Material, pk2.Material)
	assert.Equal(t, 1, client.calls, "second Get within TTL must not refetch")
}

func TestCache_ExpiredEntryTriggersRefresh(t *testing.T) {
	secret := "v1"
	client := &fakeSecretsClient{out: &secretsmanager.GetSecretValueOutput{SecretString: &secret}}
	c := New(client, xorDecryptor{key: 0}, time.Millisecond)

	_, err := c.Get(context.Background(), "key-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = c.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls, "expired entry must be refetched")
}

func TestCache_DecryptFailurePropagates(t *testing.T) {
	secret := "garbage"
	client := &fakeSecretsClient{out: &secretsmanager.GetSecretValueOutput{SecretString: &secret}}
	c := New(client, failingDecryptor{}, time.Minute)

	_, err := c.Get(context.Background(), "key-1")
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_FetchFailureRetriesThenFails(t *testing.T) {
	client := &fakeSecretsClient{err: errors.New("throttled")}
	c := New(client, xorDecryptor{key: 0}, time.Minute)

	_, err := c.Get(context.Background(), "key-1")
	require.Error(t, err)
	assert.Greater(t, client.calls, 1, "transient failures should be retried")
}

func TestCache_InvalidateForcesRefetch(t *testing.T) {
	secret := "v1"
	client := &fakeSecretsClient{out: &secretsmanager.GetSecretValueOutput{SecretString: &secret}}
	c := New(client, xorDecryptor{key: 0}, time.Minute)

	_, err := c.Get(context.Background(), "key-1")
	require.NoError(t, err)
	c.Invalidate("key-1")

	_, err = c.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestCache_SecretBinaryPreferredOverString(t *testing.T) {
	str := "ignored"
	client := &fakeSecretsClient{out: &secretsmanager.GetSecretValueOutput{
		SecretBinary: []byte("binary"),
		SecretString: &str,
	}}
	c := New(client, xorDecryptor{key: 0}, time.Minute)

	pk, err := c.Get(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "binary", string(pk.Material))
}
