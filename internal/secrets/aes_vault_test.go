package secrets

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentrt/internal/store"
	"github.com/rendis/agentrt/pkg/schema"
)

// mapStore is an in-memory Backend.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func masterKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 32)
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	v, err := NewAESVault(s, VaultConfig{MasterKey: masterKey(7)})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_RoundTrip(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "push_signing_key", []byte("pem bytes")))
	assert.NotContains(t, string(s.data["push_signing_key"]), "pem bytes")

	val, err := v.Resolve(ctx, "push_signing_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("pem bytes"), val)

	require.NoError(t, v.Store(ctx, "push_signing_key", []byte("rotated")))
	val, err = v.Resolve(ctx, "push_signing_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), val)

	require.NoError(t, v.Store(ctx, "empty", nil))
	val, err = v.Resolve(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestAESVault_RandomNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("same")))
	require.NoError(t, v.Store(ctx, "b", []byte("same")))
	assert.False(t, bytes.Equal(s.data["a"], s.data["b"]))
}

func TestAESVault_CiphertextBoundToKey(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "a", []byte("alpha")))
	s.data["b"] = s.data["a"]

	_, err := v.Resolve(ctx, "b")
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	v1, err := NewAESVault(s, VaultConfig{MasterKey: masterKey(1)})
	require.NoError(t, err)
	require.NoError(t, v1.Store(ctx, "k", []byte("hidden")))

	v2, err := NewAESVault(s, VaultConfig{MasterKey: masterKey(2)})
	require.NoError(t, err)
	_, err = v2.Resolve(ctx, "k")
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))

	s.data["short"] = []byte{1, 2}
	_, err = v1.Resolve(ctx, "short")
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestAESVault_Passphrase(t *testing.T) {
	ctx := context.Background()
	cfg := VaultConfig{Passphrase: "correct horse", Salt: []byte("agentd:helper"), Iterations: 1000}

	s := newMapStore()
	v, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, "k", []byte("value")))

	// The same passphrase and salt derive the same key.
	again, err := NewAESVault(s, cfg)
	require.NoError(t, err)
	val, err := again.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestAESVault_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short master key", VaultConfig{MasterKey: []byte("too-short")}},
		{"nothing", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "pass"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAESVault(newMapStore(), tc.cfg)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestAESVault_LibSQLStore(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	v, err := NewAESVault(db, VaultConfig{MasterKey: masterKey(3)})
	require.NoError(t, err)
	require.NoError(t, v.Store(ctx, "push_signing_key", []byte("der")))

	val, err := v.Resolve(ctx, "push_signing_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("der"), val)

	keys, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"push_signing_key"}, keys)

	require.NoError(t, v.Delete(ctx, "push_signing_key"))
	_, err = v.Resolve(ctx, "push_signing_key")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
