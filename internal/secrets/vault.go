// Package secrets keeps the agent's key material encrypted at rest. Values
// are sealed before they reach the database and only opened in memory.
package secrets

import "context"

// Vault is the plaintext view of the secret table.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Backend holds sealed values by key and never sees plaintext. The libSQL
// store implements it over the secrets table.
type Backend interface {
	StoreSecret(ctx context.Context, key string, sealed []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var _ Vault = (*AESVault)(nil)
