// Package vault wraps the HashiCorp Vault API client used to back the
// backup agent's symmetric encryption key, the way a database backup
// tool uses it to back per-database dynamic credentials.
package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

// ErrClientInit indicates failure to initialize the Vault API client.
var ErrClientInit = errors.New("vault client initialization failed")

// ErrKeyNotFound indicates the configured KV path has no key material yet.
var ErrKeyNotFound = errors.New("no key material at configured vault path")

type Option func(*config)

type config struct {
	address     string
	token       string
	roleID      string
	approleName string
}

type Client struct {
	api    *vault.Client
	config *config
}

func WithAddress(address string) Option {
	return func(c *config) {
		c.address = address
	}
}

func WithToken(token string) Option {
	return func(c *config) {
		c.token = token
	}
}

// WithAppRole configures AppRole login using roleID (the role's role_id)
// and approleName (the role's name, used to mint a fresh secret_id).
func WithAppRole(roleID, approleName string) Option {
	return func(c *config) {
		c.roleID = roleID
		c.approleName = approleName
	}
}

// NewClient creates and initializes a Vault Client using provided options.
// It will perform AppRole login if roleID and approleName are both set,
// otherwise a static token (from env or WithToken) is used.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &config{
		address: os.Getenv("VAULT_ADDR"),
		token:   os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	apiCfg := vault.DefaultConfig()
	if cfg.address != "" {
		apiCfg.Address = cfg.address
	}

	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientInit, err)
	}

	client := &Client{api: api, config: cfg}

	if cfg.token != "" {
		client.api.SetToken(cfg.token)
	}

	if cfg.roleID != "" && cfg.approleName != "" {
		if err := client.loginAppRole(ctx); err != nil {
			return nil, fmt.Errorf("%w: approle login: %v", ErrClientInit, err)
		}
	}

	return client, nil
}

// loginAppRole performs AppRole login using the configured roleID and
// approleName.
func (c *Client) loginAppRole(ctx context.Context) error {
	path := fmt.Sprintf(approleSecretIDPath, c.config.approleName)
	resp, err := c.api.Logical().WriteWithContext(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("generate secret_id: %w", err)
	}
	sid, ok := resp.Data["secret_id"].(string)
	if !ok || sid == "" {
		return fmt.Errorf("no secret_id returned from %s", path)
	}

	loginData := map[string]any{
		"role_id":   c.config.roleID,
		"secret_id": sid,
	}
	loginResp, err := c.api.Logical().WriteWithContext(ctx, approleLoginPath, loginData)
	if err != nil {
		return fmt.Errorf("approle login request: %w", err)
	}
	if loginResp.Auth == nil || loginResp.Auth.ClientToken == "" {
		return fmt.Errorf("no token in login response")
	}
	c.api.SetToken(loginResp.Auth.ClientToken)
	return nil
}

// ReadKeyMaterial reads key bytes from a KV v2 secret at path, under the
// data field named "key", base64-decoding them back to raw bytes (the
// wire format chacha20poly1305 needs); Vault's Logical API round-trips
// secret values as JSON strings, so raw key bytes are stored base64
// encoded rather than as-is to survive that encoding unharmed.
func (c *Client) ReadKeyMaterial(ctx context.Context, path string) ([]byte, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read key material at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		// KV v1 mount: fields live directly under secret.Data.
		data = secret.Data
	}
	encoded, ok := data["key"].(string)
	if !ok || encoded == "" {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key material at %s: %w", path, err)
	}
	return key, nil
}

// SealKeyMaterial writes key, base64-encoded, to a KV v2 secret at path
// under the data field named "key". Used once, the first time the agent
// runs with Vault-backed key storage configured and no key exists yet.
func (c *Client) SealKeyMaterial(ctx context.Context, path string, key []byte) error {
	_, err := c.api.Logical().WriteWithContext(ctx, path, map[string]any{
		"data": map[string]any{
			"key": base64.StdEncoding.EncodeToString(key),
		},
	})
	if err != nil {
		return fmt.Errorf("seal key material at %s: %w", path, err)
	}
	return nil
}
