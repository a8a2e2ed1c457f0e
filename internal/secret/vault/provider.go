// Package vault implements a passphrase provider backed by HashiCorp
// Vault, so key passphrases never live in configuration files or the
// process environment.
//
// Token upkeep is deliberately synchronous: the token is renewed (or the
// login repeated) lazily on the next Get once it nears expiry, instead
// of from a background watcher. Passphrase resolution only happens
// around material fetches, which are themselves synchronous, so there is
// nothing for a renewal goroutine to keep alive between them.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// defaultKey is the secret field read when a reference does not name one
// with "#key".
const defaultKey = "passphrase"

// renewAhead is how close to token expiry the next Get triggers a
// renewal attempt.
const renewAhead = time.Minute

// Provider implements the secret.Provider interface over a Vault client.
type Provider struct {
	client *vault.Client
	cfg    Config

	mu        sync.Mutex
	renewable bool
	expiry    time.Time
}

// Config holds the Vault connection and authentication settings.
type Config struct {
	Address    string
	AuthMethod string // "approle" or "cert"
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

// New connects and authenticates a Vault provider.
func New(cfg Config) (*Provider, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	p := &Provider{client: client, cfg: cfg}

	if err := p.login(context.Background()); err != nil {
		return nil, err
	}

	return p, nil
}

// login authenticates with the configured method and adopts the returned
// token.
func (p *Provider) login(ctx context.Context) error {
	var path string
	var payload map[string]any

	switch p.cfg.AuthMethod {
	case "cert":
		path = "auth/cert/login"
	case "approle", "":
		path = "auth/approle/login"
		payload = map[string]any{
			"role_id":   p.cfg.RoleID,
			"secret_id": p.cfg.SecretID,
		}
	default:
		return fmt.Errorf("unknown auth method: %s", p.cfg.AuthMethod)
	}

	login, err := p.client.Logical().WriteWithContext(ctx, path, payload)
	if err != nil {
		return fmt.Errorf("vault login (%s): %w", p.cfg.AuthMethod, err)
	}
	if login == nil || login.Auth == nil {
		return fmt.Errorf("vault login returned no auth info")
	}

	p.client.SetToken(login.Auth.ClientToken)
	p.adoptLease(login.Auth.Renewable, login.Auth.LeaseDuration)

	return nil
}

func (p *Provider) adoptLease(renewable bool, leaseSeconds int) {
	p.renewable = renewable
	if leaseSeconds > 0 {
		p.expiry = time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	} else {
		// Root or non-expiring tokens report no lease.
		p.expiry = time.Time{}
	}
}

// ensureToken renews the login token when it is close to expiry, falling
// back to a fresh login when renewal is refused.
func (p *Provider) ensureToken(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.expiry.IsZero() || time.Until(p.expiry) > renewAhead {
		return nil
	}

	if p.renewable {
		renewed, err := p.client.Auth().Token().RenewSelfWithContext(ctx, 0)
		if err == nil && renewed != nil && renewed.Auth != nil {
			p.adoptLease(renewed.Auth.Renewable, renewed.Auth.LeaseDuration)
			return nil
		}
	}

	return p.login(ctx)
}

// Get reads a passphrase from Vault. The path form is
// "path/to/secret#key"; a missing #key defaults to "passphrase". The
// value must be a string: a passphrase silently rendered from a
// non-string field would never decrypt anything.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	if err := p.ensureToken(ctx); err != nil {
		return "", err
	}

	secretPath := path
	key := defaultKey
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		key = path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	val, ok := payload(secret)[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}

	passphrase, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("key %q in secret %q is not a string", key, secretPath)
	}

	return passphrase, nil
}

// payload unwraps the KV v2 "data" envelope when present.
func payload(secret *vault.Secret) map[string]any {
	if v, ok := secret.Data["data"]; ok {
		if nested, ok := v.(map[string]any); ok {
			return nested
		}
	}
	return secret.Data
}

// Close is a no-op: nothing runs in the background and the token is
// left to expire on its own.
func (p *Provider) Close() error {
	return nil
}
