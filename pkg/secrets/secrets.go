// Package secrets fetches database credentials from the secret store. The
// raw password never reaches a log record; the Fingerprint is the only
// loggable representation of a credential.
package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/tkersh/orderworker/internal/config"
	apperrors "github.com/tkersh/orderworker/internal/errors"
)

// Credential is the typed record stored in the secret blob. After handoff
// it is owned exclusively by the current database pool instance.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
}

// ConnString renders the credential as a libpq-style connection string.
func (c Credential) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// Fingerprint returns a log-safe summary of the password: its length and a
// truncated hash, enough to tell two rotations apart.
func (c Credential) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Password))
	return fmt.Sprintf("len=%d sha256=%s", len(c.Password), hex.EncodeToString(sum[:6]))
}

func (c Credential) validate() error {
	if c.Username == "" || c.Host == "" || c.Database == "" {
		return apperrors.New(apperrors.KindInternal, "secret is missing username, host, or database")
	}
	if c.Port == 0 {
		return apperrors.New(apperrors.KindInternal, "secret is missing the port")
	}
	return nil
}

// API is the secret store surface the provider consumes.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Provider fetches and re-fetches the database credential.
type Provider struct {
	client API
	cfg    config.SecretsConfig
	log    *zap.Logger
}

// NewProvider builds a provider over the given secret store client.
func NewProvider(client API, cfg config.SecretsConfig, log *zap.Logger) *Provider {
	return &Provider{client: client, cfg: cfg, log: log}
}

// Fetch retrieves and decodes the secret once.
func (p *Provider) Fetch(ctx context.Context) (Credential, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.cfg.SecretName),
	})
	if err != nil {
		return Credential{}, p.classify(err)
	}
	if out.SecretString == nil {
		return Credential{}, apperrors.Newf(apperrors.KindInternal, "secret %s has no string payload", p.cfg.SecretName)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(*out.SecretString), &cred); err != nil {
		return Credential{}, apperrors.Wrapf(err, apperrors.KindInternal, "secret %s is not a credential record", p.cfg.SecretName)
	}
	if err := cred.validate(); err != nil {
		return Credential{}, err
	}

	p.log.Info("credential fetched",
		zap.String("secret", p.cfg.SecretName),
		zap.String("credential", cred.Fingerprint()))
	return cred, nil
}

// FetchWithRetry blocks on a successful fetch with capped exponential
// backoff. Not-found and access-denied failures abort immediately; every
// other failure, including a malformed secret payload, is retried.
// Exhaustion is fatal for the process.
func (p *Provider) FetchWithRetry(ctx context.Context) (Credential, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.InitialBackoff.Std()
	expo.MaxInterval = p.cfg.MaxBackoff.Std()

	attempt := 0
	cred, err := backoff.Retry(ctx, func() (Credential, error) {
		attempt++
		cred, err := p.Fetch(ctx)
		if err != nil {
			p.log.Warn("credential fetch failed",
				zap.String("secret", p.cfg.SecretName),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if apperrors.IsKind(err, apperrors.KindNotFound) || apperrors.IsKind(err, apperrors.KindUnauthorized) {
				return Credential{}, backoff.Permanent(err)
			}
			return Credential{}, err
		}
		return cred, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(p.cfg.MaxAttempts)))
	if err != nil {
		return Credential{}, apperrors.Wrapf(err, apperrors.KindFatal,
			"credential fetch exhausted after %d attempts", attempt)
	}
	return cred, nil
}

func (p *Provider) classify(err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return apperrors.Wrapf(err, apperrors.KindNotFound, "secret %s not found", p.cfg.SecretName)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnauthorizedException":
			return apperrors.Wrapf(err, apperrors.KindUnauthorized, "access to secret %s denied", p.cfg.SecretName)
		}
	}
	return apperrors.Wrapf(err, apperrors.KindUnavailable, "secret store unreachable")
}
