package corfs

import (
	"os"

	"github.com/aws/aws-sdk-go/aws/credentials"
)

// PrefixEnvProvider retrieves credentials from prefixed environment variables of the
// running process, e.g. PIPECORRAL_AWS_ACCESS_KEY_ID. Credentials never expire.
//
// Environment variables used:
//
// * Access Key ID:     [PREFIX]+AWS_ACCESS_KEY_ID or [PREFIX]+AWS_ACCESS_KEY
//
// * Secret Access Key: [PREFIX]+AWS_SECRET_ACCESS_KEY or [PREFIX]+AWS_SECRET_KEY
type PrefixEnvProvider struct {
	retrieved bool
	prefix    string
	extraKeys map[string]string
}

// NewPrefixEnvCredentials returns a pointer to a new Credentials object
// wrapping the prefixed environment variable provider.
func NewPrefixEnvCredentials(prefix string) *credentials.Credentials {
	return credentials.NewCredentials(&PrefixEnvProvider{prefix: prefix})
}

// Retrieve retrieves the keys from the environment.
func (e *PrefixEnvProvider) Retrieve() (credentials.Value, error) {
	e.retrieved = false

	ids := []string{e.prefix + "AWS_ACCESS_KEY_ID", e.prefix + "AWS_ACCESS_KEY"}
	secrets := []string{e.prefix + "AWS_SECRET_ACCESS_KEY", e.prefix + "AWS_SECRET_KEY"}
	if key, ok := e.extraKeys["id"]; ok {
		ids = append(ids, key, e.prefix+key)
	}
	if key, ok := e.extraKeys["secret"]; ok {
		secrets = append(secrets, key, e.prefix+key)
	}

	id := lookupEnvFromKeys(ids)
	secret := lookupEnvFromKeys(secrets)

	if id == "" {
		return credentials.Value{ProviderName: credentials.EnvProviderName}, credentials.ErrAccessKeyIDNotFound
	}
	if secret == "" {
		return credentials.Value{ProviderName: credentials.EnvProviderName}, credentials.ErrSecretAccessKeyNotFound
	}

	e.retrieved = true
	return credentials.Value{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv(e.prefix + "AWS_SESSION_TOKEN"),
		ProviderName:    credentials.EnvProviderName,
	}, nil
}

// IsExpired returns if the credentials have been retrieved.
func (e *PrefixEnvProvider) IsExpired() bool {
	return !e.retrieved
}

func lookupEnvFromKeys(keys []string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
