package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSecretNotFound is returned when a secret is not in the secrets file.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

func secretsFilePath() string {
	if p := os.Getenv("MEDBRIDGE_SECRETS_FILE"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, appName, "secrets.json")
}

// secretsFile keeps secrets as a flat JSON object readable only by the owner.
type secretsFile struct {
	path string
}

// NewSecretStore returns the file-backed secret store.
func NewSecretStore() SecretStore {
	return secretsFile{path: secretsFilePath()}
}

func (s secretsFile) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s secretsFile) Get(name string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

func (s secretsFile) Set(name, value string) error {
	secrets, err := s.read()
	if err != nil {
		return err
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// EnsureAPIToken returns the API bearer token, generating and storing a
// random one on first use. MEDBRIDGE_API_TOKEN takes precedence.
func EnsureAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("MEDBRIDGE_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := s.Get(secretAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set(secretAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
