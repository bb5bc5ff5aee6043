package cipher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"docsync/internal/syncerr"
)

// SecretsAPI is the slice of the Secrets Manager client the key loader needs.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadOptions selects where cipher keys come from. Sources are merged; a version
// defined twice must carry the same key.
type LoadOptions struct {
	// Production disables the ephemeral dev key fallback.
	Production bool
	// KeyList is "1:<base64>,2:<base64>".
	KeyList string
	// SecretID names a Secrets Manager secret holding {"1":"<base64>",...}.
	SecretID string
	Secrets  SecretsAPI
	// DevKeyFile persists the ephemeral key used outside production.
	DevKeyFile string
	Logger     *zap.Logger
}

// LoadKeyring resolves keys from the configured sources.
func LoadKeyring(ctx context.Context, opts LoadOptions) (*Keyring, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := map[int][]byte{}

	if opts.KeyList != "" {
		parsed, err := ParseKeyList(opts.KeyList)
		if err != nil {
			return nil, err
		}
		if err := mergeKeys(keys, parsed); err != nil {
			return nil, err
		}
	}
	if opts.SecretID != "" {
		if opts.Secrets == nil {
			return nil, syncerr.New(syncerr.KindConfig, "cipher key secret configured without a secrets client")
		}
		fetched, err := LoadFromSecretsManager(ctx, opts.Secrets, opts.SecretID)
		if err != nil {
			return nil, err
		}
		if err := mergeKeys(keys, fetched); err != nil {
			return nil, err
		}
	}

	if len(keys) == 0 {
		if opts.Production {
			return nil, syncerr.New(syncerr.KindConfig, "no cipher keys configured in production")
		}
		key, err := loadOrCreateDevKey(opts.DevKeyFile)
		if err != nil {
			return nil, err
		}
		logger.Error("NO CIPHER KEYS CONFIGURED: using an ephemeral development key; credentials encrypted now will be unreadable with real keys",
			zap.String("dev_key_file", opts.DevKeyFile))
		keys[1] = key
	}
	ring, err := NewKeyring(keys)
	if err != nil {
		return nil, err
	}
	logger.Info("cipher keyring loaded", zap.Int("current_version", ring.Current()), zap.Int("versions", len(keys)))
	return ring, nil
}

// ParseKeyList parses "version:base64key" pairs separated by commas.
func ParseKeyList(list string) (map[int][]byte, error) {
	keys := map[int][]byte{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		versionText, encoded, ok := strings.Cut(part, ":")
		if !ok {
			return nil, syncerr.Newf(syncerr.KindConfig, "cipher key entry %q must be version:base64", redact(part))
		}
		version, err := strconv.Atoi(strings.TrimSpace(versionText))
		if err != nil {
			return nil, syncerr.Wrap(err, syncerr.KindConfig, "parse cipher key version")
		}
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, syncerr.Wrap(err, syncerr.KindConfig, fmt.Sprintf("decode cipher key version %d", version))
		}
		if _, dup := keys[version]; dup {
			return nil, syncerr.Newf(syncerr.KindConfig, "cipher key version %d defined twice", version)
		}
		keys[version] = key
	}
	return keys, nil
}

// LoadFromSecretsManager reads a JSON object of version -> base64 key.
func LoadFromSecretsManager(ctx context.Context, api SecretsAPI, secretID string) (map[int][]byte, error) {
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(secretID)})
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindInfrastructure, "get cipher key secret")
	}
	if out.SecretString == nil {
		return nil, syncerr.Newf(syncerr.KindConfig, "cipher key secret %s has no string value", secretID)
	}
	raw := map[string]string{}
	if err := json.Unmarshal([]byte(*out.SecretString), &raw); err != nil {
		return nil, syncerr.Wrap(err, syncerr.KindConfig, "decode cipher key secret")
	}
	pairs := make([]string, 0, len(raw))
	for v, k := range raw {
		pairs = append(pairs, v+":"+k)
	}
	return ParseKeyList(strings.Join(pairs, ","))
}

// EncodeKey renders a key for use in a key list.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func mergeKeys(dst, src map[int][]byte) error {
	for v, k := range src {
		if existing, ok := dst[v]; ok && string(existing) != string(k) {
			return syncerr.Newf(syncerr.KindConfig, "cipher key version %d differs between sources", v)
		}
		dst[v] = k
	}
	return nil
}

func loadOrCreateDevKey(path string) ([]byte, error) {
	if path == "" {
		return GenerateKey()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, syncerr.Wrap(decErr, syncerr.KindConfig, "decode dev key file")
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read dev key file: %w", err)
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create dev key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(EncodeKey(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write dev key file: %w", err)
	}
	return key, nil
}

func redact(entry string) string {
	if v, _, ok := strings.Cut(entry, ":"); ok {
		return v + ":***"
	}
	if len(entry) > 4 {
		return entry[:4] + "***"
	}
	return "***"
}
