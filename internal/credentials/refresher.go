package credentials

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"docsync/internal/models"
)

// Payload keys understood by the OAuth2 refresher.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenType    = "token_type"
	KeyExpiry       = "expiry"
	KeyClientID     = "client_id"
	KeyClientSecret = "client_secret"
	KeyTokenURL     = "token_url"
	KeyScopes       = "scopes"
)

// Refresher renews a decrypted payload. It returns the replacement payload and its expiry, if known.
type Refresher interface {
	Refresh(ctx context.Context, cred models.Credential, payload map[string]any) (map[string]any, *time.Time, error)
}

// OAuth2Refresher exchanges a refresh token at the payload's token endpoint.
type OAuth2Refresher struct {
	httpClient *http.Client
}

// NewOAuth2Refresher builds a refresher. A nil client uses a 30s-timeout default.
func NewOAuth2Refresher(httpClient *http.Client) *OAuth2Refresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth2Refresher{httpClient: httpClient}
}

// Refresh implements Refresher.
func (r *OAuth2Refresher) Refresh(ctx context.Context, _ models.Credential, payload map[string]any) (map[string]any, *time.Time, error) {
	refreshToken := stringValue(payload, KeyRefreshToken)
	tokenURL := stringValue(payload, KeyTokenURL)
	if tokenURL == "" {
		return nil, nil, fmt.Errorf("credential has a refresh token but no %s", KeyTokenURL)
	}

	conf := &oauth2.Config{
		ClientID:     stringValue(payload, KeyClientID),
		ClientSecret: stringValue(payload, KeyClientSecret),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       stringSlice(payload[KeyScopes]),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, nil, fmt.Errorf("refresh access token: %w", err)
	}

	next := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		next[k] = v
	}
	next[KeyAccessToken] = tok.AccessToken
	if tok.RefreshToken != "" {
		next[KeyRefreshToken] = tok.RefreshToken
	}
	if tok.TokenType != "" {
		next[KeyTokenType] = tok.TokenType
	}
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
		next[KeyExpiry] = e.Format(time.RFC3339)
	}
	return next, expiry, nil
}

// HasRefreshToken reports whether payload can be renewed.
func HasRefreshToken(payload map[string]any) bool {
	return stringValue(payload, KeyRefreshToken) != ""
}

func stringValue(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
