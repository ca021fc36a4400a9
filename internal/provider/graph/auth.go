package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
// This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 5 * time.Minute

// graphScope is the application permission scope for Graph.
const graphScope = "https://graph.microsoft.com/.default"

// tokenCache hands out client-credentials access tokens, reusing one until
// it is within tokenExpiryBuffer of expiring.
type tokenCache struct {
	mu     sync.Mutex
	fetch  fetcher
	source oauth2.TokenSource
}

// fetcher requests a fresh token on every call.
type fetcher struct {
	ctx  context.Context
	conf *clientcredentials.Config
}

func (f fetcher) Token() (*oauth2.Token, error) {
	return f.conf.Token(f.ctx)
}

// newTokenCache creates a new token cache for the given OAuth2 client credentials.
func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	f := fetcher{
		ctx: ctx,
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
	return &tokenCache{
		fetch:  f,
		source: oauth2.ReuseTokenSourceWithExpiry(nil, f, tokenExpiryBuffer),
	}
}

// Token returns a valid access token, refreshing it if necessary.
// This method is safe for concurrent use.
func (tc *tokenCache) Token() (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return accessToken(tc.source)
}

// ForceRefresh discards the current token and acquires a new one.
// This is used when a 401 response indicates the token is invalid.
func (tc *tokenCache) ForceRefresh() (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.source = oauth2.ReuseTokenSourceWithExpiry(nil, tc.fetch, tokenExpiryBuffer)
	return accessToken(tc.source)
}

func accessToken(src oauth2.TokenSource) (string, error) {
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	return tok.AccessToken, nil
}
