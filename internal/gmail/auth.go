package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/dkrall/inboxmd/internal/credential"
)

// NewService builds an authenticated Gmail service from a client
// secret file and a cached OAuth token. When no valid token is cached,
// the user is prompted to complete the authorization-code flow and the
// resulting token is saved to tokenPath for subsequent runs.
func NewService(ctx context.Context, credentialsPath, tokenPath string) (*gmail.Service, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, &AuthError{Message: "reading client secret file", Err: err}
	}

	oauthConfig, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, &AuthError{Message: "parsing client secret file", Err: err}
	}

	httpClient, err := oauthClient(ctx, oauthConfig, tokenPath)
	if err != nil {
		return nil, err
	}

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, &AuthError{Message: "creating Gmail service", Err: err}
	}
	return srv, nil
}

// oauthClient resolves a cached token, preferring the system keyring
// and falling back to the token file, then runs the web authorization
// flow when neither holds one. A freshly exchanged token is cached in
// both places.
func oauthClient(ctx context.Context, config *oauth2.Config, tokenPath string) (*http.Client, error) {
	tok, err := tokenFromKeyring()
	if err != nil {
		tok, err = tokenFromFile(tokenPath)
	}
	if err != nil {
		tok, err = tokenFromWeb(ctx, config)
		if err != nil {
			return nil, err
		}
		cacheToken(tokenPath, tok)
	}
	return config.Client(ctx, tok), nil
}

func tokenFromKeyring() (*oauth2.Token, error) {
	data, err := credential.Get(credential.TokenKey)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{}
	if err := json.NewDecoder(strings.NewReader(data)).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// cacheToken persists a token to the keyring and the token file.
// Caching is best-effort: a failure costs a re-authorization on the
// next run, not this one.
func cacheToken(tokenPath string, tok *oauth2.Token) {
	data, err := json.Marshal(tok)
	if err == nil {
		if err := credential.Set(credential.TokenKey, string(data)); err != nil {
			log.Printf("caching oauth token in keyring: %v", err)
		}
	}
	if err := saveToken(tokenPath, tok); err != nil {
		log.Printf("caching oauth token to file: %v", err)
	}
}

func tokenFromWeb(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Go to the following link in your browser then type the "+
		"authorization code:\n%v\n", authURL)

	var authCode string
	if _, err := fmt.Scan(&authCode); err != nil {
		return nil, &AuthError{Message: "reading authorization code", Err: err}
	}

	tok, err := config.Exchange(ctx, authCode)
	if err != nil {
		return nil, &AuthError{Message: "exchanging authorization code", Err: err}
	}
	return tok, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &AuthError{Message: "saving oauth token", Err: err}
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return &AuthError{Message: "encoding oauth token", Err: err}
	}
	return nil
}
