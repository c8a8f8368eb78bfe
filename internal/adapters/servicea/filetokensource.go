package servicea

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// fileTokenCredentials is the on-disk shape of the file a FileTokenSource
// reads. The OAuth authorize/refresh flow that produces and rotates this
// file is out of scope here (spec.md §1); calsync only ever reads it.
type fileTokenCredentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

// FileTokenSource implements TokenSource by re-reading a credentials file
// on every call, so an external refresher can rewrite it in place (spec.md
// §6: "Credentials are loaded from a secrets directory or files referenced
// by path — opaque to the core").
type FileTokenSource struct {
	path string
}

// NewFileTokenSource returns a TokenSource backed by the credentials file
// at path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

// Token reads and parses the credentials file. It is re-read on every call
// rather than cached, since an external process owns refreshing it.
func (f *FileTokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read service A credentials file: %w", err)
	}
	var creds fileTokenCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse service A credentials file: %w", err)
	}
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("service A credentials file %s has no access_token", f.path)
	}
	tokenType := creds.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    tokenType,
		Expiry:       creds.Expiry,
	}, nil
}

var _ TokenSource = (*FileTokenSource)(nil)
