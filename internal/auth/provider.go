package auth

import (
	"context"
	"errors"
)

// Credentials carries what the upstream transport needs on every call.
type Credentials struct {
	// UID goes into the x-pm-uid header.
	UID string
	// AccessToken goes into the Authorization bearer header.
	AccessToken string
}

// Provider supplies upstream credentials. Token acquisition and refresh
// live outside the core; the pipeline only consumes this interface.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticProvider returns fixed credentials, typically loaded from config.
type StaticProvider struct {
	creds Credentials
}

// NewStaticProvider builds a provider around fixed credentials.
func NewStaticProvider(uid, accessToken string) *StaticProvider {
	return &StaticProvider{creds: Credentials{UID: uid, AccessToken: accessToken}}
}

// Credentials implements Provider.
func (p *StaticProvider) Credentials(ctx context.Context) (Credentials, error) {
	if p.creds.AccessToken == "" {
		return Credentials{}, errors.New("no upstream access token configured")
	}
	return p.creds, nil
}
