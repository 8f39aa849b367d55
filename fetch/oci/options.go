package oci

import (
	"context"
	"errors"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) Option {
	return func(f *Fetcher) {
		f.credStore = store
	}
}

// WithStaticCredentials authenticates to one registry with a fixed
// username and password.
func WithStaticCredentials(registry, username, password string) Option {
	return func(f *Fetcher) {
		f.credStore = staticStore{
			registry: registry,
			cred:     auth.Credential{Username: username, Password: password},
		}
	}
}

// WithDockerConfig reads credentials from ~/.docker/config.json. When the
// config cannot be loaded the fetcher stays anonymous.
func WithDockerConfig() Option {
	return func(f *Fetcher) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		f.credStore = store
	}
}

// WithPlainHTTP talks to registries without TLS.
func WithPlainHTTP(enabled bool) Option {
	return func(f *Fetcher) {
		f.plainHTTP = enabled
	}
}

// WithAnonymous disables all authentication.
func WithAnonymous() Option {
	return func(f *Fetcher) {
		f.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

type staticStore struct {
	registry string
	cred     auth.Credential
}

func (s staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	if serverAddress == s.registry {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

var errReadOnlyStore = errors.New("oci: static credential store is read-only")

func (staticStore) Put(context.Context, string, auth.Credential) error {
	return errReadOnlyStore
}

func (staticStore) Delete(context.Context, string) error {
	return errReadOnlyStore
}
