package auth

import (
	"os"

	"github.com/ocidist/ocidist/internal/credstore"
)

// Credentials is the pluggable credential source the Bearer engine
// consults for a Basic header to present to the registry and, later,
// to the token endpoint.
type Credentials interface {
	// Basic returns the username/password for host, or ok=false if none
	// is configured. Absence is never an error: downstream auth may
	// proceed anonymously.
	Basic(host string) (user, pass string, ok bool)
}

// None never has credentials; requests go out anonymously until/unless a
// Bearer challenge is satisfiable without them.
type None struct{}

func (None) Basic(string) (string, string, bool) { return "", "", false }

// UserPass is a single static username/password applied to every host.
type UserPass struct {
	Username string
	Password string
}

func (u UserPass) Basic(string) (string, string, bool) { return u.Username, u.Password, true }

// CredentialStore delegates to the credstore.Store loaded from
// Docker-style config.json files, keyed by host.
type CredentialStore struct {
	Store *credstore.Store
}

func (c CredentialStore) Basic(host string) (string, string, bool) {
	if c.Store == nil {
		return "", "", false
	}
	cred, err := c.Store.Get(host)
	if err != nil || cred == nil {
		return "", "", false
	}
	return cred.Username, cred.Password, true
}

// Env reads OCI_USERNAME/OCI_PASSWORD from the process environment,
// applying to every host alike.
type Env struct{}

func (Env) Basic(string) (string, string, bool) {
	user, hasUser := os.LookupEnv("OCI_USERNAME")
	pass, hasPass := os.LookupEnv("OCI_PASSWORD")
	if !hasUser || !hasPass {
		return "", "", false
	}
	return user, pass, true
}

// Chain tries each source in order, returning the first that has a
// credential for host. Used at the CLI edge to prefer an explicit
// OCI_USERNAME/OCI_PASSWORD override over the on-disk credential store.
type Chain []Credentials

func (c Chain) Basic(host string) (string, string, bool) {
	for _, src := range c {
		if user, pass, ok := src.Basic(host); ok {
			return user, pass, ok
		}
	}
	return "", "", false
}
