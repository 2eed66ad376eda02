// Package credstore parses and persists Docker-style config.json
// credential files: {"auths": {"<host>": {"auth": "<base64
// user:pass>"}}}.
package credstore

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/ocidist/ocidist/pkg/fileutil"
	"github.com/ocidist/ocidist/pkg/ocierrors"
)

// Credential is a username/password pair.
type Credential struct {
	Username string
	Password string
}

type authEntry struct {
	Auth string `json:"auth,omitempty"`
}

type configFile struct {
	Auths map[string]authEntry `json:"auths"`
}

// Store holds credentials loaded from a single config.json file, read-only
// after load except through Put.
type Store struct {
	path string
	cfg  configFile
}

// SearchPaths returns the ordered candidate config.json locations:
// $DOCKER_CONFIG/config.json, then $HOME/.docker/config.json, then
// $HOME/.config/containers/auth.json. Load reads only the first of these
// files that exists; a host listed only in a later file is not found.
func SearchPaths(home, dockerConfigDir string) []string {
	var paths []string
	if dockerConfigDir != "" {
		paths = append(paths, filepath.Join(dockerConfigDir, "config.json"))
	}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".docker", "config.json"),
			filepath.Join(home, ".config", "containers", "auth.json"),
		)
	}
	return paths
}

// Load reads the first existing file among SearchPaths(home, dockerConfigDir).
// A Store with no backing file is valid and Get always returns (nil, nil).
func Load(home, dockerConfigDir string) (*Store, error) {
	for _, p := range SearchPaths(home, dockerConfigDir) {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, ocierrors.IO("read "+p, err)
		}
		var cfg configFile
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, ocierrors.Config("parse " + p + ": " + err.Error())
		}
		return &Store{path: p, cfg: cfg}, nil
	}
	return &Store{}, nil
}

// Get returns the credential for host, or nil if none is present. Absence
// is not an error: downstream auth may proceed anonymously.
func (s *Store) Get(host string) (*Credential, error) {
	if s == nil || s.cfg.Auths == nil {
		return nil, nil
	}
	entry, ok := s.cfg.Auths[host]
	if !ok || entry.Auth == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(entry.Auth)
	if err != nil {
		return nil, ocierrors.Config("decode auth for " + host + ": " + err.Error())
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, ocierrors.Config("malformed auth entry for " + host)
	}
	return &Credential{Username: user, Password: pass}, nil
}

// Put sets (or replaces) the credential for host and persists the file.
// Refuses a username containing a colon, since "user:pass" base64 encoding
// can't otherwise be parsed back unambiguously.
func (s *Store) Put(host string, cred Credential) error {
	if strings.Contains(cred.Username, ":") {
		return ocierrors.Invariant("username must not contain ':'")
	}
	if s.cfg.Auths == nil {
		s.cfg.Auths = make(map[string]authEntry)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
	s.cfg.Auths[host] = authEntry{Auth: encoded}

	if s.path == "" {
		return ocierrors.IO("no backing file configured for credential store", nil)
	}
	if err := fileutil.EnsureParentDir(s.path, 0700); err != nil {
		return ocierrors.IO("create credential store directory", err)
	}
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return ocierrors.IO("marshal credential store", err)
	}
	if err := fileutil.AtomicWriteFile(s.path, data, 0600); err != nil {
		return ocierrors.IO("write credential store", err)
	}
	return nil
}
