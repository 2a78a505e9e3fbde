package imagestore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/bpfman/bpfmand/internal/bpmerrors"
)

// dockerConfig is the subset of docker/podman's config.json / auth.json
// this daemon understands: a map of registry host (or host substring) to
// a base64 "user:pass" auth blob.
type dockerConfig struct {
	Auths map[string]struct {
		Auth string `json:"auth"`
	} `json:"auths"`
}

// resolveAuth implements spec.md §4.2 step 2: scan, in order,
// $XDG_RUNTIME_DIR/containers/auth.json then $DOCKER_CONFIG or
// $HOME/.docker/config.json. The first file whose auths map contains a key
// substring-matching host wins. Absence of any matching file or entry
// yields anonymous auth; a present-but-malformed file is a typed error.
func resolveAuth(host string) (authn.Authenticator, error) {
	for _, path := range credentialFilePaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, bpmerrors.WithSubkind(bpmerrors.KindImagePull, bpmerrors.SubkindAuthParse, fmt.Errorf("read %s: %w", path, err))
		}

		var cfg dockerConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, bpmerrors.WithSubkind(bpmerrors.KindImagePull, bpmerrors.SubkindAuthParse, fmt.Errorf("parse %s: %w", path, err))
		}

		for key, entry := range cfg.Auths {
			if !strings.Contains(key, host) {
				continue
			}
			if entry.Auth == "" {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
			if err != nil {
				return nil, bpmerrors.WithSubkind(bpmerrors.KindImagePull, bpmerrors.SubkindAuthDecode, fmt.Errorf("decode auth for %q in %s: %w", key, path, err))
			}
			user, pass, ok := strings.Cut(string(decoded), ":")
			if !ok {
				return nil, bpmerrors.WithSubkind(bpmerrors.KindImagePull, bpmerrors.SubkindAuthDecode, fmt.Errorf("auth for %q in %s is not user:pass", key, path))
			}
			return &authn.Basic{Username: user, Password: pass}, nil
		}
	}
	return authn.Anonymous, nil
}

// credentialFilePaths returns the ordered list of candidate credential
// files, per spec.md §6's on-disk layout.
func credentialFilePaths() []string {
	var paths []string
	if rtdir := os.Getenv("XDG_RUNTIME_DIR"); rtdir != "" {
		paths = append(paths, filepath.Join(rtdir, "containers", "auth.json"))
	}
	if dc := os.Getenv("DOCKER_CONFIG"); dc != "" {
		paths = append(paths, filepath.Join(dc, "config.json"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".docker", "config.json"))
	}
	return paths
}

// explicitAuth builds an Authenticator from credentials supplied directly
// on an ImageRef (catalog.ImageRef.Username/Password), which takes
// precedence over any file-resolved credentials.
func explicitAuth(username, password string) authn.Authenticator {
	if username == "" && password == "" {
		return nil
	}
	return &authn.Basic{Username: username, Password: password}
}
