// Package credentials stores the IMAP/SMTP password for each configured
// remote account on disk, outside config.toml (§6's account object keeps
// username/host in TOML but never a plaintext password next to it).
// Grounded on msgvault's internal/imap/auth.go, which did the same for its
// now-superseded generic-IMAP gmail.API adapter.
package credentials

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mailstation/mailstation/internal/fileutil"
)

type credentialsFile struct {
	Password string `json:"password"`
}

// path returns the credentials file path for email, hashed so the
// credentials directory doesn't leak account identities via filenames.
func path(dir, email string) string {
	hash := sha256.Sum256([]byte(email))
	prefix := fmt.Sprintf("%x", hash[:8])
	return filepath.Join(dir, "imap_"+prefix+".json")
}

// Save writes the password for email under dir, creating dir if needed.
func Save(dir, email, password string) error {
	if err := fileutil.SecureMkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.Marshal(credentialsFile{Password: password})
	if err != nil {
		return err
	}
	if err := fileutil.SecureWriteFile(path(dir, email), data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Load reads the password for email from dir.
func Load(dir, email string) (string, error) {
	data, err := os.ReadFile(path(dir, email))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no credentials found for %s (run 'account add' first)", email)
		}
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	return creds.Password, nil
}

// Has reports whether credentials exist for email under dir.
func Has(dir, email string) bool {
	_, err := os.Stat(path(dir, email))
	return err == nil
}
