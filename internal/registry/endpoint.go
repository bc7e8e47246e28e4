package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"
)

// Endpoint is a registered mailbox addressed by a concrete subject
// (spec §3.2). Subject→hash is pure and stable across processes (I1).
type Endpoint struct {
	Subject      string    `json:"subject"`
	Hash         string    `json:"hash"`
	MaildirPath  string    `json:"maildirPath"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// HashSubject derives an Endpoint's 12-char lowercase hex directory name
// from its subject via SHA-256, truncated. Deterministic and
// collision-resistant within any realistic subject population (spec §3.2).
func HashSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])[:12]
}

func maildirPathFor(baseDir, hash string) string {
	return filepath.Join(baseDir, hash)
}

func newEndpoint(baseDir, subject string) Endpoint {
	hash := HashSubject(subject)
	return Endpoint{
		Subject:      subject,
		Hash:         hash,
		MaildirPath:  maildirPathFor(baseDir, hash),
		RegisteredAt: time.Now(),
	}
}

type registryError struct{ msg string }

func (e *registryError) Error() string { return e.msg }

func newRegistryError(format string, args ...interface{}) error {
	return &registryError{msg: fmt.Sprintf(format, args...)}
}
