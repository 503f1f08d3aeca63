package identity

import (
	"context"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// bcrypt cost 10 balances hashing time against login latency.
const bcryptCost = 10

var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcryptCost)
	if err != nil {
		return nil
	}
	return hash
})

// localUser is one entry of the local account file.
type localUser struct {
	ID           string                        `yaml:"id"`
	Name         string                        `yaml:"name"`
	PasswordHash string                        `yaml:"password_hash"`
	Roles        []string                      `yaml:"roles"`
	SharedAccess map[string][]SharedAccessItem `yaml:"shared_access"`
}

type localFile struct {
	Users []localUser `yaml:"users"`
}

// LocalProvider validates credentials against a YAML account file with
// bcrypt password hashes. Meant for standalone deployments without an
// account service.
type LocalProvider struct {
	mu    sync.RWMutex
	users map[string]localUser
}

// NewLocalProvider loads the account file.
func NewLocalProvider(path string) (*LocalProvider, error) {
	p := &LocalProvider{users: make(map[string]localUser)}
	if err := p.Reload(path); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the account file, replacing all users.
func (p *LocalProvider) Reload(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f localFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	users := make(map[string]localUser, len(f.Users))
	for _, u := range f.Users {
		users[strings.ToLower(u.ID)] = u
	}
	p.mu.Lock()
	p.users = users
	p.mu.Unlock()
	return nil
}

// Authenticate implements Provider.
func (p *LocalProvider) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	p.mu.RLock()
	u, ok := p.users[strings.ToLower(creds.UserID)]
	p.mu.RUnlock()
	if !ok {
		// burn comparable time so user probing is not trivially fast
		bcrypt.CompareHashAndPassword(dummyHash(), []byte(creds.Password))
		return nil, ErrWrongCredentials()
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(creds.Password)) != nil {
		return nil, ErrWrongCredentials()
	}
	return &Identity{
		UserID:       u.ID,
		Name:         u.Name,
		Roles:        u.Roles,
		SharedAccess: u.SharedAccess,
	}, nil
}

// HashPassword generates a bcrypt hash for the account file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
