package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix marks raw access tokens issued by the server.
const TokenPrefix = "gv_"

// Token permissions. A read token may fetch; a write token may also push.
const (
	PermRead  = "ro"
	PermWrite = "rw"
)

// TokenInfo is the stored form of an access token.
type TokenInfo struct {
	ID         string    `json:"id"`
	TokenHash  string    `json:"token_hash"`
	Desc       string    `json:"description"`
	Repos      []string  `json:"repos"`      // repository names, or "*"
	Permission string    `json:"permission"` // PermRead or PermWrite
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Allows reports whether the token is scoped to repo.
func (t *TokenInfo) Allows(repo string) bool {
	for _, r := range t.Repos {
		if r == "*" || r == repo {
			return true
		}
	}
	return false
}

// CanPush reports whether the token may update refs.
func (t *TokenInfo) CanPush() bool {
	return t.Permission == PermWrite
}

// TokenStore looks up and manages access tokens by the hash of their raw
// value.
type TokenStore interface {
	GetByHash(hash string) (*TokenInfo, error)
	UpdateLastUsed(id string) error
	ListTokens() ([]*TokenInfo, error)
	DeleteToken(id string) error
	CreateToken(desc string, repos []string, permission string) (rawToken string, info *TokenInfo, err error)
}

// HashToken returns the hex SHA-256 of a raw token; only hashes are stored.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ErrTokenNotFound is returned when deleting an unknown token.
var ErrTokenNotFound = errors.New("token not found")

// FileTokenStore keeps tokens in a JSON file, rewritten atomically on every
// change. Callers only ever receive copies.
type FileTokenStore struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*TokenInfo
	byHash map[string]string // token hash -> id
}

// NewFileTokenStore returns an empty store persisted at path.
func NewFileTokenStore(path string, logger *slog.Logger) *FileTokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTokenStore{
		path:   path,
		logger: logger,
		byID:   make(map[string]*TokenInfo),
		byHash: make(map[string]string),
	}
}

// Load replaces the store's contents with the file's. A missing file leaves
// the store empty.
func (s *FileTokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read token store: %w", err)
	}
	var list []*TokenInfo
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse token store %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.byID)
	clear(s.byHash)
	for _, t := range list {
		s.byID[t.ID] = t
		s.byHash[t.TokenHash] = t.ID
	}
	s.logger.Info("loaded tokens", "count", len(list), "path", s.path)
	return nil
}

// GetByHash returns the token with the given hash, or nil.
func (s *FileTokenStore) GetByHash(hash string) (*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	return s.byID[id].clone(), nil
}

// UpdateLastUsed stamps a token with the current time and persists it.
func (s *FileTokenStore) UpdateLastUsed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTokenNotFound)
	}
	prev := t.LastUsedAt
	t.LastUsedAt = time.Now().UTC()
	if err := s.writeLocked(); err != nil {
		t.LastUsedAt = prev
		return err
	}
	return nil
}

// CreateToken issues a token. The raw value is returned once; only its hash
// is kept.
func (s *FileTokenStore) CreateToken(desc string, repos []string, permission string) (string, *TokenInfo, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate token: %w", err)
	}
	raw := TokenPrefix + hex.EncodeToString(secret)
	info := &TokenInfo{
		ID:         uuid.NewString(),
		TokenHash:  HashToken(raw),
		Desc:       desc,
		Repos:      slices.Clone(repos),
		Permission: permission,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[info.ID] = info
	s.byHash[info.TokenHash] = info.ID
	if err := s.writeLocked(); err != nil {
		delete(s.byID, info.ID)
		delete(s.byHash, info.TokenHash)
		return "", nil, fmt.Errorf("persist token: %w", err)
	}
	return raw, info.clone(), nil
}

// ListTokens returns every token, oldest first.
func (s *FileTokenStore) ListTokens() ([]*TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

// DeleteToken revokes the token with the given ID.
func (s *FileTokenStore) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrTokenNotFound)
	}
	delete(s.byID, id)
	delete(s.byHash, t.TokenHash)
	if err := s.writeLocked(); err != nil {
		s.byID[id] = t
		s.byHash[t.TokenHash] = id
		return err
	}
	return nil
}

func (s *FileTokenStore) snapshotLocked() []*TokenInfo {
	list := make([]*TokenInfo, 0, len(s.byID))
	for _, t := range s.byID {
		list = append(list, t.clone())
	}
	slices.SortFunc(list, func(a, b *TokenInfo) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return list
}

// writeLocked rewrites the token file through a temp file and rename.
func (s *FileTokenStore) writeLocked() error {
	data, err := json.MarshalIndent(s.snapshotLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write tokens: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (t *TokenInfo) clone() *TokenInfo {
	cp := *t
	cp.Repos = slices.Clone(t.Repos)
	return &cp
}
