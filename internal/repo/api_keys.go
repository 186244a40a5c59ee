package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"opsboard/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.SiteID == "":
		return errors.New("site_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.exec(ctx, `INSERT INTO api_keys(id,actor_id,site_id,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, key.SiteID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	var key domain.APIKey
	err := r.get(ctx, &key, `SELECT id,actor_id,site_id,COALESCE(name,'') AS name,key_hash,created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	return key, err
}

// ListAPIKeys returns API keys, optionally filtered by site.
func (r Repo) ListAPIKeys(ctx context.Context, siteID string) ([]domain.APIKey, error) {
	query := `SELECT id,actor_id,site_id,COALESCE(name,'') AS name,key_hash,created_at FROM api_keys`
	var args []any
	if siteID != "" {
		query += ` WHERE site_id=?`
		args = append(args, siteID)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	keys := []domain.APIKey{}
	err := r.selectAll(ctx, &keys, query, args...)
	return keys, err
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.exec(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
