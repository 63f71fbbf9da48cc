// Package profile serves character profiles cache-first with a durable
// fallback. Profiles change rarely, so a short in-process TTL cache absorbs
// almost all of the read traffic generation workers produce.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joelkehle/chatflow/internal/chat"
)

type Config struct {
	CacheTTL time.Duration
	Clock    func() time.Time
}

type cached struct {
	character chat.Character
	expiresAt time.Time
}

type Provider struct {
	db  *sqlx.DB
	cfg Config

	mu    sync.Mutex
	cache map[string]cached
}

func NewProvider(db *sqlx.DB, cfg Config) *Provider {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Provider{db: db, cfg: cfg, cache: map[string]cached{}}
}

// GetByID returns the character profile, from cache when fresh. A miss
// reads the durable record and repopulates the cache.
func (p *Provider) GetByID(ctx context.Context, characterID string) (*chat.Character, error) {
	if characterID == "" {
		return nil, chat.NewValidationError("character_id is required")
	}
	now := p.cfg.Clock().UTC()

	p.mu.Lock()
	if c, ok := p.cache[characterID]; ok && now.Before(c.expiresAt) {
		cp := c.character
		p.mu.Unlock()
		return &cp, nil
	}
	p.mu.Unlock()

	var c chat.Character
	var createdAt string
	err := p.db.QueryRowContext(ctx, `SELECT character_id, name, persona, greeting, created_at
		FROM characters WHERE character_id = ?`, characterID).
		Scan(&c.CharacterID, &c.Name, &c.Persona, &c.Greeting, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.NewNotFoundError("character not found")
	}
	if err != nil {
		return nil, chat.NewUnavailableError("query character: " + err.Error())
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	p.mu.Lock()
	p.cache[characterID] = cached{character: c, expiresAt: now.Add(p.cfg.CacheTTL)}
	p.mu.Unlock()

	cp := c
	return &cp, nil
}

// Upsert writes a profile and invalidates its cache slot. Management of
// profiles is external to the pipeline; this exists for seeding and tools.
func (p *Provider) Upsert(ctx context.Context, c chat.Character) error {
	if c.CharacterID == "" {
		return chat.NewValidationError("character_id is required")
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = p.cfg.Clock().UTC()
	}
	if _, err := p.db.ExecContext(ctx, `INSERT INTO characters (character_id, name, persona, greeting, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (character_id) DO UPDATE SET name = excluded.name, persona = excluded.persona, greeting = excluded.greeting`,
		c.CharacterID, c.Name, c.Persona, c.Greeting, createdAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return chat.NewUnavailableError("upsert character: " + err.Error())
	}

	p.mu.Lock()
	delete(p.cache, c.CharacterID)
	p.mu.Unlock()
	return nil
}
