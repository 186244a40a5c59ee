package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"opsboard/internal/config"
	"opsboard/internal/db"
	"opsboard/internal/domain"
	"opsboard/internal/engine"
	"opsboard/internal/migrate"
	"opsboard/internal/repo"
)

// Options select the workspace and override database settings from opsboard.yml.
type Options struct {
	Workspace string
	Driver    string
	DSN       string
	Logger    *slog.Logger
}

// Env is an opened workspace. Close releases the database.
type Env struct {
	Config *config.Config
	DB     *sqlx.DB
	Engine engine.Engine
}

func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	return e.DB.Close()
}

// Open loads the workspace config, opens and migrates the database and builds
// an engine on it. A missing opsboard.yml falls back to defaults.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.Driver != "" {
		cfg.Database.Driver = opts.Driver
	}
	if opts.DSN != "" {
		cfg.Database.DSN = opts.DSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Database: cfg.Database})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.Database.Driver, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if opts.Logger != nil {
		e.Logger = opts.Logger
		e.Audit.Logger = opts.Logger
	}
	return &Env{Config: cfg, DB: conn, Engine: e}, nil
}

// ResolveSite picks the active site. It prefers the override, then the only
// site in the database.
func ResolveSite(ctx context.Context, r repo.Repo, override string) (domain.Site, error) {
	override = strings.TrimSpace(override)
	if override != "" {
		s, err := r.GetSite(ctx, override)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Site{}, fmt.Errorf("site %q not found; create it with ob site create", override)
		}
		return s, err
	}
	sites, err := r.ListSites(ctx)
	if err != nil {
		return domain.Site{}, err
	}
	switch len(sites) {
	case 0:
		return domain.Site{}, fmt.Errorf("no sites yet; create one with ob site create")
	case 1:
		return sites[0], nil
	default:
		return domain.Site{}, fmt.Errorf("site not specified; use --site (%d sites found)", len(sites))
	}
}
