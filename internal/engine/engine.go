package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"opsboard/internal/audit"
	"opsboard/internal/codes"
	"opsboard/internal/config"
	"opsboard/internal/folders"
	"opsboard/internal/kanban"
	"opsboard/internal/repo"
	"opsboard/internal/sequence"
)

// Engine runs every task mutation in one transaction on DB. Folder
// provisioning and audit happen after commit and never fail the operation.
type Engine struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Sequences sequence.Allocator
	Codes     codes.Formatter
	Audit     *audit.Recorder
	Folders   folders.Provisioner
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sqlx.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.New(db)
	return Engine{
		DB:        db,
		Repo:      r,
		Sequences: sequence.SQL{},
		Codes:     codes.Formatter{Width: cfg.Codes.Width, IncludeYear: cfg.Codes.IncludeYear},
		Audit:     audit.New(r, nil, cfg.Audit.Enabled),
		Folders:   folders.New(cfg.Folders.Root),
		Now:       time.Now,
	}
}

// Scope identifies who is acting and on behalf of which site.
type Scope struct {
	SiteID string
	UserID string
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) allocator() sequence.Allocator {
	if e.Sequences != nil {
		return e.Sequences
	}
	return sequence.SQL{Now: e.Now}
}

func (e Engine) resolver(r repo.Repo) kanban.Resolver {
	return kanban.Resolver{Columns: r, Logger: e.logger()}
}

func (e Engine) record(ctx context.Context, s Scope, orgID, typ string, data audit.Payload) {
	if e.Audit == nil {
		return
	}
	e.Audit.Record(ctx, audit.Entry{
		Type:           typ,
		Data:           data,
		UserID:         s.UserID,
		SiteID:         s.SiteID,
		OrganizationID: orgID,
	})
}

func (e Engine) begin(ctx context.Context) (*sqlx.Tx, repo.Repo, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, repo.Repo{}, storeErr("begin", err)
	}
	return tx, e.Repo.Tx(tx), nil
}

func commit(tx *sqlx.Tx) error {
	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
