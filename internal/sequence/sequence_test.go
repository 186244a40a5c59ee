package sequence

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"opsboard/internal/config"
	"opsboard/internal/db"
	"opsboard/internal/domain"
	"opsboard/internal/migrate"
	"opsboard/internal/repo"
)

func openStore(t *testing.T, dbCfg config.Database, sites ...string) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Database: dbCfg})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	seedSites(t, conn, sites...)
	return NewStore(conn)
}

func seedSites(t *testing.T, conn *sqlx.DB, sites ...string) {
	t.Helper()
	ctx := context.Background()
	r := repo.New(conn)
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, r.InsertOrganization(ctx, domain.Organization{ID: "org-1", Name: "Org", CreatedAt: now}))
	for _, id := range sites {
		require.NoError(t, r.InsertSite(ctx, domain.Site{ID: id, OrganizationID: "org-1", Name: id, CreatedAt: now}))
	}
}

func allocateConcurrently(t *testing.T, s Store, ns domain.Namespace, n int) []int64 {
	t.Helper()
	values := make([]int64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := s.Next(context.Background(), ns)
			if err != nil {
				return err
			}
			values[i] = v
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return values
}

// The default SQLite handle has one connection and immediate transactions, so
// these allocations never overlap. TestOverlappingTransactionsAllocateInOrder
// covers the interleaved case.
func TestConcurrentAllocationsAreUnique(t *testing.T) {
	for _, n := range []int{2, 10, 100} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := openStore(t, config.Database{Driver: config.DriverSQLite}, "site-a")
			ns := domain.Namespace{SiteID: "site-a", Key: domain.TaskTypeJob}
			values := allocateConcurrently(t, s, ns, n)

			sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
			for i, v := range values {
				assert.Equal(t, int64(i+1), v)
			}
			last, err := s.Peek(context.Background(), ns)
			require.NoError(t, err)
			assert.Equal(t, int64(n), last)
		})
	}
}

// openDeferred opens a second handle on the workspace database with several
// connections and deferred transactions, so two transactions can be open at once.
func openDeferred(t *testing.T, workspace string) *sqlx.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=deferred", db.Path(workspace))
	conn, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	conn.SetMaxOpenConns(2)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOverlappingTransactionsAllocateInOrder(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	seedSites(t, conn, "site-a")
	require.NoError(t, conn.Close())

	deferred := openDeferred(t, dir)
	ctx := context.Background()
	ns := domain.Namespace{SiteID: "site-a", Key: domain.TaskTypeJob}
	alloc := SQL{}

	first, err := deferred.BeginTxx(ctx, nil)
	require.NoError(t, err)
	defer first.Rollback()
	second, err := deferred.BeginTxx(ctx, nil)
	require.NoError(t, err)
	defer second.Rollback()

	v1, err := alloc.Allocate(ctx, first, ns)
	require.NoError(t, err)

	// second allocates while first still holds its uncommitted value.
	type result struct {
		v   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := alloc.Allocate(ctx, second, ns)
		done <- result{v, err}
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, first.Commit())

	res := <-done
	require.NoError(t, res.err)
	require.NoError(t, second.Commit())
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), res.v)

	last, err := NewStore(deferred).Peek(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestSequentialAllocationsIncrease(t *testing.T) {
	s := openStore(t, config.Database{Driver: config.DriverSQLite}, "site-a")
	ns := domain.Namespace{SiteID: "site-a", Key: domain.TaskTypeOffer}
	var prev int64
	for i := 0; i < 20; i++ {
		v, err := s.Next(context.Background(), ns)
		require.NoError(t, err)
		assert.Greater(t, v, prev)
		prev = v
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	s := openStore(t, config.Database{Driver: config.DriverSQLite}, "site-a", "site-b")
	ctx := context.Background()
	offers := domain.Namespace{SiteID: "site-a", Key: domain.TaskTypeOffer}
	jobs := domain.Namespace{SiteID: "site-a", Key: domain.TaskTypeJob}
	otherSite := domain.Namespace{SiteID: "site-b", Key: domain.TaskTypeOffer}

	for i := 0; i < 3; i++ {
		_, err := s.Next(ctx, offers)
		require.NoError(t, err)
	}
	v, err := s.Next(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = s.Next(ctx, otherSite)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	last, err := s.Peek(ctx, offers)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	counters, err := s.List(ctx, "site-a")
	require.NoError(t, err)
	require.Len(t, counters, 2)
	assert.Equal(t, domain.TaskTypeJob, counters[0].Namespace)
	assert.Equal(t, domain.TaskTypeOffer, counters[1].Namespace)
}

func TestRolledBackAllocationLeavesGap(t *testing.T) {
	s := openStore(t, config.Database{Driver: config.DriverSQLite}, "site-a")
	ctx := context.Background()
	ns := domain.Namespace{SiteID: "site-a", Key: "INTERNO:5000"}

	_, err := s.Next(ctx, ns)
	require.NoError(t, err)

	tx, err := s.DB.BeginTxx(ctx, nil)
	require.NoError(t, err)
	v, err := SQL{}.Allocate(ctx, tx, ns)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	require.NoError(t, tx.Rollback())

	v, err = s.Next(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestPeekUnknownNamespace(t *testing.T) {
	s := openStore(t, config.Database{Driver: config.DriverSQLite}, "site-a")
	v, err := s.Peek(context.Background(), domain.Namespace{SiteID: "site-a", Key: domain.TaskTypeJob})
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestAllocateRejectsEmptyNamespace(t *testing.T) {
	s := openStore(t, config.Database{Driver: config.DriverSQLite}, "site-a")
	_, err := s.Next(context.Background(), domain.Namespace{SiteID: "site-a"})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = s.Next(context.Background(), domain.Namespace{Key: domain.TaskTypeJob})
	require.ErrorAs(t, err, &verr)
}

func TestPostgresConcurrentAllocations(t *testing.T) {
	dsn := os.Getenv("OPSBOARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OPSBOARD_TEST_POSTGRES_DSN not set")
	}
	conn, err := db.Open(db.Config{Database: config.Database{Driver: config.DriverPostgres, DSN: dsn, MaxOpenConns: 20}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	site := fmt.Sprintf("pg-site-%d", time.Now().UnixNano())
	ctx := context.Background()
	r := repo.New(conn)
	now := time.Now().UTC().Format(time.RFC3339)
	require.NoError(t, r.InsertOrganization(ctx, domain.Organization{ID: "pg-org", Name: "pg", CreatedAt: now}))
	require.NoError(t, r.InsertSite(ctx, domain.Site{ID: site, OrganizationID: "pg-org", Name: site, CreatedAt: now}))

	s := NewStore(conn)
	values := allocateConcurrently(t, s, domain.Namespace{SiteID: site, Key: domain.TaskTypeJob}, 100)
	seen := map[int64]bool{}
	for _, v := range values {
		assert.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true
	}
}
