package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/klinika/klinika/internal/shared"
)

// memStore mirrors the replace semantics of PostgresStore in memory.
type memStore struct {
	mu   sync.Mutex
	rows map[Role]map[Permission]time.Time
	gets int
	sets int
	fail error
	// commitThenFail applies the write and still reports fail.
	commitThenFail bool
	getErr         error
	afterRead      func(Role)
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[Role]map[Permission]time.Time)}
}

func (m *memStore) SetRolePermissions(ctx context.Context, role Role, perms PermissionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.fail != nil && !m.commitThenFail {
		return m.fail
	}
	rows := make(map[Permission]time.Time, perms.Len())
	for _, p := range perms.Slice() {
		rows[p] = time.Now()
	}
	m.rows[role] = rows
	return m.fail
}

func (m *memStore) GetRolePermissions(ctx context.Context, role Role) (PermissionSet, error) {
	m.mu.Lock()
	m.gets++
	if m.getErr != nil {
		err := m.getErr
		m.mu.Unlock()
		return PermissionSet{}, err
	}
	perms := make([]Permission, 0, len(m.rows[role]))
	for p := range m.rows[role] {
		perms = append(perms, p)
	}
	hook := m.afterRead
	m.mu.Unlock()
	if hook != nil {
		hook(role)
	}
	return NewPermissionSet(perms...), nil
}

func (m *memStore) RolesWithPermission(ctx context.Context, perm Permission) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for role, rows := range m.rows {
		if _, ok := rows[perm]; ok {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) ListAssignments(ctx context.Context) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []Assignment
	for role, rows := range m.rows {
		for p, at := range rows {
			out = append(out, Assignment{Role: role, Permission: p, CreatedAt: at, UpdatedAt: at})
		}
	}
	return out, nil
}

func (m *memStore) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func (m *memStore) seed(role Role, perms ...Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make(map[Permission]time.Time, len(perms))
	for _, p := range perms {
		rows[p] = time.Now()
	}
	m.rows[role] = rows
}

type countingRecorder struct {
	mu              sync.Mutex
	allowed, denied int
	hits, misses    int
}

func (c *countingRecorder) AuthzDecision(allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if allowed {
		c.allowed++
	} else {
		c.denied++
	}
}

func (c *countingRecorder) AuthzCache(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

var errStoreDown = errors.New("store down")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := NewService(store, MustLoadCatalog(), ServiceConfig{Logger: discardLogger()})
	require.NoError(t, err)
	return svc
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

// sessionFor issues a stored session carrying the given principal.
func sessionFor(t *testing.T, userID, role string) *shared.Session {
	t.Helper()
	client, _ := newRedis(t)
	sessions := shared.NewSessionManager(client, "session-secret", "klinika_session", time.Hour, false)
	sess, err := sessions.Issue(context.Background(), userID, role)
	require.NoError(t, err)
	return sess
}
