package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

type fakeRoster struct {
	members map[[2]int64]bool
}

func (f *fakeRoster) IsGapPoc(_ context.Context, gapID, userID int64) (bool, error) {
	return f.members[[2]int64{gapID, userID}], nil
}

func user(id int64, role core.Role) *core.User {
	return &core.User{ID: id, Role: role}
}

func TestCanReadGapByRole(t *testing.T) {
	roster := &fakeRoster{members: map[[2]int64]bool{{10, 4}: true}}
	scope := NewScope(roster)
	assignee := int64(7)
	gap := &core.Gap{ID: 10, ReporterID: 3, AssignedToID: &assignee}
	ctx := context.Background()

	cases := []struct {
		name string
		user *core.User
		want bool
	}{
		{"admin sees all", user(1, core.RoleAdmin), true},
		{"management sees all", user(2, core.RoleManagement), true},
		{"reporter sees own", user(3, core.RoleQAOps), true},
		{"other qa_ops blocked", user(9, core.RoleQAOps), false},
		{"assigned poc sees", user(7, core.RolePOC), true},
		{"rostered poc sees", user(4, core.RolePOC), true},
		{"unrelated poc blocked", user(5, core.RolePOC), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := scope.CanReadGap(ctx, tc.user, gap)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestRequireReadGapForbidden(t *testing.T) {
	scope := NewScope(&fakeRoster{})
	err := scope.RequireReadGap(context.Background(), user(5, core.RolePOC), &core.Gap{ID: 1, ReporterID: 2})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindForbidden))
}

func TestRequireRole(t *testing.T) {
	assert.NoError(t, RequireRole(user(1, core.RoleAdmin), core.RoleAdmin, core.RoleManagement))
	err := RequireRole(user(1, core.RoleQAOps), core.RoleAdmin)
	assert.True(t, core.IsKind(err, core.KindForbidden))
}

func TestSessionCookieRoundTrip(t *testing.T) {
	sessions := NewSessions("test-secret", NewMemorySessionStore(), time.Hour, false)

	rec := httptest.NewRecorder()
	require.NoError(t, sessions.Issue(context.Background(), rec, 42))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	userID, err := sessions.Resolve(r)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTamperedCookieRejected(t *testing.T) {
	sessions := NewSessions("test-secret", NewMemorySessionStore(), time.Hour, false)

	rec := httptest.NewRecorder()
	require.NoError(t, sessions.Issue(context.Background(), rec, 42))
	c := rec.Result().Cookies()[0]
	last := c.Value[len(c.Value)-1]
	flipped := byte('a')
	if last == 'a' {
		flipped = 'b'
	}
	c.Value = c.Value[:len(c.Value)-1] + string(flipped)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(c)
	_, err := sessions.Resolve(r)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))
}

func TestRevokedSessionNoLongerResolves(t *testing.T) {
	sessions := NewSessions("test-secret", NewMemorySessionStore(), time.Hour, false)

	rec := httptest.NewRecorder()
	require.NoError(t, sessions.Issue(context.Background(), rec, 7))
	c := rec.Result().Cookies()[0]

	r := httptest.NewRequest(http.MethodPost, "/logout", nil)
	r.AddCookie(c)
	sessions.Revoke(context.Background(), httptest.NewRecorder(), r)

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.AddCookie(c)
	_, err := sessions.Resolve(r2)
	assert.True(t, core.IsKind(err, core.KindUnauthenticated))
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemorySessionStore()
	require.NoError(t, store.Put(context.Background(), "sid", 1, -time.Second))
	_, err := store.Get(context.Background(), "sid")
	assert.Error(t, err)
}

func TestPasswordHashAndCheck(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "correct horse battery"))
	assert.False(t, CheckPassword(hash, "wrong"))

	_, err = HashPassword("short")
	assert.True(t, core.IsKind(err, core.KindInvalid))
}
