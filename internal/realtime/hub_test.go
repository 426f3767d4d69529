package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protfolio666/GapOpsHub-sub000/internal/auth"
	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

type fakeGaps struct {
	gaps map[int64]*core.Gap
}

func (f *fakeGaps) GetGap(_ context.Context, id int64) (*core.Gap, error) {
	g, ok := f.gaps[id]
	if !ok {
		return nil, core.Ef(core.KindNotFound, "gap %d not found", id)
	}
	return g, nil
}

type fakeRoster struct {
	members map[int64]map[int64]bool
}

func (f *fakeRoster) IsGapPoc(_ context.Context, gapID, userID int64) (bool, error) {
	return f.members[gapID][userID], nil
}

func testHub() (*Hub, *fakeGaps, *fakeRoster) {
	gaps := &fakeGaps{gaps: map[int64]*core.Gap{
		42: {ID: 42, GapID: "GAP-0042", ReporterID: 3},
	}}
	roster := &fakeRoster{members: map[int64]map[int64]bool{}}
	return NewHub(auth.NewScope(roster), gaps), gaps, roster
}

func testClient(h *Hub, user *core.User) *Client {
	c := &Client{
		hub:  h,
		user: user,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	return c
}

func drain(t *testing.T, c *Client) []envelope {
	t.Helper()
	var out []envelope
	for {
		select {
		case raw := <-c.send:
			var e envelope
			require.NoError(t, json.Unmarshal(raw, &e))
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRegisterJoinsUserRoom(t *testing.T) {
	h, _, _ := testHub()
	c := testClient(h, &core.User{ID: 9, Role: core.RoleAdmin})

	assert.Equal(t, 1, h.ClientCount())
	assert.Equal(t, 1, h.RoomSize("user-9"))

	h.ToUser(9, "poc-comment-notification", map[string]string{"x": "y"})
	msgs := drain(t, c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "poc-comment-notification", msgs[0].Event)
}

func TestJoinGapAppliesReadScope(t *testing.T) {
	h, _, roster := testHub()
	admin := testClient(h, &core.User{ID: 1, Role: core.RoleAdmin})
	stranger := testClient(h, &core.User{ID: 5, Role: core.RolePOC})

	require.NoError(t, h.JoinGap(context.Background(), admin, 42))
	err := h.JoinGap(context.Background(), stranger, 42)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindForbidden))
	assert.Equal(t, 1, h.RoomSize("gap-42"))

	// Rostered POCs may join.
	roster.members[42] = map[int64]bool{5: true}
	require.NoError(t, h.JoinGap(context.Background(), stranger, 42))
	assert.Equal(t, 2, h.RoomSize("gap-42"))
}

type fakeClientObserver struct {
	connected int
}

func (o *fakeClientObserver) SocketConnected() { o.connected++ }

func (o *fakeClientObserver) SocketDisconnected() { o.connected-- }

func TestClientGaugeTracksRegistrations(t *testing.T) {
	h, _, _ := testHub()
	obs := &fakeClientObserver{}
	h.SetObserver(obs)

	a := testClient(h, &core.User{ID: 1, Role: core.RoleAdmin})
	b := testClient(h, &core.User{ID: 2, Role: core.RoleManagement})
	assert.Equal(t, 2, obs.connected)

	h.unregister(a)
	h.unregister(a) // second unregister is a no-op
	assert.Equal(t, 1, obs.connected)

	h.unregister(b)
	assert.Equal(t, 0, obs.connected)
}

func TestBroadcastReachesOnlyRoomMembers(t *testing.T) {
	h, _, _ := testHub()
	member := testClient(h, &core.User{ID: 1, Role: core.RoleAdmin})
	outsider := testClient(h, &core.User{ID: 2, Role: core.RoleManagement})

	require.NoError(t, h.JoinGap(context.Background(), member, 42))
	h.ToGap(42, "gap:updated", map[string]interface{}{"status": "assigned"})

	assert.Len(t, drain(t, member), 1)
	assert.Empty(t, drain(t, outsider))
}

func TestLeaveGapStopsDelivery(t *testing.T) {
	h, _, _ := testHub()
	c := testClient(h, &core.User{ID: 1, Role: core.RoleAdmin})

	require.NoError(t, h.JoinGap(context.Background(), c, 42))
	h.LeaveGap(c, 42)
	h.ToGap(42, "gap:updated", nil)

	assert.Empty(t, drain(t, c))
	assert.Equal(t, 0, h.RoomSize("gap-42"))
}

func TestUnregisterRemovesFromAllRooms(t *testing.T) {
	h, _, _ := testHub()
	c := testClient(h, &core.User{ID: 1, Role: core.RoleAdmin})
	require.NoError(t, h.JoinGap(context.Background(), c, 42))

	h.unregister(c)
	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.RoomSize("gap-42"))
	assert.Equal(t, 0, h.RoomSize("user-1"))
}

func TestFullBufferDropsFrame(t *testing.T) {
	h, _, _ := testHub()
	c := &Client{
		hub:  h,
		user: &core.User{ID: 1, Role: core.RoleAdmin},
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	h.register(c)

	h.ToUser(1, "gap:updated", nil)
	h.ToUser(1, "gap:updated", nil) // dropped, must not block
	assert.Len(t, c.send, 1)
}
