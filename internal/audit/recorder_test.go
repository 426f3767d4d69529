package audit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

type fakeAppender struct {
	rows []*core.AuditLog
	fail bool
}

func (f *fakeAppender) AppendAuditLog(_ context.Context, e *core.AuditLog) error {
	if f.fail {
		return fmt.Errorf("db down")
	}
	f.rows = append(f.rows, e)
	return nil
}

func TestRecordRedactsBeforePersisting(t *testing.T) {
	app := &fakeAppender{}
	rec := NewRecorder(app)

	actor := int64(1)
	rec.Record(context.Background(), Entry{
		ActorID:    &actor,
		Action:     ActionRegisterUser,
		EntityType: "user",
		EntityID:   "7",
		Changes: core.JSONMap{
			"email":    "a@b.co",
			"password": "hunter22",
			"profile":  map[string]interface{}{"api_key": "sk-123", "name": "A"},
		},
	})

	require.Len(t, app.rows, 1)
	changes := app.rows[0].Changes
	assert.Equal(t, "[REDACTED]", changes["password"])
	assert.Equal(t, "a@b.co", changes["email"])
	nested := changes["profile"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", nested["api_key"])
	assert.Equal(t, "A", nested["name"])
}

func TestRecordSwallowsAppendFailure(t *testing.T) {
	rec := NewRecorder(&fakeAppender{fail: true})
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), Entry{Action: ActionLogin, EntityType: "user", EntityID: "1"})
	})
}

func TestRedactNilPassthrough(t *testing.T) {
	assert.Nil(t, Redact(nil))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r))
}

func TestFromRequestCapturesSource(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/gaps", nil)
	r.RemoteAddr = "192.0.2.4:9999"
	r.Header.Set("User-Agent", "gapops-cli/1.0")

	actor := int64(3)
	e := FromRequest(r, &actor, ActionCreateGap, "gap", "12", nil)
	assert.Equal(t, "192.0.2.4", e.SourceIP)
	assert.Equal(t, "gapops-cli/1.0", e.UserAgent)
	assert.Equal(t, ActionCreateGap, e.Action)
	assert.Equal(t, "12", e.EntityID)
}
