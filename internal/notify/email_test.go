package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliveryObserver struct {
	outcomes []string
}

func (o *fakeDeliveryObserver) ObserveEmail(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

func TestRelayClientCountsDeliveries(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewRelayClient(srv.URL, "key", "noreply@example.com")
	obs := &fakeDeliveryObserver{}
	c.SetObserver(obs)

	msg := Message{To: []string{"poc@example.com"}, Subject: "assigned", HTML: "<p>hi</p>"}
	require.NoError(t, c.Send(context.Background(), msg))

	status = http.StatusBadGateway
	require.Error(t, c.Send(context.Background(), msg))

	assert.Equal(t, []string{"sent", "failed"}, obs.outcomes)
}

func TestRelayClientSkipsEmptyRecipients(t *testing.T) {
	c := NewRelayClient("http://relay.invalid", "key", "noreply@example.com")
	obs := &fakeDeliveryObserver{}
	c.SetObserver(obs)

	require.NoError(t, c.Send(context.Background(), Message{Subject: "nobody"}))
	assert.Empty(t, obs.outcomes)
}
