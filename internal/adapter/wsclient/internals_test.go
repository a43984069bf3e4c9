package wsclient

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larkstream/internal/domain"
)

func TestReconnectDelay(t *testing.T) {
	s := domain.ConnectionSettings{ReconnectInterval: 3 * time.Second, ReconnectNonce: 100 * time.Millisecond}

	for i := 0; i < 50; i++ {
		d := reconnectDelay(s, 1)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 100*time.Millisecond, "first attempt is jittered within the nonce window")
	}
	assert.Equal(t, 3*time.Second, reconnectDelay(s, 2))
	assert.Equal(t, 3*time.Second, reconnectDelay(s, 7))

	s.ReconnectInterval = 0
	for i := 0; i < 50; i++ {
		assert.Less(t, reconnectDelay(s, 5), 100*time.Millisecond)
	}

	assert.Equal(t, time.Duration(0), reconnectDelay(domain.ConnectionSettings{}, 1))
}

func TestAttemptsLeft(t *testing.T) {
	assert.True(t, attemptsLeft(domain.ConnectionSettings{ReconnectCount: -1}, 1_000_000))
	assert.False(t, attemptsLeft(domain.ConnectionSettings{ReconnectCount: 0}, 0))

	two := domain.ConnectionSettings{ReconnectCount: 2}
	assert.True(t, attemptsLeft(two, 0))
	assert.True(t, attemptsLeft(two, 1))
	assert.False(t, attemptsLeft(two, 2))
}

func TestClassifyDialError(t *testing.T) {
	dialErr := errors.New("expected handshake response status code 101")

	resp := func(status, msg string) *http.Response {
		r := &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{}}
		if status != "" {
			r.Header.Set(domain.HeaderHandshakeStatus, status)
			r.Header.Set(domain.HeaderHandshakeMsg, msg)
		}
		return r
	}

	assert.ErrorIs(t, classifyDialError(nil, dialErr), domain.ErrConnectivity)
	assert.ErrorIs(t, classifyDialError(resp("", ""), dialErr), domain.ErrConnectivity)
	assert.ErrorIs(t, classifyDialError(resp("403", "forbidden"), dialErr), domain.ErrClientError)
	assert.ErrorIs(t, classifyDialError(resp("514", "auth failed"), dialErr), domain.ErrClientError)
	assert.ErrorIs(t, classifyDialError(resp("500", "oops"), dialErr), domain.ErrServerError)
	assert.ErrorIs(t, classifyDialError(resp("x", "garbled"), dialErr), domain.ErrServerError)
}

func TestParseEndpointURL(t *testing.T) {
	id, svc, err := parseEndpointURL("wss://host/ws?device_id=abc&service_id=12&access_key=k")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, int32(12), svc)

	id, svc, err = parseEndpointURL("wss://host/ws")
	require.NoError(t, err)
	assert.Len(t, id, 26, "generated ulid")
	assert.Equal(t, int32(0), svc)

	_, _, err = parseEndpointURL("wss://host/ws?service_id=99999999999")
	assert.Error(t, err)

	_, _, err = parseEndpointURL("://bad")
	assert.Error(t, err)
}

func TestOutboxOrderAndClose(t *testing.T) {
	o := newOutbox()
	for i := uint64(1); i <= 3; i++ {
		require.True(t, o.push(&domain.Frame{SeqID: i}))
	}
	assert.Equal(t, 3, o.len())

	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		f, err := o.pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, f.SeqID)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := o.pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	o.push(&domain.Frame{})
	assert.Equal(t, 1, o.close())
	assert.False(t, o.push(&domain.Frame{}))
	assert.Equal(t, 0, o.len())
}

func TestOutboxWakesWaiter(t *testing.T) {
	o := newOutbox()
	got := make(chan uint64, 1)
	go func() {
		f, err := o.pop(context.Background())
		if err == nil {
			got <- f.SeqID
		}
	}()
	time.Sleep(10 * time.Millisecond)
	o.push(&domain.Frame{SeqID: 9})

	select {
	case id := <-got:
		assert.Equal(t, uint64(9), id)
	case <-time.After(time.Second):
		t.Fatal("pop was not woken")
	}
}

func TestAckFrame(t *testing.T) {
	in := fragment("m", 1, 0, "payload")
	in.SeqID = 5
	ack := ackFrame(in, http.StatusOK, 42*time.Millisecond)

	assert.Equal(t, uint64(5), ack.SeqID)
	assert.Equal(t, domain.MethodData, ack.Method)
	rt, _ := ack.Headers.Get(domain.HeaderBizRT)
	assert.Equal(t, "42", rt)
	assert.JSONEq(t, `{"code":200}`, string(ack.Payload))

	_, ok := in.Headers.Get(domain.HeaderBizRT)
	assert.False(t, ok, "inbound frame is not mutated")
	assert.Equal(t, "payload", string(in.Payload))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultSettings(), cfg.Settings)
	assert.Equal(t, DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, int64(DefaultMaxMessageSize), cfg.MaxMessageSize)
}
