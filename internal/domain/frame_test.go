package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeadersGet(t *testing.T) {
	h := Headers{{"type", "event"}, {"sum", "3"}, {"type", "pong"}}

	v, ok := h.Get("type")
	assert.True(t, ok)
	assert.Equal(t, "event", v, "first match wins")

	_, ok = h.Get("missing")
	assert.False(t, ok)
}

func TestHeadersGetInt(t *testing.T) {
	h := Headers{{"sum", "3"}, {"seq", "-1"}, {"bad", "x1"}, {"empty", ""}, {"plus", "+3"}, {"huge", "4294967296"}}

	n, ok := h.GetInt("sum")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	for _, key := range []string{"seq", "bad", "empty", "plus", "huge", "missing"} {
		_, ok := h.GetInt(key)
		assert.False(t, ok, key)
	}
}

func TestHeadersGetUint64(t *testing.T) {
	h := Headers{{"id", "18446744073709551615"}, {"neg", "-4"}}
	n, ok := h.GetUint64("id")
	assert.True(t, ok)
	assert.Equal(t, uint64(18446744073709551615), n)
	_, ok = h.GetUint64("neg")
	assert.False(t, ok)
}

func TestHeadersSetAndClone(t *testing.T) {
	var h Headers
	h.Set("type", "event")
	h.Set("type", "data")
	h.Add("trace_id", "t1")
	assert.Len(t, h, 2)
	v, _ := h.Get("type")
	assert.Equal(t, "data", v)

	c := h.Clone()
	c.Set("type", "card")
	v, _ = h.Get("type")
	assert.Equal(t, "data", v, "clone must not alias")
	assert.Nil(t, Headers(nil).Clone())
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "control", MethodControl.String())
	assert.Equal(t, "data", MethodData.String())
	assert.Equal(t, "unknown(7)", Method(7).String())
}

func TestNewPingFrame(t *testing.T) {
	f := NewPingFrame(42, []byte(`{}`))
	assert.Equal(t, MethodControl, f.Method)
	assert.Equal(t, int32(42), f.Service)
	typ, ok := f.Type()
	assert.True(t, ok)
	assert.Equal(t, TypePing, typ)
}

func TestConnectionSettingsApply(t *testing.T) {
	base := ConnectionSettings{
		ReconnectCount:    -1,
		ReconnectInterval: 2 * time.Minute,
		ReconnectNonce:    30 * time.Second,
		PingInterval:      2 * time.Minute,
	}

	got := base.Apply(ClientConfig{ReconnectCount: 3, PingInterval: 10})
	assert.Equal(t, 3, got.ReconnectCount)
	assert.Equal(t, 10*time.Second, got.PingInterval)
	assert.Equal(t, 2*time.Minute, got.ReconnectInterval, "zero leaves value untouched")
	assert.Equal(t, 30*time.Second, got.ReconnectNonce)

	got = base.Apply(ClientConfig{ReconnectInterval: 5, ReconnectNonce: 1})
	assert.Equal(t, -1, got.ReconnectCount)
	assert.Equal(t, 5*time.Second, got.ReconnectInterval)
	assert.Equal(t, time.Second, got.ReconnectNonce)

	got = base.Apply(ClientConfig{PingInterval: 9300000000, ReconnectInterval: 9300000000, ReconnectNonce: 86401})
	assert.Equal(t, base, got, "out-of-range intervals are ignored")

	got = base.Apply(ClientConfig{PingInterval: 86400})
	assert.Equal(t, MaxServerInterval, got.PingInterval)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}
