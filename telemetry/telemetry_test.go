package telemetry

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelB()
	assert.Equal(t, 2, h.Subscribers())

	h.Publish(Event{Kind: KindCycle, Cycle: 1})
	ea, eb := <-a, <-b
	assert.EqualValues(t, 1, ea.Cycle)
	assert.EqualValues(t, 1, eb.Cycle)
	assert.False(t, ea.Time.IsZero())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe()
	defer cancel()
	for i := 0; i < subscriberDepth+5; i++ {
		h.Publish(Event{Kind: KindCycle})
	}
	assert.EqualValues(t, 5, h.Dropped())
}

func TestWebsocketStream(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(WebsocketHandler{Hub: h})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, time.Millisecond)
	h.Publish(Event{Kind: KindState, State: "running"})

	var e Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, "running", e.State)

	conn.Close()
	require.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, time.Millisecond)
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu  sync.Mutex
	got []published
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, published{topic, retained, payload.([]byte)})
	return doneToken{}
}

func (f *fakeClient) Disconnect(uint) {}

func (f *fakeClient) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

func TestMQTTForward(t *testing.T) {
	fc := &fakeClient{}
	m := &MQTT{cfg: MQTTConfig{Topic: "lab/iris"}, client: fc, log: zap.NewNop()}
	h := NewHub()
	stop := m.Forward(h)

	h.Publish(Event{Kind: KindState, State: "idle"})
	h.Publish(Event{Kind: KindCycle, Cycle: 7})
	require.Eventually(t, func() bool { return len(fc.published()) == 2 }, time.Second, time.Millisecond)
	stop()

	got := fc.published()
	assert.Equal(t, "lab/iris/state", got[0].topic)
	assert.True(t, got[0].retained)
	assert.Equal(t, "lab/iris/cycle", got[1].topic)
	assert.False(t, got[1].retained)

	var e Event
	require.NoError(t, json.Unmarshal(got[1].payload, &e))
	assert.EqualValues(t, 7, e.Cycle)
}
