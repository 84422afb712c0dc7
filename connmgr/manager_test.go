package connmgr

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/netmesh/overlay/fragment"
	"github.com/netmesh/overlay/hello"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
	"github.com/netmesh/overlay/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPlugin is an in-memory transport.Plugin that loops sent frames
// straight back to a registered Manager, for exercising dispatch without a
// real network.
type mockPlugin struct {
	mu        sync.Mutex
	target    *Manager
	self      identity.ID
	sent      [][]byte
	disconnects int
	mtu       uint32 // 0 means the default 1400
}

func (p *mockPlugin) ProtocolID() uint16 { return 99 }
func (p *mockPlugin) MTU() uint32 {
	if p.mtu == 0 {
		return 1400
	}
	return p.mtu
}
func (p *mockPlugin) Cost() uint32       { return 1 }
func (p *mockPlugin) VerifyHello(hello.Hello) error { return nil }
func (p *mockPlugin) CreateHello() (uint16, uint32, []byte, error) {
	return 99, 1400, []byte("mock-addr"), nil
}
func (p *mockPlugin) Connect(ctx context.Context, h hello.Hello) (transport.Handle, error) {
	return h.Subject, nil
}
func (p *mockPlugin) Send(session transport.Handle, b []byte, encrypted bool) error {
	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), b...))
	p.mu.Unlock()
	if p.target != nil {
		p.target.Deliver(p.self, b)
	}
	return nil
}
func (p *mockPlugin) SendReliable(session transport.Handle, b []byte, encrypted bool) error {
	return p.Send(session, b, encrypted)
}
func (p *mockPlugin) Associate(transport.Handle) {}
func (p *mockPlugin) Disconnect(transport.Handle) {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
}
func (p *mockPlugin) StartServer() error { return nil }
func (p *mockPlugin) StopServer() error  { return nil }
func (p *mockPlugin) AddressToString(hello.Hello) string { return "mock" }

func newTestManager(t *testing.T, clk scheduler.Clock) (*Manager, identity.ID) {
	t.Helper()
	logger := log.New(io.Discard, log.LevelError)
	reg := metrics.NewRegistry()
	cfg := Config{
		MaxSessions:    8,
		IdleTimeout:    50 * time.Millisecond,
		SweepPeriod:    10 * time.Millisecond,
		BandwidthBps:   1 << 20,
		BandwidthBurst: 1 << 16,
	}
	m := New(cfg, clk, logger, reg)
	peer := identity.FromLegacyDigest([20]byte{1, 2, 3})
	return m, peer
}

func TestSendDispatchesToRegisteredHandler(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	received := make(chan Message, 1)
	require.NoError(t, m.RegisterHandler(MsgPing, func(from identity.ID, msg Message) {
		received <- msg
	}))

	plug := &mockPlugin{target: m, self: peer}
	_, err := m.openSession(peer, plug, peer, false, nil)
	require.NoError(t, err)

	require.NoError(t, m.Send(peer, MsgPing, []byte("hi"), ExtremePriority, time.Second))

	select {
	case msg := <-received:
		assert.Equal(t, []byte("hi"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestSendUnknownPeerErrors(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	err := m.Send(peer, MsgPing, []byte("hi"), ExtremePriority, time.Second)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSendDropsUnderHighLoadLowPriority(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	plug := &mockPlugin{target: m, self: peer}
	_, err := m.openSession(peer, plug, peer, false, nil)
	require.NoError(t, err)

	m.bw.used = m.bw.budget * 1.6 // force load to 160%, above the hard drop line
	m.bw.last = time.Now()

	require.NoError(t, m.Send(peer, MsgPing, []byte("low"), 1, time.Second))
	plug.mu.Lock()
	n := len(plug.sent)
	plug.mu.Unlock()
	assert.Equal(t, 0, n, "message at load>=150%% must be dropped regardless of priority")
}

// TestSendFragmentsOversizePayload realizes spec.md §4.4/§4.3: a payload
// whose encoded sub-message would exceed the session MTU is split via the
// fragmentation engine rather than forwarded whole, and every resulting
// wire frame decodes as its own MsgFragment sub-message reassembling back
// to the original encoded message.
func TestSendFragmentsOversizePayload(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	plug := &mockPlugin{self: peer, mtu: 64}
	_, err := m.openSession(peer, plug, peer, false, nil)
	require.NoError(t, err)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, m.Send(peer, MsgPing, payload, ExtremePriority, time.Second))

	plug.mu.Lock()
	sent := append([][]byte(nil), plug.sent...)
	plug.mu.Unlock()
	require.Greater(t, len(sent), 1, "an oversize message must split into multiple fragment frames")

	var total uint16
	pieces := make(map[uint16][]byte)
	for _, frame := range sent {
		assert.LessOrEqual(t, len(frame), int(plug.MTU()))
		msgs, err := DecodeSubMessages(frame)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, MsgFragment, msgs[0].Type)

		f, err := fragment.Decode(msgs[0].Payload)
		require.NoError(t, err)
		total = f.Total
		pieces[f.Offset] = f.Payload
	}

	out := make([]byte, total)
	for off, chunk := range pieces {
		copy(out[off:], chunk)
	}
	assert.Equal(t, encodeSubMessage(MsgPing, payload), out)
}

func TestChangeTrustSaturatesAtZero(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	assert.EqualValues(t, 0, m.ChangeTrust(peer, -5))
	assert.EqualValues(t, 3, m.ChangeTrust(peer, 3))
	assert.EqualValues(t, 0, m.ChangeTrust(peer, -10))
}

func TestIdleSessionEvicted(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	plug := &mockPlugin{target: m, self: peer}
	handle, err := m.openSession(peer, plug, peer, false, nil)
	require.NoError(t, err)
	require.True(t, handle.Valid())

	clk.Run(100 * time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for {
		if m.lookup(handle) == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was never evicted")
		}
		time.Sleep(time.Millisecond)
	}

	plug.mu.Lock()
	defer plug.mu.Unlock()
	assert.Equal(t, 1, plug.disconnects)
}

func TestAssociatePreventsEviction(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	plug := &mockPlugin{target: m, self: peer}
	handle, err := m.openSession(peer, plug, peer, false, nil)
	require.NoError(t, err)

	release := m.Associate(handle)
	clk.Run(200 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.NotNil(t, m.lookup(handle), "a referenced session must not be evicted")

	release()
}

func TestDuplicateHandlerRegistrationRejected(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, _ := newTestManager(t, clk)
	defer m.Close()

	require.NoError(t, m.RegisterHandler(MsgPing, func(identity.ID, Message) {}))
	err := m.RegisterHandler(MsgPing, func(identity.ID, Message) {})
	assert.ErrorIs(t, err, ErrHandlerExist)
}

func TestPreferenceDecaysOverTime(t *testing.T) {
	clk := &scheduler.Simulated{}
	m, peer := newTestManager(t, clk)
	defer m.Close()

	m.PreferTrafficFrom(peer, 10)
	first := m.Preference(peer)
	assert.InDelta(t, 10, first, 0.01)

	time.Sleep(10 * time.Millisecond)
	m.PreferTrafficFrom(peer, 0)
	second := m.Preference(peer)
	assert.Less(t, second, first)
}
