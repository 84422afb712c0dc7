package rpc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmesh/overlay/connmgr"
	"github.com/netmesh/overlay/hello"
	"github.com/netmesh/overlay/identity"
	"github.com/netmesh/overlay/log"
	"github.com/netmesh/overlay/metrics"
	"github.com/netmesh/overlay/scheduler"
	"github.com/netmesh/overlay/transport"
)

// loopbackPlugin wires two Managers' Send/Deliver together without a real
// network, mirroring connmgr's own mockPlugin test fixture.
type loopbackPlugin struct {
	mu     sync.Mutex
	target *connmgr.Manager
	self   identity.ID
}

func (p *loopbackPlugin) ProtocolID() uint16                     { return 77 }
func (p *loopbackPlugin) MTU() uint32                            { return 4096 }
func (p *loopbackPlugin) Cost() uint32                           { return 1 }
func (p *loopbackPlugin) VerifyHello(hello.Hello) error          { return nil }
func (p *loopbackPlugin) CreateHello() (uint16, uint32, []byte, error) {
	return 77, 4096, []byte("loopback"), nil
}
func (p *loopbackPlugin) Connect(ctx context.Context, h hello.Hello) (transport.Handle, error) {
	return h.Subject, nil
}
func (p *loopbackPlugin) Send(session transport.Handle, b []byte, encrypted bool) error {
	p.mu.Lock()
	target, self := p.target, p.self
	p.mu.Unlock()
	if target != nil {
		target.Deliver(self, b)
	}
	return nil
}
func (p *loopbackPlugin) SendReliable(session transport.Handle, b []byte, encrypted bool) error {
	return p.Send(session, b, encrypted)
}
func (p *loopbackPlugin) Associate(transport.Handle)          {}
func (p *loopbackPlugin) Disconnect(transport.Handle)         {}
func (p *loopbackPlugin) StartServer() error                  { return nil }
func (p *loopbackPlugin) StopServer() error                   { return nil }
func (p *loopbackPlugin) AddressToString(hello.Hello) string { return "loopback" }

// pair builds two connmgr.Managers (and their rpc.Clients) wired so that
// sends on one are delivered directly to the other, as peer "a" and "b".
func pair(t *testing.T, clk scheduler.Clock) (clientA, clientB *Client, idA, idB identity.ID) {
	t.Helper()
	logger := log.New(io.Discard, log.LevelError)
	regA, regB := metrics.NewRegistry(), metrics.NewRegistry()

	idA = identity.FromLegacyDigest([20]byte{1})
	idB = identity.FromLegacyDigest([20]byte{2})

	cfg := connmgr.Config{MaxSessions: 8, IdleTimeout: time.Hour, SweepPeriod: time.Hour}
	mgrA := connmgr.New(cfg, clk, logger, regA)
	mgrB := connmgr.New(cfg, clk, logger, regB)
	t.Cleanup(mgrA.Close)
	t.Cleanup(mgrB.Close)

	pluginAtoB := &loopbackPlugin{target: mgrB, self: idA}
	pluginBtoA := &loopbackPlugin{target: mgrA, self: idB}

	_, err := mgrA.Connect(context.Background(), pluginAtoB, hello.Hello{Subject: idB}, []byte("shared"))
	require.NoError(t, err)
	_, err = mgrB.Connect(context.Background(), pluginBtoA, hello.Hello{Subject: idA}, []byte("shared"))
	require.NoError(t, err)

	schA := scheduler.New(clk, logger)
	schB := scheduler.New(clk, logger)
	t.Cleanup(schA.Stop)
	t.Cleanup(schB.Stop)

	clientA = New(mgrA, schA, clk, logger, regA)
	clientB = New(mgrB, schB, clk, logger, regB)
	return clientA, clientB, idA, idB
}

func TestStartCompletesWithRegisteredSyncHandlerResult(t *testing.T) {
	clk := &scheduler.Simulated{}
	a, b, idA, idB := pair(t, clk)

	require.NoError(t, b.Register("echo", []Spec{{Name: "msg"}}, func(from identity.ID, params ParamList) (ParamList, error) {
		assert.True(t, from.Equal(idA))
		v, _ := params.Get("msg")
		return ParamList{{Name: "msg", Bytes: v}}, nil
	}))

	var mu sync.Mutex
	var gotStatus Status
	var gotResult ParamList
	a.Start(idB, "echo", ParamList{{Name: "msg", Bytes: []byte("hi")}}, []Spec{{Name: "msg"}}, time.Second, func(result ParamList, status Status) {
		mu.Lock()
		gotStatus, gotResult = status, result
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotResult != nil
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StatusOK, gotStatus)
	v, ok := gotResult.Get("msg")
	require.True(t, ok)
	assert.Equal(t, []byte("hi"), v)
}

func TestUnknownNameIsRejectedMalformed(t *testing.T) {
	clk := &scheduler.Simulated{}
	a, _, _, idB := pair(t, clk)

	var mu sync.Mutex
	var done bool
	var status Status
	a.Start(idB, "no-such-call", nil, nil, time.Second, func(result ParamList, s Status) {
		mu.Lock()
		done, status = true, s
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusMalformed, status)
}

func TestUnknownParamNameIsRejectedMalformed(t *testing.T) {
	clk := &scheduler.Simulated{}
	a, b, _, idB := pair(t, clk)

	require.NoError(t, b.Register("strict", []Spec{{Name: "k", Length: 4}}, func(from identity.ID, params ParamList) (ParamList, error) {
		return nil, nil
	}))

	var mu sync.Mutex
	var done bool
	var status Status
	a.Start(idB, "strict", ParamList{{Name: "unexpected", Bytes: []byte("x")}}, nil, time.Second, func(result ParamList, s Status) {
		mu.Lock()
		done, status = true, s
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusMalformed, status)
}

func TestStartTimesOutWhenNoHandlerReplies(t *testing.T) {
	clk := &scheduler.Simulated{}
	a, b, _, idB := pair(t, clk)

	block := make(chan struct{})
	require.NoError(t, b.RegisterAsync("never", nil, func(from identity.ID, params ParamList, reply func(ParamList, error)) {
		<-block // never replies within the test
	}))
	t.Cleanup(func() { close(block) })

	var mu sync.Mutex
	var done bool
	var status Status
	a.Start(idB, "never", nil, nil, 10*time.Millisecond, func(result ParamList, s Status) {
		mu.Lock()
		done, status = true, s
		mu.Unlock()
	})

	clk.Run(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StatusTimeout, status)
}

func TestStopIsIdempotentAfterCompletion(t *testing.T) {
	clk := &scheduler.Simulated{}
	a, b, _, idB := pair(t, clk)

	require.NoError(t, b.Register("fast", nil, func(from identity.ID, params ParamList) (ParamList, error) {
		return nil, nil
	}))

	var mu sync.Mutex
	var calls int
	h := a.Start(idB, "fast", nil, nil, time.Second, func(result ParamList, status Status) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)

	a.Stop(h)
	a.Stop(h)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "completion callback must fire exactly once")
}

func TestParamListGetAndValidate(t *testing.T) {
	params := ParamList{{Name: "a", Bytes: []byte("1234")}}
	v, ok := params.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1234"), v)

	_, ok = params.Get("missing")
	assert.False(t, ok)

	assert.NoError(t, Validate(params, []Spec{{Name: "a", Length: 4}}))
	assert.Error(t, Validate(params, []Spec{{Name: "a", Length: 5}}))
	assert.Error(t, Validate(ParamList{{Name: "unknown"}}, []Spec{{Name: "a"}}))
}
