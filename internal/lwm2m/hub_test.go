package lwm2m

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) record(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingListener) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingListener) Registered(reg Registration, _ []Observation) {
	r.record("registered:" + reg.Endpoint)
}
func (r *recordingListener) Updated(_ RegistrationUpdate, updated Registration, _ Registration) {
	r.record("updated:" + updated.Endpoint)
}
func (r *recordingListener) Unregistered(reg Registration, _ []Observation, expired bool) {
	if expired {
		r.record("expired:" + reg.Endpoint)
		return
	}
	r.record("unregistered:" + reg.Endpoint)
}
func (r *recordingListener) Awake(reg Registration)    { r.record("awake:" + reg.Endpoint) }
func (r *recordingListener) Sleeping(reg Registration) { r.record("sleeping:" + reg.Endpoint) }
func (r *recordingListener) NewObservation(obs Observation, _ Registration) {
	r.record("observe:" + obs.Path)
}
func (r *recordingListener) Cancelled(obs Observation) { r.record("cancel:" + obs.Path) }
func (r *recordingListener) OnResponse(obs Observation, _ Registration, _ ObserveResponse) {
	r.record("response:" + obs.Path)
}
func (r *recordingListener) OnError(obs Observation, _ Registration, err error) {
	r.record("error:" + obs.Path + ":" + err.Error())
}

func TestRegistrationHub_Dispatch(t *testing.T) {
	var hub RegistrationHub
	a, b := &recordingListener{}, &recordingListener{}
	hub.AddListener(a)
	hub.AddListener(b)
	require.Equal(t, 2, hub.Len())

	reg := Registration{ID: "r1", Endpoint: "dev-1"}
	hub.FireRegistered(reg, nil)
	hub.FireUpdated(RegistrationUpdate{RegistrationID: "r1"}, reg, reg)
	hub.FireUnregistered(reg, nil, true)

	want := []string{"registered:dev-1", "updated:dev-1", "expired:dev-1"}
	assert.Equal(t, want, a.Events())
	assert.Equal(t, want, b.Events())
}

func TestRegistrationHub_RemoveListener(t *testing.T) {
	var hub RegistrationHub
	a, b := &recordingListener{}, &recordingListener{}
	hub.AddListener(a)
	hub.AddListener(b)

	hub.RemoveListener(a)
	hub.RemoveListener(&recordingListener{}) // unknown listener is ignored
	assert.Equal(t, 1, hub.Len())

	hub.FireRegistered(Registration{Endpoint: "dev-2"}, nil)
	assert.Empty(t, a.Events())
	assert.Equal(t, []string{"registered:dev-2"}, b.Events())
}

type selfRemovingListener struct {
	recordingListener
	hub *PresenceHub
}

func (s *selfRemovingListener) Awake(reg Registration) {
	s.recordingListener.Awake(reg)
	s.hub.RemoveListener(s)
}

func TestPresenceHub_ListenerRemovesItselfDuringDispatch(t *testing.T) {
	hub := &PresenceHub{}
	self := &selfRemovingListener{hub: hub}
	other := &recordingListener{}
	hub.AddListener(self)
	hub.AddListener(other)

	hub.FireAwake(Registration{Endpoint: "dev"})
	hub.FireSleeping(Registration{Endpoint: "dev"})

	assert.Equal(t, []string{"awake:dev"}, self.Events())
	assert.Equal(t, []string{"awake:dev", "sleeping:dev"}, other.Events())
	assert.Equal(t, 1, hub.Len())
}

func TestObservationHub_Dispatch(t *testing.T) {
	var hub ObservationHub
	l := &recordingListener{}
	hub.AddListener(l)

	obs := Observation{ID: "o1", Path: "/3/0/9"}
	reg := Registration{Endpoint: "dev"}
	hub.FireNewObservation(obs, reg)
	hub.FireResponse(obs, reg, ObserveResponse{Code: "2.05"})
	hub.FireError(obs, reg, errors.New("timeout"))
	hub.FireCancelled(obs)

	assert.Equal(t, []string{
		"observe:/3/0/9",
		"response:/3/0/9",
		"error:/3/0/9:timeout",
		"cancel:/3/0/9",
	}, l.Events())
}

type countingPresence struct{ n atomic.Int64 }

func (c *countingPresence) Awake(Registration)    { c.n.Add(1) }
func (c *countingPresence) Sleeping(Registration) { c.n.Add(1) }

func TestPresenceHub_ConcurrentUse(t *testing.T) {
	var hub PresenceHub
	counter := &countingPresence{}
	hub.AddListener(counter)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				hub.FireAwake(Registration{})
			}
		}()
		go func() {
			defer wg.Done()
			l := &countingPresence{}
			hub.AddListener(l)
			hub.RemoveListener(l)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), counter.n.Load())
	assert.Equal(t, 1, hub.Len())
}

type panickingListener struct{ recordingListener }

func (p *panickingListener) Registered(Registration, []Observation) { panic("listener bug") }
func (p *panickingListener) Awake(Registration)                     { panic(errors.New("listener bug")) }

func TestHubs_ListenerPanicIsIsolated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	var regs RegistrationHub
	var presence PresenceHub
	regs.SetLogger(zap.New(core))
	presence.SetLogger(zap.New(core))

	bad, good := &panickingListener{}, &recordingListener{}
	regs.AddListener(bad)
	regs.AddListener(good)
	presence.AddListener(bad)
	presence.AddListener(good)

	reg := Registration{ID: "r1", Endpoint: "dev-1"}
	require.NotPanics(t, func() {
		regs.FireRegistered(reg, nil)
		presence.FireAwake(reg)
	})

	assert.Equal(t, []string{"registered:dev-1", "awake:dev-1"}, good.Events())

	entries := logs.FilterMessage("Listener panicked").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "registered", entries[0].ContextMap()["event"])
	assert.Equal(t, "awake", entries[1].ContextMap()["event"])
}

func TestHubs_ListenerPanicWithoutLogger(t *testing.T) {
	var hub PresenceHub
	good := &recordingListener{}
	hub.AddListener(&panickingListener{})
	hub.AddListener(good)

	assert.NotPanics(t, func() { hub.FireAwake(Registration{Endpoint: "dev-2"}) })
	assert.Equal(t, []string{"awake:dev-2"}, good.Events())
}
