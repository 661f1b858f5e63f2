package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/session"
	"github.com/ricochet1k/concordia/internal/storage"
)

type historyStub struct {
	mu      sync.Mutex
	prompts []domain.PromptItem
	batches []domain.Batch
}

func (h *historyStub) RecordPrompt(_ context.Context, _ string, item domain.PromptItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompts = append(h.prompts, item)
	return nil
}

func (h *historyStub) RecordBatch(_ context.Context, _ string, b domain.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, b)
	return nil
}

func (h *historyStub) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.prompts), len(h.batches)
}

type partyFixture struct {
	party    *Party
	handle   *echoHandle
	launches *atomic.Int32
	history  *historyStub
	cancel   context.CancelFunc
	done     chan error
}

func startParty(t *testing.T, handle *echoHandle, mutate func(*PartyConfig)) *partyFixture {
	t.Helper()
	proto, err := session.NewProtocol(session.ProtocolConfig{Name: session.ProtocolMarker, EndMarker: "<<END>>"})
	require.NoError(t, err)

	if handle == nil {
		handle = newEchoHandle("<<END>>", "step 1 done", "step 2 done")
	}
	f := &partyFixture{
		handle:   handle,
		launches: &atomic.Int32{},
		history:  &historyStub{},
		done:     make(chan error, 1),
	}
	cfg := PartyConfig{
		ID:         "party-e2e",
		WorkingDir: t.TempDir(),
		MainUser:   "alice",
		Session: session.Config{
			Protocol:     proto,
			StartupGrace: 10 * time.Millisecond,
			StopTimeout:  50 * time.Millisecond,
		},
		Launcher: session.LaunchFunc(func(context.Context, string) (session.Handle, error) {
			f.launches.Add(1)
			return f.handle, nil
		}),
		WriteTimeout: time.Second,
		Merger:       joinTexts("combined steps: "),
		DedupeWindow: 100 * time.Millisecond,
		MinPrompts:   2,
		PollInterval: 10 * time.Millisecond,
		History:      f.history,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.party = NewParty(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.party.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Error("party did not stop")
		}
	})

	require.Eventually(t, func() bool {
		return f.party.Supervisor().State() == domain.SessionStateReady
	}, 2*time.Second, 2*time.Millisecond)
	return f
}

func TestParty_MergesPromptsIntoOneWrite(t *testing.T) {
	f := startParty(t, nil, nil)
	p := f.party

	members := map[string]*participantStub{}
	for _, name := range []string{"alice", "bob", "chris"} {
		members[name] = &participantStub{}
		require.Equal(t, name, p.Join(name, members[name]))
	}

	require.NoError(t, p.Submit("alice", "A"))
	require.NoError(t, p.Submit("bob", "B"))
	require.NoError(t, p.Submit("chris", "C"))

	require.Eventually(t, func() bool { return len(f.handle.writeLog()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"combined steps: A, B, C\n"}, f.handle.writeLog())

	want := []string{"step 1 done", "step 2 done", "<<END>>"}
	for name, m := range members {
		require.Eventually(t, func() bool { return len(m.outputs()) == len(want) }, 2*time.Second, 5*time.Millisecond, name)
		assert.Equal(t, want, m.outputs(), name)
		batches := m.batches()
		require.Len(t, batches, 1, name)
		assert.Equal(t, []string{"alice", "bob", "chris"}, batches[0].Authors)
	}

	require.Eventually(t, func() bool {
		return p.Supervisor().State() == domain.SessionStateReady
	}, time.Second, 2*time.Millisecond)
	var sawBusy, sawDone bool
	for _, tr := range p.Supervisor().Status().Transitions {
		if tr.From == domain.SessionStateReady && tr.To == domain.SessionStateBusy {
			sawBusy = true
		}
		if tr.From == domain.SessionStateBusy && tr.To == domain.SessionStateReady {
			sawDone = true
		}
	}
	assert.True(t, sawBusy)
	assert.True(t, sawDone)

	// Nothing else gets written.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, f.handle.writeLog(), 1)
	assert.Equal(t, int32(1), f.launches.Load())

	require.Eventually(t, func() bool {
		prompts, batches := f.history.counts()
		return prompts == 3 && batches == 1
	}, time.Second, 5*time.Millisecond)
}

func TestParty_RejectsEmptyPrompt(t *testing.T) {
	f := startParty(t, nil, nil)
	err := f.party.Submit("bob", "   ")
	assert.ErrorIs(t, err, ErrPromptRejected)
	assert.Equal(t, 0, f.party.Status().Pending)
}

func TestParty_Status(t *testing.T) {
	f := startParty(t, nil, nil)
	f.party.Join("alice", &participantStub{})
	f.party.Join("bob", &participantStub{})
	require.NoError(t, f.party.Submit("bob", "only one"))

	st := f.party.Status()
	assert.Equal(t, "party-e2e", st.PartyID)
	assert.Equal(t, "ready", st.State)
	assert.True(t, st.Ready)
	assert.Equal(t, session.ProtocolMarker, st.Protocol)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, "alice", st.MainUser)
	assert.Equal(t, []string{"alice", "bob"}, st.Participants)
	assert.Zero(t, st.Subscribers)
	assert.Zero(t, st.WriteFailures)

	subscribe(f.party.Events(), "watcher")
	defer f.party.Events().Unsubscribe("watcher")
	assert.Equal(t, 1, f.party.Status().Subscribers)
}

func TestParty_JoinAnnouncementsReachEvents(t *testing.T) {
	f := startParty(t, nil, nil)
	sub := subscribe(f.party.Events(), "test", domain.EventTypeSystem)
	defer f.party.Events().Unsubscribe("test")

	f.party.Join("bob", &participantStub{})

	select {
	case ev := <-sub.Events:
		d, _ := ev.System()
		assert.Equal(t, "bob joined", d.Message)
	case <-time.After(time.Second):
		t.Fatal("expected a join notice")
	}
}

func TestParty_PersistsResumeTokenAndRecord(t *testing.T) {
	store, err := storage.NewJSONFileStorage(t.TempDir())
	require.NoError(t, err)

	handle := newEchoHandle(
		`{"type":"result","subtype":"success","session_id":"sess-9"}`,
		`{"type":"system","subtype":"init","session_id":"sess-9"}`,
	)
	f := startParty(t, handle, func(c *PartyConfig) {
		proto, err := session.NewProtocol(session.ProtocolConfig{Name: session.ProtocolStreamJSON})
		require.NoError(t, err)
		c.Session.Protocol = proto
		c.Tokens = store
		c.Records = store
		c.MinPrompts = 1
	})

	require.NoError(t, f.party.Submit("alice", "hello"))
	require.Eventually(t, func() bool {
		token, err := store.LoadResumeToken("party-e2e")
		return err == nil && token == "sess-9"
	}, 2*time.Second, 5*time.Millisecond)

	f.cancel()
	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("party did not stop")
	}
	f.done <- nil

	rec, err := store.Load("party-e2e")
	require.NoError(t, err)
	assert.Equal(t, "terminated", rec.State)
	assert.Equal(t, "sess-9", rec.ResumeToken)
}
