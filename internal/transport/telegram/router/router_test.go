package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

type sent struct {
	to   kit.Recipient
	text string
}

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sent
	answered []string
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.Recipient, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to: to, text: text})
	return kit.MessageRef{ChatID: to, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) AnswerCallback(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

func startLoop(t *testing.T, r *Router) chan<- kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return updates
}

func TestRoutesCommandWithArgsAndAlias(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)
	got := make(chan *Request, 2)
	r.SetRegistry([]Command{{
		Name:    "start",
		Aliases: []string{"go"},
		Handle: func(_ context.Context, req *Request) error {
			got <- req
			return nil
		},
	}}, nil)
	updates := startLoop(t, r)

	updates <- kit.Update{Kind: kit.UpdateCommand, ChatID: 7, FromID: 1, Text: "/start@drawbot now"}
	updates <- kit.Update{Kind: kit.UpdateCommand, ChatID: 8, FromID: 1, Text: "/GO"}

	seen := map[kit.Recipient][]string{}
	for range 2 {
		select {
		case req := <-got:
			assert.Equal(t, "start", req.Command)
			assert.Len(t, req.ReqID, 8)
			seen[req.Chat] = req.Args
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	assert.Equal(t, []string{"now"}, seen[7])
	assert.Empty(t, seen[8])
}

func TestAdminOnlyCommandRejectsOthers(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{42})
	called := make(chan struct{}, 1)
	r.SetRegistry([]Command{{
		Name:   "status",
		Access: AccessAdminOnly,
		Handle: func(context.Context, *Request) error {
			called <- struct{}{}
			return nil
		},
	}}, nil)

	r.Route(context.Background(), kit.Update{Kind: kit.UpdateCommand, ChatID: 5, FromID: 9, Text: "/status"})
	assert.Equal(t, []string{"unauthorized"}, ad.texts())

	updates := startLoop(t, r)
	updates <- kit.Update{Kind: kit.UpdateCommand, ChatID: 5, FromID: 42, Text: "/status"}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("admin command not run")
	}
}

func TestUnknownCommandSilentInGroups(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)
	r.SetRegistry(nil, nil)

	r.Route(context.Background(), kit.Update{Kind: kit.UpdateCommand, ChatID: -100, Text: "/other", IsGroup: true})
	assert.Empty(t, ad.texts())

	r.Route(context.Background(), kit.Update{Kind: kit.UpdateCommand, ChatID: 3, Text: "/other"})
	assert.Equal(t, []string{"unknown command, try /help"}, ad.texts())
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)
	noop := func(context.Context, *Request) error { return nil }
	r.SetRegistry([]Command{
		{Name: "start", Description: "subscribe", Handle: noop},
		{Name: "status", Description: "engine state", Access: AccessAdminOnly, Handle: noop},
	}, nil)

	names := []string{}
	for _, c := range r.Commands() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"help", "start", "status"}, names)

	text := r.helpText()
	assert.Contains(t, text, "/start - subscribe")
	assert.Contains(t, text, "/status - engine state (admin)")
}

func TestCallbackSplitsActionAndPayload(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)
	payloads := make(chan string, 1)
	r.SetRegistry(nil, []CallbackRoute{{
		Action: "join",
		Handle: func(_ context.Context, _ *Request, payload string) error {
			payloads <- payload
			return nil
		},
	}})
	updates := startLoop(t, r)

	updates <- kit.Update{Kind: kit.UpdateCallback, ChatID: 4, Text: "join:now", CallbackID: "cb1"}
	select {
	case p := <-payloads:
		assert.Equal(t, "now", p)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not routed")
	}
	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.answered) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMiddlewareRecoversPanicAndAppliesTimeout(t *testing.T) {
	t.Parallel()

	h := Chain(func(ctx context.Context, _ *Request) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		panic("boom")
	}, MWPanicRecover(logx.Nop()), MWRequestLog(logx.Nop()), MWTimeout(time.Second))

	err := h(context.Background(), &Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
