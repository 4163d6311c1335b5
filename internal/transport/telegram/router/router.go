package router

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "drawbot/internal/runtime/supervisor"
	kit "drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline buttons whose data is "<action>:<payload>".
type CallbackRoute struct {
	Action  string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.Recipient
	FromID  int64
	Command string
	Args    []string
	Payload string
	ReqID   string

	Sender kit.Sender
	Logger logx.Logger
}

// Reply sends text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.Sender.SendText(ctx, r.Chat, text, opt)
	return err
}

// Router parses command updates and runs handlers on a bounded worker pool.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter

	mu        sync.RWMutex
	commands  map[string]Command
	aliases   map[string]string
	callbacks map[string]CallbackRoute
	admins    map[int64]struct{}

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, admins []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		commands:  map[string]Command{},
		aliases:   map[string]string{},
		callbacks: map[string]CallbackRoute{},
		jobs:      make(chan func(), 256),
	}
	r.SetAdmins(admins)
	return r
}

// SetAdmins replaces the admin list. Safe during hot reload.
func (r *Router) SetAdmins(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.admins = set
	r.mu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.admins[id]
	return ok
}

// SetRegistry installs commands and callback routes. A /help command is always added.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) {
	helpCmd := Command{
		Name:        "help",
		Description: "show available commands",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(), &kit.SendOptions{DisablePreview: true})
		},
	}
	cmds = append(cmds, helpCmd)

	commands := map[string]Command{}
	aliases := map[string]string{}
	for _, c := range cmds {
		name := normalize(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		commands[name] = c
		for _, a := range c.Aliases {
			if a = normalize(a); a != "" && a != name {
				aliases[a] = name
			}
		}
	}
	callbacks := map[string]CallbackRoute{}
	for _, cb := range cbs {
		if a := strings.TrimSpace(cb.Action); a != "" && cb.Handle != nil {
			callbacks[a] = cb
		}
	}

	r.mu.Lock()
	r.commands = commands
	r.aliases = aliases
	r.callbacks = callbacks
	r.mu.Unlock()
}

// Commands lists registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Router) helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.Commands() {
		b.WriteString("/")
		b.WriteString(c.Name)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		if c.Access == AccessAdminOnly {
			b.WriteString(" (admin)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

func (r *Router) runJob(job func()) {
	if job == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) enqueue(fn func()) bool {
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Route turns one update into a queued handler call.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCommand:
		r.routeCommand(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeCommand(ctx context.Context, up kit.Update) {
	fields := strings.Fields(up.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	word := normalize(fields[0])
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	if target, ok := r.aliases[word]; ok {
		word = target
	}
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		// groups see every bot command; stay quiet there
		if !up.IsGroup {
			_, _ = r.adapter.SendText(ctx, up.ChatID, "unknown command, try /help", nil)
		}
		return
	}
	if cmd.Access == AccessAdminOnly && !r.isAdmin(up.FromID) {
		_, _ = r.adapter.SendText(ctx, up.ChatID, "unauthorized", nil)
		return
	}

	req := r.newRequest(up, cmd.Name)
	req.Args = fields[1:]
	final := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(cmd.Timeout))
	if !r.enqueue(func() { _ = final(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, up.ChatID, "busy, try again", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	action, payload, _ := strings.Cut(strings.TrimSpace(up.Text), ":")

	r.mu.RLock()
	route, ok := r.callbacks[action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, up.CallbackID, "")
		return
	}
	if route.Access == AccessAdminOnly && !r.isAdmin(up.FromID) {
		_ = r.adapter.AnswerCallback(ctx, up.CallbackID, "forbidden")
		return
	}

	req := r.newRequest(up, "cb:"+action)
	req.Payload = payload
	h := func(ctx context.Context, req *Request) error { return route.Handle(ctx, req, payload) }
	final := Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(route.Timeout))
	if !r.enqueue(func() {
		_ = final(ctx, req)
		// stops the button's loading spinner
		_ = r.adapter.AnswerCallback(ctx, up.CallbackID, "")
	}) {
		_ = r.adapter.AnswerCallback(ctx, up.CallbackID, "busy")
	}
}

func (r *Router) newRequest(up kit.Update, command string) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update:  up,
		Chat:    up.ChatID,
		FromID:  up.FromID,
		Command: command,
		ReqID:   rid,
		Sender:  r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", int64(up.ChatID)),
			logx.Int64("from_id", up.FromID),
			logx.String("cmd", command),
		),
	}
}

func (c Command) String() string { return fmt.Sprintf("/%s", c.Name) }
