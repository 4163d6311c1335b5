package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"drawbot/internal/delivery"
	"drawbot/internal/draw"
	"drawbot/internal/eventbus"
	"drawbot/internal/format"
	kit "drawbot/internal/transport"
	"drawbot/internal/transport/telegram/router"
	logx "drawbot/pkg/logx"
)

const (
	textStarted     = "✅ 开奖播报已启动，将实时推送最新开奖结果"
	textStartFailed = "❌ 启动开奖播报失败，请稍后再试"
	textStopped     = "✅ 开奖播报已停止"
	textStopFailed  = "❌ 停止开奖播报失败，请稍后再试"
)

var (
	btnStart = kit.Button{Text: "📊 开奖播报", Data: "broadcast:start"}
	btnStop  = kit.Button{Text: "🛑 停止播报", Data: "broadcast:stop"}
)

var errNoDraws = errors.New("no draw records available")

func (a *App) commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Aliases:     []string{"subscribe"},
			Description: "开始接收开奖播报",
			Access:      router.AccessEveryone,
			// the current result goes out with normal-mode retries
			Timeout: 2 * time.Minute,
			Handle: func(ctx context.Context, req *router.Request) error {
				return a.startBroadcast(ctx, req)
			},
		},
		{
			Name:        "stop",
			Aliases:     []string{"unsubscribe"},
			Description: "停止接收开奖播报",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				return a.stopBroadcast(ctx, req)
			},
		},
		{
			Name:        "status",
			Description: "系统状态",
			Access:      router.AccessAdminOnly,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, a.statusText(), &kit.SendOptions{DisablePreview: true})
			},
		},
	}
}

func (a *App) callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{
			Action:  "broadcast",
			Access:  router.AccessEveryone,
			Timeout: 2 * time.Minute,
			Handle: func(ctx context.Context, req *router.Request, payload string) error {
				switch payload {
				case "start":
					return a.startBroadcast(ctx, req)
				case "stop":
					return a.stopBroadcast(ctx, req)
				default:
					return fmt.Errorf("unknown broadcast action %q", payload)
				}
			},
		},
	}
}

// startBroadcast subscribes the chat and sends it the current result right away.
func (a *App) startBroadcast(ctx context.Context, req *router.Request) error {
	joined, err := a.registry.Join(ctx, req.Chat)
	if err != nil {
		req.Logger.Error("join failed", logx.Int64("chat_id", int64(req.Chat)), logx.Err(err))
		return req.Reply(ctx, textStartFailed, nil)
	}
	if joined {
		a.bus.Publish(eventbus.Event{Type: eventbus.RecipientJoined, Data: req.Chat})
		req.Logger.Info("broadcast started", logx.Int64("chat_id", int64(req.Chat)), logx.Int("active", a.registry.Len()))
	}

	if text, err := a.currentBroadcast(ctx); err != nil {
		req.Logger.Warn("current result unavailable", logx.Err(err))
	} else if out := a.deliverer.Deliver(ctx, req.Chat, text, delivery.ModeNormal); !out.OK() {
		req.Logger.Warn("current result not delivered", logx.Int64("chat_id", int64(req.Chat)), logx.Int("attempts", out.Attempts), logx.Err(out.Err))
	}

	return req.Reply(ctx, textStarted, &kit.SendOptions{Buttons: [][]kit.Button{{btnStop}}})
}

func (a *App) stopBroadcast(ctx context.Context, req *router.Request) error {
	left, err := a.registry.Leave(ctx, req.Chat)
	if err != nil {
		req.Logger.Error("leave failed", logx.Int64("chat_id", int64(req.Chat)), logx.Err(err))
		return req.Reply(ctx, textStopFailed, nil)
	}
	if left {
		a.bus.Publish(eventbus.Event{Type: eventbus.RecipientLeft, Data: req.Chat})
		req.Logger.Info("broadcast stopped", logx.Int64("chat_id", int64(req.Chat)), logx.Int("active", a.registry.Len()))
	}
	return req.Reply(ctx, textStopped, &kit.SendOptions{Buttons: [][]kit.Button{{btnStart}}})
}

// currentBroadcast renders the newest stored draw, fetching the feed when
// nothing is stored yet. The text goes through the same cache as the poller.
func (a *App) currentBroadcast(ctx context.Context) (string, error) {
	recs, err := a.store.RecentRecords(ctx, format.HistoryLines+1)
	if err != nil {
		return "", fmt.Errorf("recent records: %w", err)
	}
	if len(recs) == 0 {
		recs, err = a.source.FetchLatest(ctx)
		if err != nil {
			return "", err
		}
		if err := a.store.SaveRecords(ctx, recs); err != nil {
			a.log.Warn("persist records failed", logx.Err(err))
		}
	}
	latest, ok := draw.Newest(recs)
	if !ok {
		return "", errNoDraws
	}
	return a.cache.GetOrCompute(latest, func(r draw.Record) (string, error) {
		return format.Broadcast(r, recs), nil
	}, a.settingsNow().Broadcast.CacheTTL)
}

func (a *App) statusText() string {
	var b strings.Builder
	b.WriteString("📊 系统状态\n\n")

	if !a.started.IsZero() {
		fmt.Fprintf(&b, "uptime: %s\n", time.Since(a.started).Truncate(time.Second))
	}
	if a.registry.Broadcasting() {
		fmt.Fprintf(&b, "开奖播报: 🟢 运行中 (%d chats)\n", a.registry.Len())
	} else {
		b.WriteString("开奖播报: 🔴 已停止\n")
	}

	ps := a.poller.Stats()
	fmt.Fprintf(&b, "watermark: %d\n", ps.Watermark)
	if e, ok := a.cache.Peek(); ok {
		hits, misses := a.cache.Stats()
		fmt.Fprintf(&b, "cache: %d (age %s, hits %d, misses %d)\n", e.Key, time.Since(e.CreatedAt).Truncate(time.Millisecond), hits, misses)
	} else {
		b.WriteString("cache: empty\n")
	}

	fmt.Fprintf(&b, "poll: ticks %d, fetch errors %d", ps.Ticks, ps.FetchErrors)
	if !ps.LastFetchAt.IsZero() {
		fmt.Fprintf(&b, ", last %s ago", time.Since(ps.LastFetchAt).Truncate(time.Second))
	}
	b.WriteString("\n")
	if ps.LastFetchErr != "" {
		fmt.Fprintf(&b, "last fetch error: %s\n", ps.LastFetchErr)
	}
	if br, ok := a.source.(interface{ BreakerState() string }); ok {
		fmt.Fprintf(&b, "feed breaker: %s\n", br.BreakerState())
	}

	fmt.Fprintf(&b, "dispatches: %d (in flight %d)\n", ps.Dispatches, ps.InFlight)
	if d := ps.LastDispatch; d != nil {
		fmt.Fprintf(&b, "last dispatch: %d期 delivered %d/%d in %s\n", d.Key, d.Result.Delivered, d.Recipients, d.Result.Took.Truncate(time.Millisecond))
	}

	if a.sup != nil {
		c := a.sup.Counters()
		fmt.Fprintf(&b, "tasks: active %d, started %d, goroutines %d\n", c.Active, c.Started, runtime.NumGoroutine())
	}
	for _, j := range a.maint.Snapshot() {
		fmt.Fprintf(&b, "job %s: runs %d, fails %d", j.Name, j.Runs, j.Fails)
		if !j.Next.IsZero() {
			fmt.Fprintf(&b, ", next %s", j.Next.Format("01-02 15:04:05"))
		}
		if j.LastErr != "" {
			fmt.Fprintf(&b, ", last error: %s", j.LastErr)
		}
		b.WriteString("\n")
	}
	if n := eventbus.Dropped(a.bus); n > 0 {
		fmt.Fprintf(&b, "events dropped: %d\n", n)
	}
	return b.String()
}
