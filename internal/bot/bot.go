// Package bot turns inbound chat messages into plan queries, registration
// turns and owner actions.
package bot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"khatmbot/internal/calendar"
	"khatmbot/internal/dispatch"
	"khatmbot/internal/plan"
	"khatmbot/internal/registration"
	rtsup "khatmbot/internal/runtime/supervisor"
	"khatmbot/internal/scheduler"
	"khatmbot/internal/storage"
	kit "khatmbot/internal/transport"
	logx "khatmbot/pkg/logx"
)

// Request is one inbound message bound to a command (or to free text when
// Command is empty).
type Request struct {
	Msg     *kit.Message
	Chat    kit.ChatTarget
	Who     registration.Who
	Command string
	Args    []string
	ReqID   string
	Log     logx.Logger
}

type Deps struct {
	Sender   kit.Sender
	Store    storage.SubscriberStore
	Flow     *registration.Flow
	Engine   *plan.Engine
	Units    *plan.UnitTable
	Calendar calendar.Calendar
	Dispatch *dispatch.Pass
	Owners   []int64
	Log      logx.Logger
}

// Bot routes messages. Messages from one chat are handled in arrival
// order by the same worker; different chats proceed in parallel.
type Bot struct {
	sender kit.Sender
	store  storage.SubscriberStore
	flow   *registration.Flow
	engine *plan.Engine
	units  *plan.UnitTable
	cal    calendar.Calendar
	pass   *dispatch.Pass
	log    logx.Logger

	commands map[string]*Command
	ordered  []*Command

	mu     sync.RWMutex
	owners []int64
	sched  SchedulerView

	workers int
	queue   int
	timeout time.Duration
}

func New(d Deps) (*Bot, error) {
	if d.Sender == nil || d.Store == nil || d.Flow == nil || d.Engine == nil || d.Units == nil || d.Dispatch == nil {
		return nil, errors.New("bot: missing dependency")
	}
	if d.Calendar == nil {
		d.Calendar = calendar.Jalali{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	b := &Bot{
		sender:  d.Sender,
		store:   d.Store,
		flow:    d.Flow,
		engine:  d.Engine,
		units:   d.Units,
		cal:     d.Calendar,
		pass:    d.Dispatch,
		log:     d.Log.With(logx.String("comp", "bot")),
		owners:  append([]int64(nil), d.Owners...),
		workers: 4,
		queue:   64,
		timeout: 30 * time.Second,
	}
	b.register(b.commandTable())
	return b, nil
}

// SchedulerView is the read side of the dispatch scheduler.
type SchedulerView interface {
	Snapshot() scheduler.Snapshot
}

// SetScheduler enables the owner /schedule command.
func (b *Bot) SetScheduler(v SchedulerView) {
	b.mu.Lock()
	b.sched = v
	b.mu.Unlock()
}

// SetOwners replaces the owner list; safe during hot reload.
func (b *Bot) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	b.mu.Lock()
	b.owners = cp
	b.mu.Unlock()
}

func (b *Bot) isOwner(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.owners {
		if o == id {
			return true
		}
	}
	return false
}

// Run consumes updates until ctx ends or the channel closes.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(b.log), rtsup.WithCancelOnError(false))
	shards := make([]chan *kit.Message, b.workers)
	for i := range shards {
		ch := make(chan *kit.Message, b.queue)
		shards[i] = ch
		sup.GoRestart("bot.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case msg, ok := <-ch:
					if !ok {
						return nil
					}
					b.Handle(c, msg)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	b.log.Info("bot started", logx.Int("workers", b.workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		b.log.Info("bot stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			ch := shards[shardOf(up.Message.ChatID, len(shards))]
			select {
			case ch <- up.Message:
			default:
				b.reply(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, txtBusy)
			}
		}
	}
}

func shardOf(chatID int64, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(chatID, 10)))
	return int(h.Sum32() % uint32(n))
}

// Handle processes one message synchronously.
func (b *Bot) Handle(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	req := &Request{
		Msg:   msg,
		Chat:  kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Who:   registration.Who{ID: strconv.FormatInt(msg.ChatID, 10), Username: msg.Username, FirstName: msg.FirstName},
		ReqID: newReqID(),
	}
	req.Log = b.log.With(logx.String("rid", req.ReqID), logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID))

	h, timeout := b.answer, b.timeout
	if name, args, ok := parseCommand(text); ok {
		req.Command, req.Args = name, args
		cmd := b.commands[name]
		switch {
		case cmd == nil:
			h = func(ctx context.Context, req *Request) error { b.reply(ctx, req.Chat, txtUnknown); return nil }
		case cmd.OwnerOnly && !b.isOwner(msg.FromID):
			h = func(ctx context.Context, req *Request) error { b.reply(ctx, req.Chat, txtOwnerOnly); return nil }
		default:
			h = cmd.Handle
			if cmd.NoTimeout {
				timeout = 0
			}
		}
	}
	_ = Chain(h, MWPanicRecover(), MWRequestLog(), MWTimeout(timeout))(ctx, req)
}

// parseCommand splits "/name@bot arg..." into a lower-case name and args.
func parseCommand(text string) (string, []string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:], true
}

func (b *Bot) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := b.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// PublishMenu pushes the command list to the platform menu when supported.
func (b *Bot) PublishMenu(ctx context.Context) error {
	up, ok := b.sender.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	var menu []kit.BotCommand
	for _, c := range b.ordered {
		if c.OwnerOnly || c.Description == "" {
			continue
		}
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return up.UpdateMenuCommands(ctx, menu)
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
