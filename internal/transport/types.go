// Package transport holds the messaging contracts shared by the bot, the
// dispatcher and the logger. Nothing here depends on a concrete platform.
package transport

import (
	"context"
	"errors"
)

// ErrPermanent wraps delivery errors that will not succeed on retry.
var ErrPermanent = errors.New("permanent delivery failure")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID        int
	ChatID    int64
	ThreadID  int // forum topic thread id (0 if none)
	FromID    int64
	Username  string
	FirstName string
	Text      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender delivers text to a chat. The dispatcher only needs this half of Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
