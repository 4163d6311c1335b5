package transport

import "context"

// Recipient identifies a delivery target (Telegram chat id).
type Recipient int64

type UpdateKind string

const (
	UpdateCommand  UpdateKind = "command"
	UpdateCallback UpdateKind = "callback"
)

// Update is an inbound user interaction normalized by the adapter.
type Update struct {
	Kind         UpdateKind
	ChatID       Recipient
	FromID       int64
	FromUsername string
	// Text is the command ("/start") for commands and the button payload for callbacks.
	Text       string
	CallbackID string
	IsGroup    bool
}

type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons renders an inline keyboard under the first chunk, one slice per row.
	Buttons [][]Button
}

type MessageRef struct {
	ChatID    Recipient
	MessageID int
}

// Sender is the outbound half of the transport. Implementations must be safe
// for concurrent use: the dispatcher calls SendText from many goroutines.
type Sender interface {
	SendText(ctx context.Context, to Recipient, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
