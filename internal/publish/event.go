// v0
// internal/publish/event.go
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/device"
)

// ErrPublishTimeout marks a publish attempt that did not complete before its deadline.
var ErrPublishTimeout = errors.New("publish timed out")

// VoteEvent is the message emitted on the bus for one accepted tag detection.
type VoteEvent struct {
	EventID   string        `json:"event_id"`
	Value     binding.Value `json:"value"`
	TagID     device.TagID  `json:"nfc_uid"`
	Timestamp time.Time     `json:"timestamp"`
	Reader    string        `json:"reader"`
}

// Publisher delivers vote events to the bus. A nil error is the bus Ack.
type Publisher interface {
	Publish(ctx context.Context, ev VoteEvent) error
}

// deadlineErr maps context expiry onto ErrPublishTimeout.
func deadlineErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrPublishTimeout, err)
	}
	return err
}
