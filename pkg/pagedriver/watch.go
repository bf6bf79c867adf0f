package pagedriver

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// TargetWatch holds a subscription for a target that has not opened yet.
type TargetWatch struct {
	ch <-chan target.ID
}

// ExpectNewTarget subscribes to the next matching target opened from the
// leased context. Call it BEFORE triggering the action that opens the popup
// or tab; subscribing afterwards races the browser and can miss the event.
// The returned watch is resolved with Wait.
func ExpectNewTarget(cdpCtx context.Context, match func(info *target.Info) bool) *TargetWatch {
	if match == nil {
		match = func(*target.Info) bool { return true }
	}
	ch := chromedp.WaitNewTarget(cdpCtx, match)
	return &TargetWatch{ch: ch}
}

// Wait blocks until the target opens or the context is done.
func (w *TargetWatch) Wait(ctx context.Context) (target.ID, error) {
	select {
	case id := <-w.ch:
		return id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("gave up waiting for new target: %w", ctx.Err())
	}
}
