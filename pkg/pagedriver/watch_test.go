package pagedriver

import (
	"context"
	"testing"
	"time"

	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetWatchWait(t *testing.T) {
	t.Run("ResolvesWhenTargetArrives", func(t *testing.T) {
		ch := make(chan cdptarget.ID, 1)
		ch <- cdptarget.ID("TAB-42")
		watch := &TargetWatch{ch: ch}

		id, err := watch.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cdptarget.ID("TAB-42"), id)
	})

	t.Run("CancellationUnblocksWait", func(t *testing.T) {
		watch := &TargetWatch{ch: make(chan cdptarget.ID)}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := watch.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
