package stage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/opticslab/stagelink/comm"
)

// StartPolling launches a background status poll that keeps the tracker
// fresh.  Polls go through the same dispatcher and session lock as
// foreground commands; there is no privileged path, so a poll can never
// interleave with a command exchange.
//
// The goroutine exits when ctx is cancelled, when the session is closed, or
// when the link is lost.  Individual poll failures (timeouts, rejections)
// are tolerated; the tracker simply goes stale until a poll succeeds.
func (c *Controller) StartPolling(ctx context.Context, interval time.Duration) {
	lim := rate.NewLimiter(rate.Every(interval), 1)
	go func() {
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			if _, err := c.GetStatus(); err != nil {
				if errors.Is(err, comm.ErrLinkLost) || errors.Is(err, comm.ErrClosed) {
					return
				}
			}
		}
	}()
}
