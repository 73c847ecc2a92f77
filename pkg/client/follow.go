package client

import (
	"context"

	"github.com/MrWong99/teleprompt/pkg/align"
	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
)

// FollowHooks are optional callbacks invoked by [Follow]. They run on the
// Follow goroutine and must not block.
type FollowHooks struct {
	// OnUpdates receives the cursor advances produced by one transcript event.
	// It is called with an empty slice when the event matched nothing.
	OnUpdates func(evt realtime.Event, updates []align.PositionUpdate)

	// OnError receives error events, whether raised by the relay or forwarded
	// from the upstream. The session stays open after transient errors.
	OnError func(message string)

	// OnEvent receives every other event (connected, session.updated, ...).
	OnEvent func(evt realtime.Event)
}

// Follow feeds transcript events from events into eng until events is closed,
// a disconnected event arrives, or ctx is done. Delta events go through
// [align.Engine.ProcessDelta], completed events through
// [align.Engine.ProcessCompleted]. It returns ctx.Err() when cancelled and nil
// otherwise.
func Follow(ctx context.Context, events <-chan realtime.Event, eng *align.Engine, hooks FollowHooks) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case realtime.EventTranscriptDelta:
				report(hooks, evt, eng.ProcessDelta(evt.Delta))
			case realtime.EventTranscriptCompleted:
				report(hooks, evt, eng.ProcessCompleted(evt.Transcript))
			case realtime.EventError:
				if hooks.OnError != nil {
					hooks.OnError(evt.ErrorMessage())
				}
			case realtime.EventDisconnected:
				if hooks.OnEvent != nil {
					hooks.OnEvent(evt)
				}
				return nil
			default:
				if hooks.OnEvent != nil {
					hooks.OnEvent(evt)
				}
			}
		}
	}
}

func report(hooks FollowHooks, evt realtime.Event, updates []align.PositionUpdate) {
	if hooks.OnUpdates != nil {
		hooks.OnUpdates(evt, updates)
	}
}
