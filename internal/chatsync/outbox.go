package chatsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

// dispatch queues msg for publishing and kicks the drainer when connected.
// Every send goes through the outbox so publishes keep their order.
func (o *Orchestrator) dispatch(ctx context.Context, msg relaychat.Message, destination string) error {
	body, err := json.Marshal(relaychat.OutboundFor(msg))
	if err != nil {
		return err
	}
	item := relaychat.OutboxItem{
		LocalID:     msg.LocalID,
		Identity:    msg.Sender,
		Destination: destination,
		Body:        body,
		EnqueuedAt:  o.now(),
	}
	if !o.outbox.TryEnqueue(item) {
		o.logger.Warn().Str("local_id", msg.LocalID).Int("capacity", o.outbox.Capacity()).Msg("outbox full")
		return fmt.Errorf("%w: %d sends already waiting", relaychat.ErrQueueFull, o.outbox.Depth())
	}
	relaychat.OutboxDepth.Set(float64(o.outbox.Depth()))
	if o.conn.State().Phase == relaychat.PhaseConnected {
		o.drainOutbox(ctx)
	}
	return nil
}

// drainOutbox publishes queued sends for the current identity in order. At
// most one drainer runs at a time.
func (o *Orchestrator) drainOutbox(ctx context.Context) {
	if !o.draining.CompareAndSwap(false, true) {
		return
	}
	identity := o.Identity()
	go func() {
		for {
			ok := o.drain(ctx, identity)
			o.draining.Store(false)
			relaychat.OutboxDepth.Set(float64(o.outbox.Depth()))
			if !ok || ctx.Err() != nil || o.outbox.Depth() == 0 {
				return
			}
			if o.conn.State().Phase != relaychat.PhaseConnected {
				return
			}
			if !o.draining.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// drain reports false when a publish failed. The failed item stays at the
// head of the queue so later sends cannot overtake it.
func (o *Orchestrator) drain(ctx context.Context, identity relaychat.Identity) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		item, ok := o.outbox.Peek()
		if !ok {
			return true
		}
		if item.Identity != identity {
			o.logger.Warn().Str("local_id", item.LocalID).Str("identity", string(item.Identity)).Msg("dropping queued send for another identity")
			o.outbox.Remove(item.LocalID)
			continue
		}
		if err := o.conn.Publish(ctx, item.Destination, item.Body); err != nil {
			o.logger.Debug().Err(err).Str("local_id", item.LocalID).Msg("publish failed, send stays queued")
			return false
		}
		if !o.outbox.Remove(item.LocalID) {
			o.logger.Warn().Str("local_id", item.LocalID).Msg("published send could not be removed from outbox")
			return false
		}
	}
}
