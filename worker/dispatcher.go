package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/zlnvch/veiltrade/mq"
	"github.com/zlnvch/veiltrade/relay"
)

// Delivery is one already-signed event to be published after Delay.
type Delivery struct {
	Event  nostr.Event
	Relays []string
	Delay  time.Duration
}

// Dispatcher sends a batch of deliveries, each after its own delay. The
// returned slice holds one entry per delivery, nil on success.
type Dispatcher interface {
	Dispatch(ctx context.Context, deliveries []Delivery) []error
}

// TimerDispatcher publishes in-process with one timer per delivery and
// returns once every timer fired or ctx was cancelled.
type TimerDispatcher struct {
	client relay.Client
}

func NewTimerDispatcher(client relay.Client) *TimerDispatcher {
	return &TimerDispatcher{client: client}
}

func (d *TimerDispatcher) Dispatch(ctx context.Context, deliveries []Delivery) []error {
	errs := make([]error, len(deliveries))
	var wg sync.WaitGroup

	for i, delivery := range deliveries {
		wg.Add(1)
		fired := make(chan struct{})
		timer := time.AfterFunc(delivery.Delay, func() {
			defer close(fired)
			_, errs[i] = d.client.Publish(ctx, delivery.Event, delivery.Relays)
		})
		go func() {
			defer wg.Done()
			select {
			case <-fired:
			case <-ctx.Done():
				if timer.Stop() {
					errs[i] = ctx.Err()
					return
				}
				// Already running; wait for it to finish.
				<-fired
			}
		}()
	}

	wg.Wait()
	return errs
}

// QueuedEvent is the queue message body. NotBefore is in unix milliseconds
// and carries the sub-second part of the delay the queue cannot express.
type QueuedEvent struct {
	Event     nostr.Event `json:"event"`
	Relays    []string    `json:"relays"`
	NotBefore int64       `json:"notBefore"`
}

// QueueDispatcher hands deliveries to a durable delay queue. Dispatch returns
// once they are enqueued; MQConsumer publishes them later.
type QueueDispatcher struct {
	queue mq.MessageQueue
	now   func() time.Time
}

func NewQueueDispatcher(queue mq.MessageQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: queue, now: time.Now}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, deliveries []Delivery) []error {
	errs := make([]error, len(deliveries))
	for i, delivery := range deliveries {
		body, err := json.Marshal(QueuedEvent{
			Event:     delivery.Event,
			Relays:    delivery.Relays,
			NotBefore: d.now().Add(delivery.Delay).UnixMilli(),
		})
		if err != nil {
			errs[i] = err
			continue
		}
		if err := d.queue.Send(ctx, string(body), delivery.Delay); err != nil {
			errs[i] = fmt.Errorf("enqueue %s: %w", delivery.Event.ID, err)
		}
	}
	return errs
}
