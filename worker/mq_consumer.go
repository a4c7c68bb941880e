package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/zlnvch/veiltrade/mq"
	"github.com/zlnvch/veiltrade/relay"
)

type MQConsumer struct {
	deliveryQueue mq.MessageQueue
	relayClient   relay.Client
	now           func() time.Time
}

func NewMQConsumer(deliveryQueue mq.MessageQueue, relayClient relay.Client) *MQConsumer {
	return &MQConsumer{
		deliveryQueue: deliveryQueue,
		relayClient:   relayClient,
		now:           time.Now,
	}
}

// Allow up to a minute for the publish fan-out
const visibilityTimeout = 60

func (mqConsumer *MQConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := mqConsumer.deliveryQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("mqConsumer receive error: %v", err)
			continue
		}

		if msg == nil {
			continue
		}

		if err := mqConsumer.handle(shutdownCtx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("mqConsumer delivery error: %v", err)
		}
	}
}

// handle publishes one queued event. The message is left on the queue for a
// retry when every relay failed.
func (mqConsumer *MQConsumer) handle(shutdownCtx context.Context, msg *mq.Message) error {
	var queued QueuedEvent
	if err := json.Unmarshal([]byte(msg.Body), &queued); err != nil {
		log.Printf("Dropping malformed queued event: %v", err)
		return mqConsumer.deliveryQueue.Delete(context.Background(), msg)
	}

	if wait := time.UnixMilli(queued.NotBefore).Sub(mqConsumer.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-shutdownCtx.Done():
			timer.Stop()
			return shutdownCtx.Err()
		case <-timer.C:
		}
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	if _, err := mqConsumer.relayClient.Publish(ctx, queued.Event, queued.Relays); err != nil {
		return err
	}

	return mqConsumer.deliveryQueue.Delete(context.Background(), msg)
}
