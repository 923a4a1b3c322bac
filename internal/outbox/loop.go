package outbox

import (
	"context"
	"time"
)

// Start runs the message retry loop until ctx is cancelled.
func (o *MessageOutbox) Start(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.OutgoingMessageRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunOnce()
		}
	}
}

// Start runs the control retry loop until ctx is cancelled.
func (o *ControlOutbox) Start(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.AmigoMessageRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunOnce()
		}
	}
}

// Start runs the delivery-ack retry loop until ctx is cancelled.
func (o *AckOutbox) Start(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.DeliveryAckRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.RunOnce()
		}
	}
}
