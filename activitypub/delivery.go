package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

const (
	deliveryBatchSize   = 50
	deliveryMaxAttempts = 10
	deliveryInterval    = 10 * time.Second
)

// retry backoff in minutes, indexed by attempt
var deliveryBackoff = []int{1, 5, 15, 60, 240, 1440}

// StartDeliveryWorker drains the delivery queue periodically until ctx is
// cancelled or the engine is closed.
func (e *Engine) StartDeliveryWorker(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.stopWorker = cancel
	e.logger.Info("Starting delivery worker", "interval", deliveryInterval)

	go func() {
		ticker := time.NewTicker(deliveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.ProcessDeliveryQueue(ctx)
			}
		}
	}()
}

// ProcessDeliveryQueue attempts every due delivery once and returns how many
// succeeded. Failed deliveries are rescheduled with backoff; permanent
// failures and exhausted items are dropped.
func (e *Engine) ProcessDeliveryQueue(ctx context.Context) int {
	e.deliveryMu.Lock()
	defer e.deliveryMu.Unlock()

	items, err := e.store.ReadPendingDeliveries(ctx, e.now(), deliveryBatchSize)
	if err != nil {
		e.logger.Error("DeliveryWorker: failed to read queue", "err", err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}
	e.logger.Debug("DeliveryWorker: processing", "count", len(items))

	identities := map[string]*Identity{}
	delivered := 0
	for i := range items {
		item := &items[i]
		if ctx.Err() != nil {
			break
		}
		err := e.deliver(ctx, item, identities)
		if err == nil {
			e.logger.Info("DeliveryWorker: delivered", "inbox", item.InboxURI)
			e.dropDelivery(ctx, item)
			delivered++
			continue
		}

		item.Attempts++
		if isPermanent(err) || item.Attempts >= deliveryMaxAttempts {
			e.logger.Warn("DeliveryWorker: giving up", "inbox", item.InboxURI, "attempts", item.Attempts, "err", err)
			e.dropDelivery(ctx, item)
			continue
		}
		backoff := deliveryBackoff[min(item.Attempts-1, len(deliveryBackoff)-1)]
		item.NextRetryAt = e.now().Add(time.Duration(backoff) * time.Minute).UTC()
		e.logger.Warn("DeliveryWorker: delivery failed", "inbox", item.InboxURI, "attempt", item.Attempts, "retryIn", fmt.Sprintf("%dm", backoff), "err", err)
		if err := e.store.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, item.NextRetryAt); err != nil {
			e.logger.Error("DeliveryWorker: failed to reschedule", "id", item.Id, "err", err)
		}
	}
	return delivered
}

func (e *Engine) deliver(ctx context.Context, item *domain.DeliveryQueueItem, identities map[string]*Identity) error {
	key := item.AccountId.String()
	id, ok := identities[key]
	if !ok {
		acc, err := e.store.ReadAccById(ctx, item.AccountId)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("%w: sender %s no longer exists", ErrNoPrivateKey, key)
			}
			return err
		}
		if id, err = e.identityForAccount(ctx, acc); err != nil {
			return err
		}
		identities[key] = id
	}
	return e.client.Post(ctx, item.InboxURI, []byte(item.ActivityJSON), id)
}

func (e *Engine) dropDelivery(ctx context.Context, item *domain.DeliveryQueueItem) {
	if err := e.store.DeleteDelivery(ctx, item.Id); err != nil {
		e.logger.Error("DeliveryWorker: failed to remove item", "id", item.Id, "err", err)
	}
}
