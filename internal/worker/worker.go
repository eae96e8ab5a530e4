package worker

import (
	"context"
	"time"

	"purchase-service/internal/broker"
	"purchase-service/internal/service"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// EntitlementWorker keeps the entitlement cache in step with purchase events
type EntitlementWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewEntitlementWorker creates a new entitlement worker
func NewEntitlementWorker(
	consumer *broker.Consumer,
	entitlementService *service.EntitlementService,
) *EntitlementWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPurchaseCompleted(entitlementService.HandlePurchaseCompleted)
	eventHandler.OnPurchaseFailed(entitlementService.HandlePurchaseFailed)

	return &EntitlementWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *EntitlementWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting entitlement worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *EntitlementWorker) Stop() error {
	w.logger.Info("Stopping entitlement worker")
	return w.consumer.Close()
}

// Locker is a cross-replica mutex.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Expirer closes pending purchases older than maxAge.
type Expirer interface {
	ExpireStalePending(ctx context.Context, maxAge time.Duration) (int, error)
}

// expiryLockKey is stored as "lock:pending-expiry" by redisclient.
const expiryLockKey = "pending-expiry"

const defaultSweepInterval = 10 * time.Minute

// ExpiryWorker periodically resolves checkouts left pending against the provider
type ExpiryWorker struct {
	expirer  Expirer
	locker   Locker
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
}

// NewExpiryWorker creates a new expiry worker
func NewExpiryWorker(expirer Expirer, locker Locker, interval, maxAge time.Duration) *ExpiryWorker {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &ExpiryWorker{
		expirer:  expirer,
		locker:   locker,
		interval: interval,
		maxAge:   maxAge,
		logger:   util.GetLogger(),
	}
}

// Start sweeps once per interval until ctx is cancelled
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting expiry worker",
		zap.Duration("interval", w.interval),
		zap.Duration("max_age", w.maxAge))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping expiry worker")
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("Pending expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one expiry pass if this replica holds the lock. It returns the
// number of purchases closed.
func (w *ExpiryWorker) Sweep(ctx context.Context) (int, error) {
	token, ok, err := w.locker.AcquireLock(ctx, expiryLockKey, w.interval)
	if err != nil {
		return 0, err
	}
	if !ok {
		w.logger.Debug("Expiry sweep held by another replica")
		return 0, nil
	}
	defer func() {
		if err := w.locker.ReleaseLock(context.Background(), expiryLockKey, token); err != nil {
			w.logger.Warn("Failed to release expiry lock", zap.Error(err))
		}
	}()

	return w.expirer.ExpireStalePending(ctx, w.maxAge)
}
