package backplane

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"encore.dev/pubsub"
)

// Handler receives backplane messages that did not originate from the
// local instance. Multiple handlers may be registered (e.g. HybridStorage
// dropping local L1 entries, a diagnostics logger).
type Handler func(ctx context.Context, msg Message)

// InvalidationTopic carries every invalidation message kind as a single
// tagged union, mirroring invalidation/service.go's CacheInvalidateTopic
// and cache-manager/subscriptions.go's CacheRefreshTopic but consolidated
// into one topic per the Message type's unification.
var InvalidationTopic = pubsub.NewTopic[*Message](
	"cache-backplane",
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// defaultBackplane is the process-wide instance wired up by the owning
// service's init, dispatched to by the package-level Encore subscription
// below — the same global-instance-pointer idiom invalidation/service.go
// and cache-manager/service.go use for their own svc variables, since
// Encore subscriptions must be registered at package scope.
var defaultBackplane *EncoreBackplane

var _ = pubsub.NewSubscription(
	InvalidationTopic,
	"cache-backplane-dispatch",
	pubsub.SubscriptionConfig[*Message]{
		Handler: dispatchFromTopic,
	},
)

func dispatchFromTopic(ctx context.Context, msg *Message) error {
	if defaultBackplane == nil {
		return nil
	}
	defaultBackplane.Dispatch(ctx, msg)
	return nil
}

// publishFunc abstracts InvalidationTopic.Publish so tests can substitute
// an in-memory transport without a live Encore pubsub runtime.
type publishFunc func(ctx context.Context, msg *Message) (string, error)

// probeFunc reports whether the backplane transport is currently healthy.
// Subscribe retries it with backoff before giving up (§4.G).
type probeFunc func(ctx context.Context) error

// EncoreBackplane is the Backplane contract's reference implementation,
// transported over encore.dev/pubsub with echo-idempotence and an
// optional audit trail.
type EncoreBackplane struct {
	instanceID string
	publish    publishFunc
	probe      probeFunc
	audit      *AuditLogger

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// NewEncoreBackplane constructs a backplane publishing through
// InvalidationTopic. audit may be nil to disable the audit trail.
func NewEncoreBackplane(audit *AuditLogger) *EncoreBackplane {
	b := &EncoreBackplane{
		instanceID: uuid.NewString(),
		audit:      audit,
		handlers:   make(map[int]Handler),
		probe:      func(ctx context.Context) error { return nil },
	}
	b.publish = func(ctx context.Context, msg *Message) (string, error) {
		return InvalidationTopic.Publish(ctx, msg)
	}
	defaultBackplane = b
	return b
}

// newTestBackplane builds an EncoreBackplane with injectable publish/probe
// functions, bypassing the live Encore pubsub topic, for unit tests.
func newTestBackplane(publish publishFunc, probe probeFunc, audit *AuditLogger) *EncoreBackplane {
	return &EncoreBackplane{
		instanceID: uuid.NewString(),
		publish:    publish,
		probe:      probe,
		audit:      audit,
		handlers:   make(map[int]Handler),
	}
}

// InstanceID returns this backplane's stamped instance identifier.
func (b *EncoreBackplane) InstanceID() string { return b.instanceID }

func (b *EncoreBackplane) publishMessage(ctx context.Context, msg *Message) error {
	msg.InstanceID = b.instanceID
	msg.Timestamp = time.Now()
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	_, err := b.publish(ctx, msg)
	if err != nil {
		return fmt.Errorf("backplane: publish failed: %w", err)
	}
	if b.audit != nil {
		go b.audit.record(context.Background(), *msg, 0)
	}
	return nil
}

func (b *EncoreBackplane) PublishInvalidation(ctx context.Context, key string) error {
	return b.publishMessage(ctx, &Message{Kind: KindInvalidateKey, Key: key, TriggeredBy: "hybrid_storage"})
}

func (b *EncoreBackplane) PublishTagInvalidation(ctx context.Context, tag string) error {
	return b.publishMessage(ctx, &Message{Kind: KindInvalidateTag, Tag: tag, TriggeredBy: "hybrid_storage"})
}

func (b *EncoreBackplane) PublishClearAll(ctx context.Context) error {
	return b.publishMessage(ctx, &Message{Kind: KindClearAll, TriggeredBy: "hybrid_storage"})
}

// Dispatch delivers msg to every registered handler, unless it originated
// from this instance (I5, echo-idempotence) or fails validation.
func (b *EncoreBackplane) Dispatch(ctx context.Context, msg *Message) {
	if msg == nil {
		return
	}
	if msg.InstanceID == b.instanceID {
		return
	}
	if err := msg.Validate(); err != nil {
		log.Printf(`{"level":"warn","component":"backplane","msg":"dropping malformed message","error":%q}`, err)
		return
	}

	if b.audit != nil {
		go b.audit.record(context.Background(), *msg, 0)
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, *msg)
	}
}

// Subscribe registers handler and, before returning, verifies the
// transport is reachable with an exponential backoff retry (initial 1s,
// factor 2, up to 3 attempts). A failed probe is logged — per §4.G, loss
// of the backplane must not halt the cache — and the handler is still
// registered so it starts receiving messages once the transport recovers.
func (b *EncoreBackplane) Subscribe(ctx context.Context, handler Handler) (int, error) {
	probeErr := b.ensureReady(ctx)
	if probeErr != nil {
		log.Printf(`{"level":"warn","component":"backplane","msg":"subscribe probe failed after retries, continuing degraded","error":%q}`, probeErr)
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return id, nil
}

// Unsubscribe removes a previously registered handler by its Subscribe id.
func (b *EncoreBackplane) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

func (b *EncoreBackplane) ensureReady(ctx context.Context) error {
	if b.probe == nil {
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.probe(ctx)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	return err
}
