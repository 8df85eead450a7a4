package metering

import (
	"context"
	"sync"

	"github.com/acrylic-style/gptx-api/internal/domain/metering"
	"github.com/acrylic-style/gptx-api/internal/infrastructure/store"
)

// flakyKV wraps a KVStore and fails writes for selected keys, optionally
// letting a number of writes through first
type flakyKV struct {
	store.KVStore
	mu       sync.Mutex
	failKeys map[string]*kvFailure
}

type kvFailure struct {
	err  error
	skip int
}

func newFlakyKV(inner store.KVStore) *flakyKV {
	return &flakyKV{KVStore: inner, failKeys: make(map[string]*kvFailure)}
}

func (s *flakyKV) failOn(key string, err error) {
	s.failAfter(key, err, 0)
}

func (s *flakyKV) failAfter(key string, err error, skip int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKeys[key] = &kvFailure{err: err, skip: skip}
}

func (s *flakyKV) heal(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failKeys, key)
}

func (s *flakyKV) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	var err error
	if f, ok := s.failKeys[key]; ok {
		if f.skip > 0 {
			f.skip--
		} else {
			err = f.err
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.KVStore.Update(ctx, key, fn)
}

// hookKV wraps a KVStore and runs a callback once, right after the next
// update or read of the watched key returns
type hookKV struct {
	store.KVStore
	mu         sync.Mutex
	updateKey  string
	afterWrite func()
	readKey    string
	afterRead  func()
}

func newHookKV(inner store.KVStore) *hookKV {
	return &hookKV{KVStore: inner}
}

func (s *hookKV) afterUpdate(key string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateKey = key
	s.afterWrite = fn
}

func (s *hookKV) afterGet(key string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readKey = key
	s.afterRead = fn
}

func (s *hookKV) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	err := s.KVStore.Update(ctx, key, fn)
	s.mu.Lock()
	hook := s.afterWrite
	if hook != nil && key == s.updateKey && err == nil {
		s.afterWrite = nil
	} else {
		hook = nil
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *hookKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.KVStore.Get(ctx, key)
	s.mu.Lock()
	hook := s.afterRead
	if hook != nil && key == s.readKey {
		s.afterRead = nil
	} else {
		hook = nil
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return val, err
}

type fakeRunClient struct {
	mu       sync.Mutex
	runs     map[string]Run
	steps    map[string][]RunStep
	messages map[string]Message
	runErr   error
	stepsErr error
}

func newFakeRunClient() *fakeRunClient {
	return &fakeRunClient{
		runs:     make(map[string]Run),
		steps:    make(map[string][]RunStep),
		messages: make(map[string]Message),
	}
}

func (c *fakeRunClient) setRun(threadID, runID string, run Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[threadID+"/"+runID] = run
}

func (c *fakeRunClient) RetrieveRun(ctx context.Context, threadID, runID string) (Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runErr != nil {
		return Run{}, c.runErr
	}
	return c.runs[threadID+"/"+runID], nil
}

func (c *fakeRunClient) ListSteps(ctx context.Context, threadID, runID string) ([]RunStep, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stepsErr != nil {
		return nil, c.stepsErr
	}
	return c.steps[threadID+"/"+runID], nil
}

func (c *fakeRunClient) RetrieveMessage(ctx context.Context, threadID, messageID string) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[messageID], nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []SinkRecord
	err     error
}

func (s *fakeSink) Append(ctx context.Context, record SinkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeSink) all() []SinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkRecord, len(s.records))
	copy(out, s.records)
	return out
}

type reportedUsage struct {
	ItemID         string
	Quantity       int64
	IdempotencyKey string
}

// fakeBillingClient honors idempotency keys the way the external system
// does: a key that already produced a successful report is accepted again
// without recording a second one.
type fakeBillingClient struct {
	mu        sync.Mutex
	items     map[string][]SubscriptionItem
	reports   []reportedUsage
	seenKeys  map[string]struct{}
	listErr   error
	reportErr error
}

func newFakeBillingClient() *fakeBillingClient {
	return &fakeBillingClient{
		items:    make(map[string][]SubscriptionItem),
		seenKeys: make(map[string]struct{}),
	}
}

func (c *fakeBillingClient) ListSubscriptionItems(ctx context.Context, customerID string) ([]SubscriptionItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.items[customerID], nil
}

func (c *fakeBillingClient) ReportUsage(ctx context.Context, itemID string, quantity int64, idempotencyKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reportErr != nil {
		return c.reportErr
	}
	if _, ok := c.seenKeys[idempotencyKey]; ok {
		return nil
	}
	c.seenKeys[idempotencyKey] = struct{}{}
	c.reports = append(c.reports, reportedUsage{ItemID: itemID, Quantity: quantity, IdempotencyKey: idempotencyKey})
	return nil
}

func (c *fakeBillingClient) reported() []reportedUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reportedUsage, len(c.reports))
	copy(out, c.reports)
	return out
}

var (
	_ RunStatusClient = (*fakeRunClient)(nil)
	_ UsageSink       = (*fakeSink)(nil)
	_ BillingClient   = (*fakeBillingClient)(nil)
	_ store.KVStore   = (*flakyKV)(nil)
	_ store.KVStore   = (*hookKV)(nil)
)

// billingID attaches a billing identity so metering is active for the user
func billingID(id string) *string {
	return &id
}

// seedUser persists a record with a billing identity and optional custom limits
func seedUser(ctx context.Context, ledger *Ledger, userID, customerID string, limits map[metering.Model]metering.WindowLimits) error {
	return ledger.UpdateRecord(ctx, userID, func(record *metering.UserRecord) error {
		record.BillingCustomerID = billingID(customerID)
		for model, l := range limits {
			record.Limits[model] = l
		}
		return nil
	})
}
