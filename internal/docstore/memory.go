package docstore

import (
	"context"
	"sync"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const watchBuffer = 16

// Memory is an in-process Store. It backs single-device deployments and tests.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]Document
	events   map[string][]entitlement.WebhookEvent
	watchers map[string]map[chan Document]struct{}
	evWatch  map[string]map[chan entitlement.WebhookEvent]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]Document),
		events:   make(map[string][]entitlement.WebhookEvent),
		watchers: make(map[string]map[chan Document]struct{}),
		evWatch:  make(map[string]map[chan entitlement.WebhookEvent]struct{}),
	}
}

func (m *Memory) Get(_ context.Context, accountID string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[accountID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *Memory) Put(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.AccountID] = doc
	m.notifyLocked(doc)
	return nil
}

func (m *Memory) Clear(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[accountID]
	if !ok {
		return nil
	}
	doc.Tier = ""
	doc.Status = ""
	doc.ExpirationDate = nil
	doc.PurchaseDate = nil
	doc.ProductID = ""
	doc.TransactionID = ""
	doc.TrialExpirationDate = nil
	doc.CancellationDate = nil
	doc.GracePeriodEndDate = nil
	m.docs[accountID] = doc
	return nil
}

func (m *Memory) Watch(ctx context.Context, accountID string) (<-chan Document, error) {
	ch := make(chan Document, watchBuffer)
	m.mu.Lock()
	if m.watchers[accountID] == nil {
		m.watchers[accountID] = make(map[chan Document]struct{})
	}
	m.watchers[accountID][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers[accountID], ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) AppendWebhookEvent(_ context.Context, accountID string, ev entitlement.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[accountID] = append(m.events[accountID], ev)
	for ch := range m.evWatch[accountID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (m *Memory) WatchWebhookEvents(ctx context.Context, accountID string) (<-chan entitlement.WebhookEvent, error) {
	ch := make(chan entitlement.WebhookEvent, watchBuffer)
	m.mu.Lock()
	if m.evWatch[accountID] == nil {
		m.evWatch[accountID] = make(map[chan entitlement.WebhookEvent]struct{})
	}
	m.evWatch[accountID][ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.evWatch[accountID], ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// WebhookEvents returns the events appended for accountID.
func (m *Memory) WebhookEvents(accountID string) []entitlement.WebhookEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entitlement.WebhookEvent(nil), m.events[accountID]...)
}

func (m *Memory) Close(context.Context) error {
	return nil
}

func (m *Memory) notifyLocked(doc Document) {
	for ch := range m.watchers[doc.AccountID] {
		select {
		case ch <- doc:
		default:
		}
	}
}
