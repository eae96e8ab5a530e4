package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/payment"
	"purchase-service/internal/store"
)

// memStore mirrors the ledger semantics of *store.Store in memory and counts
// every mutation so tests can assert on side effects.
type memStore struct {
	mu sync.Mutex

	courses   map[string]*models.Course
	lectures  map[string][]*models.Lecture
	users     map[string]*models.User
	purchases map[string]*models.Purchase // by session id

	mutations     int
	unlockPasses  int
	enrollCourse  int
	enrollStudent int
	failComplete  error
	failCreate    error
	block         bool
}

func newMemStore() *memStore {
	return &memStore{
		courses:   map[string]*models.Course{},
		lectures:  map[string][]*models.Lecture{},
		users:     map[string]*models.User{},
		purchases: map[string]*models.Purchase{},
	}
}

func (m *memStore) addCourse(id string, priceCents int64, lectureCount int) {
	m.courses[id] = &models.Course{ID: id, Title: "Course " + id, Thumbnail: "https://img/" + id, PriceCents: priceCents}
	for i := 0; i < lectureCount; i++ {
		m.lectures[id] = append(m.lectures[id], &models.Lecture{ID: fmt.Sprintf("%s-l%d", id, i), CourseID: id})
	}
}

func (m *memStore) addUser(id string) {
	m.users[id] = &models.User{ID: id}
}

// wait simulates a stuck database: it returns only when ctx ends.
func (m *memStore) wait(ctx context.Context) error {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if !block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *memStore) GetCourseByID(ctx context.Context, id string) (*models.Course, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, fmt.Errorf("course %s: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetLecturesByCourseID(_ context.Context, courseID string) ([]models.Lecture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Lecture{}
	for _, l := range m.lectures[courseID] {
		out = append(out, *l)
	}
	return out, nil
}

func (m *memStore) CreatePurchase(_ context.Context, p *models.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	if _, exists := m.purchases[p.PaymentSessionID]; exists {
		return errors.New("duplicate payment_session_id")
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.purchases[p.PaymentSessionID] = &cp
	m.mutations++
	return nil
}

func (m *memStore) CompletePurchase(_ context.Context, sessionID string, amountCents int64) (*models.Purchase, store.CompletionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failComplete != nil {
		return nil, store.CompletionApplied, m.failComplete
	}
	p, ok := m.purchases[sessionID]
	if !ok {
		return nil, store.CompletionApplied, fmt.Errorf("purchase for session %s: %w", sessionID, store.ErrNotFound)
	}
	switch p.Status {
	case models.PurchaseStatusCompleted:
		cp := *p
		return &cp, store.CompletionAlreadyApplied, nil
	case models.PurchaseStatusFailed:
		cp := *p
		return &cp, store.CompletionRejected, nil
	}

	m.unlockPasses++
	for _, l := range m.lectures[p.CourseID] {
		l.IsPreviewFree = true
	}
	if u, ok := m.users[p.UserID]; ok && !contains(u.EnrolledCourses, p.CourseID) {
		u.EnrolledCourses = append(u.EnrolledCourses, p.CourseID)
		m.enrollCourse++
	}
	if c, ok := m.courses[p.CourseID]; ok && !contains(c.EnrolledStudents, p.UserID) {
		c.EnrolledStudents = append(c.EnrolledStudents, p.UserID)
		m.enrollStudent++
	}

	if amountCents > 0 {
		p.AmountCents = amountCents
	}
	now := time.Now()
	p.Status = models.PurchaseStatusCompleted
	p.CompletedAt = &now
	m.mutations++

	cp := *p
	return &cp, store.CompletionApplied, nil
}

func (m *memStore) FailPurchase(_ context.Context, sessionID, reason string) (*models.Purchase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[sessionID]
	if !ok {
		return nil, false, fmt.Errorf("purchase for session %s: %w", sessionID, store.ErrNotFound)
	}
	if p.Status != models.PurchaseStatusPending {
		cp := *p
		return &cp, false, nil
	}
	p.Status = models.PurchaseStatusFailed
	p.FailureReason = &reason
	m.mutations++
	cp := *p
	return &cp, true, nil
}

func (m *memStore) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Purchase{}
	for _, p := range m.purchases {
		if len(out) == limit {
			break
		}
		if p.Status == models.PurchaseStatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// backdate moves an entry's creation time into the past.
func (m *memStore) backdate(sessionID string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[sessionID].CreatedAt = time.Now().Add(-age)
}

func (m *memStore) HasCompletedPurchase(ctx context.Context, userID, courseID string) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.UserID == userID && p.CourseID == courseID && p.Status == models.PurchaseStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListCompletedPurchases(ctx context.Context) ([]models.PurchaseWithCourse, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	return m.listCompleted("")
}

func (m *memStore) ListCompletedPurchasesByUser(_ context.Context, userID string) ([]models.PurchaseWithCourse, error) {
	return m.listCompleted(userID)
}

func (m *memStore) listCompleted(userID string) ([]models.PurchaseWithCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PurchaseWithCourse
	for _, p := range m.purchases {
		if p.Status != models.PurchaseStatusCompleted || (userID != "" && p.UserID != userID) {
			continue
		}
		row := models.PurchaseWithCourse{Purchase: *p}
		if c, ok := m.courses[p.CourseID]; ok {
			row.CourseTitle = c.Title
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *memStore) purchase(sessionID string) *models.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[sessionID]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// fakeProvider issues sequential sessions and treats "valid" as the only good signature.
type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	err       error
	lookupErr error
	noURL     bool
	requests  []*payment.CheckoutRequest
	events    map[string]*payment.Event           // payload -> event
	sessions  map[string]*payment.CheckoutSession // provider-side state by id
	lookups   int
}

const validSignature = "valid"

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		events:   map[string]*payment.Event{},
		sessions: map[string]*payment.CheckoutSession{},
	}
}

// setSession records the provider-side state of a checkout session.
func (f *fakeProvider) setSession(id, status, paymentStatus string, amountTotal int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &payment.CheckoutSession{ID: id, Status: status, PaymentStatus: paymentStatus, AmountTotal: amountTotal}
}

func (f *fakeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*payment.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("no such checkout session: %s", sessionID)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, req *payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.seq++
	s := &payment.CheckoutSession{ID: fmt.Sprintf("cs_test_%d", f.seq)}
	if !f.noURL {
		s.URL = "https://checkout.example/pay/" + s.ID
	}
	return s, nil
}

func (f *fakeProvider) ParseWebhook(payload []byte, signatureHeader string) (*payment.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if signatureHeader != validSignature {
		return nil, fmt.Errorf("%w: no matching signature", payment.ErrInvalidSignature)
	}
	evt, ok := f.events[string(payload)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payload", payment.ErrMalformedEvent)
	}
	cp := *evt
	return &cp, nil
}

// sign registers evt and returns the payload that decodes to it.
func (f *fakeProvider) sign(evt *payment.Event) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload := fmt.Sprintf(`{"id":%q,"type":%q,"session":%q}`, evt.ID, evt.Type, evt.SessionID)
	f.events[payload] = evt
	return []byte(payload)
}

type fakePublisher struct {
	mu        sync.Mutex
	completed []*models.PurchaseCompletedEvent
	failed    []*models.PurchaseFailedEvent
	err       error
}

func (p *fakePublisher) PublishPurchaseCompleted(_ context.Context, e *models.PurchaseCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return p.err
}

func (p *fakePublisher) PublishPurchaseFailed(_ context.Context, e *models.PurchaseFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return p.err
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]bool
	err     error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]bool{}}
}

func (c *memCache) HasEntitlement(_ context.Context, userID, courseID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.entries[userID+":"+courseID], nil
}

func (c *memCache) SetEntitlement(_ context.Context, userID, courseID string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[userID+":"+courseID] = true
	return nil
}

func (c *memCache) DeleteEntitlement(_ context.Context, userID, courseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID+":"+courseID)
	return nil
}
