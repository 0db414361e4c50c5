package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"partner-ledger/internal/metrics"
	"partner-ledger/internal/repo"
)

const (
	defaultLockTTL      = 30 * time.Second
	defaultStatsTTL     = time.Minute
	defaultSideTimeout  = 3 * time.Second
	invoiceNumberTries  = 3
	rechargeLockTimeout = 5 * time.Second
)

// Locker serialises billing work per partner.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Dispatcher runs best-effort side jobs off the request path. Go reports
// whether the job was accepted.
type Dispatcher interface {
	Go(name string, job func(ctx context.Context)) bool
}

// Cache stores derived read models such as affiliate stats.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ConversionEvent describes a recorded conversion to downstream consumers.
type ConversionEvent struct {
	ConversionID  string          `json:"conversion_id"`
	PartnerID     string          `json:"partner_id"`
	OfferID       string          `json:"offer_id,omitempty"`
	ClickID       string          `json:"click_id,omitempty"`
	RefCode       string          `json:"ref_code,omitempty"`
	NetworkTxnID  string          `json:"network_txn_id"`
	Status        string          `json:"status"`
	Commission    int64           `json:"commission_minor"`
	Currency      string          `json:"currency"`
	Created       bool            `json:"created"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ClientID      string          `json:"-"`
	SessionID     string          `json:"-"`
	SessionNumber int64           `json:"-"`
	Raw           json.RawMessage `json:"-"`
}

// Tracker forwards conversions to an analytics backend.
type Tracker interface {
	TrackConversion(ctx context.Context, event ConversionEvent) error
}

// Notifier delivers conversions to a partner's own webhook.
type Notifier interface {
	NotifyConversion(ctx context.Context, cfg repo.WebhookConfig, event ConversionEvent) error
}

// Options configures a Service. Zero values fall back to in-process defaults.
type Options struct {
	Locker     Locker
	Dispatcher Dispatcher
	Cache      Cache
	Gateway    PaymentGateway
	Tracker    Tracker
	Notifier   Notifier
	Metrics    *metrics.Metrics
	LockTTL    time.Duration
	StatsTTL   time.Duration
	Clock      func() time.Time
	NewID      func() string
}

// Service implements attribution, commission, invoicing, payouts and ledger
// reporting on top of a repository.
type Service struct {
	repo       repo.Repository
	logger     *slog.Logger
	locker     Locker
	dispatcher Dispatcher
	cache      Cache
	gateway    PaymentGateway
	tracker    Tracker
	notifier   Notifier
	metrics    *metrics.Metrics
	lockTTL    time.Duration
	statsTTL   time.Duration
	now        func() time.Time
	newID      func() string
}

// New constructs a Service.
func New(repository repo.Repository, logger *slog.Logger, opts Options) *Service {
	s := &Service{
		repo:       repository,
		logger:     logger.With("component", "billing"),
		locker:     opts.Locker,
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		gateway:    opts.Gateway,
		tracker:    opts.Tracker,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		lockTTL:    opts.LockTTL,
		statsTTL:   opts.StatsTTL,
		now:        opts.Clock,
		newID:      opts.NewID,
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	if s.dispatcher == nil {
		s.dispatcher = goDispatcher{timeout: defaultSideTimeout}
	}
	if s.gateway == nil {
		s.gateway = ManualGateway{}
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultLockTTL
	}
	if s.statsTTL <= 0 {
		s.statsTTL = defaultStatsTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Repository exposes the underlying store for read-only listings.
func (s *Service) Repository() repo.Repository {
	return s.repo
}

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

func (s *Service) lockPartner(ctx context.Context, partnerID string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "billing:"+partnerID, s.lockTTL)
	if err != nil {
		return nil, translate(err)
	}
	return unlock, nil
}

func (s *Service) countError(component string) {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues(component).Inc()
	}
}

// MemoryLocker is an in-process keyed lock. It serialises callers within one
// process only.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx ends. ttl is ignored.
func (l *MemoryLocker) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	if err := k.sem.Acquire(ctx, 1); err != nil {
		l.release(key, k)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			k.sem.Release(1)
			l.release(key, k)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, key)
	}
}

// goDispatcher runs each job on its own goroutine with a timeout.
type goDispatcher struct {
	timeout time.Duration
}

func (d goDispatcher) Go(_ string, job func(ctx context.Context)) bool {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		job(ctx)
	}()
	return true
}
