// Package memory provides an in-memory implementation of the correlation
// store interfaces. It is suitable for single-instance deployments; all
// state is ephemeral by design and lost on restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-auth-proxy/instrumentation"
	"github.com/giantswarm/mcp-auth-proxy/security"
	"github.com/giantswarm/mcp-auth-proxy/storage"
)

// keyCacheKey builds the composite map key for a cached signing key
func keyCacheKey(jwksURL, kid string) string {
	return jwksURL + "\x00" + kid
}

// Store is an in-memory implementation of all correlation store interfaces.
type Store struct {
	mu sync.Mutex

	states map[string]*storage.AuthorizeState
	links  map[string]*storage.LinkSession
	codes  map[string]*storage.ReturnCode
	keys   map[string]*storage.SigningKey

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters feed the observable gauges without taking the lock
	statesCountAtomic atomic.Int64
	linksCountAtomic  atomic.Int64
	codesCountAtomic  atomic.Int64
	keysCountAtomic   atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.StateStore = (*Store)(nil)
	_ storage.LinkStore  = (*Store)(nil)
	_ storage.CodeStore  = (*Store)(nil)
	_ storage.KeyStore   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		states:          make(map[string]*storage.AuthorizeState),
		links:           make(map[string]*storage.LinkSession),
		codes:           make(map[string]*storage.ReturnCode),
		keys:            make(map[string]*storage.SigningKey),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.statesCountAtomic.Store(int64(len(s.states)))
	s.linksCountAtomic.Store(int64(len(s.links)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.keysCountAtomic.Store(int64(len(s.keys)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStoreSizeCallbacks(
			func() int64 { return s.statesCountAtomic.Load() },
			func() int64 { return s.linksCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.keysCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register store size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// StateStore
// ============================================================

// SaveAuthorizeState stores a pending flow keyed by its outbound state
func (s *Store) SaveAuthorizeState(ctx context.Context, state *storage.AuthorizeState) error {
	ctx, span := s.startSpan(ctx, "save_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_state", err, startTime) }()

	if state == nil || state.OutboundState == "" {
		err = fmt.Errorf("invalid authorize state")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.states[state.OutboundState]; !existed {
		s.statesCountAtomic.Add(1)
	}
	s.states[state.OutboundState] = state

	s.logger.Debug("Saved authorize state", "tenant", state.Tenant, "client_id", state.ClientID)
	return nil
}

// GetAuthorizeState retrieves a pending flow by outbound state.
// Expired entries are evicted and reported as not found.
func (s *Store) GetAuthorizeState(ctx context.Context, outboundState string) (*storage.AuthorizeState, error) {
	ctx, span := s.startSpan(ctx, "get_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_state", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[outboundState]
	if !ok {
		err = storage.ErrStateNotFound
		return nil, err
	}

	if security.IsTokenExpired(state.ExpiresAt) {
		delete(s.states, outboundState)
		s.statesCountAtomic.Add(-1)
		err = fmt.Errorf("%w: authorize state", storage.ErrEntryExpired)
		return nil, err
	}

	// Return a copy so callers cannot mutate the stored entry
	stateCopy := *state
	return &stateCopy, nil
}

// DeleteAuthorizeState removes a pending flow
func (s *Store) DeleteAuthorizeState(ctx context.Context, outboundState string) error {
	ctx, span := s.startSpan(ctx, "delete_state")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordOperation(ctx, span, "delete_state", nil, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.states[outboundState]; existed {
		delete(s.states, outboundState)
		s.statesCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// LinkStore
// ============================================================

// SaveLinkSession stores a pending link flow keyed by its link state
func (s *Store) SaveLinkSession(ctx context.Context, session *storage.LinkSession) error {
	ctx, span := s.startSpan(ctx, "save_link")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_link", err, startTime) }()

	if session == nil || session.LinkState == "" {
		err = fmt.Errorf("invalid link session")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.links[session.LinkState]; !existed {
		s.linksCountAtomic.Add(1)
	}
	s.links[session.LinkState] = session

	s.logger.Debug("Saved link session", "tenant", session.Tenant, "connection", session.Connection)
	return nil
}

// TakeLinkSession atomically retrieves and deletes a link session.
// Only one concurrent caller can succeed.
func (s *Store) TakeLinkSession(ctx context.Context, linkState string) (*storage.LinkSession, error) {
	ctx, span := s.startSpan(ctx, "take_link")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "take_link", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.links[linkState]
	if !ok {
		err = fmt.Errorf("%w: not found or already consumed", storage.ErrLinkSessionNotFound)
		return nil, err
	}

	delete(s.links, linkState)
	s.linksCountAtomic.Add(-1)

	if security.IsTokenExpired(session.ExpiresAt) {
		err = fmt.Errorf("%w: link session", storage.ErrEntryExpired)
		return nil, err
	}

	s.logger.Debug("Took link session", "tenant", session.Tenant)
	return session, nil
}

// DeleteLinkSession removes a pending link flow
func (s *Store) DeleteLinkSession(ctx context.Context, linkState string) error {
	ctx, span := s.startSpan(ctx, "delete_link")
	defer span.End()

	startTime := time.Now()
	defer func() { s.recordOperation(ctx, span, "delete_link", nil, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.links[linkState]; existed {
		delete(s.links, linkState)
		s.linksCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveReturnCode stores a freshly issued return code
func (s *Store) SaveReturnCode(ctx context.Context, code *storage.ReturnCode) error {
	ctx, span := s.startSpan(ctx, "save_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_code", err, startTime) }()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid return code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}
	s.codes[code.Code] = code

	s.logger.Debug("Saved return code", "tenant", code.Tenant, "client_id", code.ClientID)
	return nil
}

// TakeReturnCode atomically retrieves and deletes a return code.
// Only one concurrent redemption can succeed; replays observe not found.
func (s *Store) TakeReturnCode(ctx context.Context, code string) (*storage.ReturnCode, error) {
	ctx, span := s.startSpan(ctx, "take_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "take_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.codes[code]
	if !ok {
		err = fmt.Errorf("%w: not found or already redeemed", storage.ErrCodeNotFound)
		return nil, err
	}

	delete(s.codes, code)
	s.codesCountAtomic.Add(-1)

	if security.IsTokenExpired(rc.ExpiresAt) {
		err = fmt.Errorf("%w: return code", storage.ErrEntryExpired)
		return nil, err
	}

	s.logger.Debug("Took return code", "tenant", rc.Tenant, "client_id", rc.ClientID)
	return rc, nil
}

// ============================================================
// KeyStore
// ============================================================

// SaveSigningKey caches a verification key under (jwksURL, kid)
func (s *Store) SaveSigningKey(ctx context.Context, key *storage.SigningKey) error {
	ctx, span := s.startSpan(ctx, "save_key")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "save_key", err, startTime) }()

	if key == nil || key.JWKSURL == "" || key.Kid == "" || key.Key == nil {
		err = fmt.Errorf("invalid signing key")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mapKey := keyCacheKey(key.JWKSURL, key.Kid)
	if _, existed := s.keys[mapKey]; !existed {
		s.keysCountAtomic.Add(1)
	}
	s.keys[mapKey] = key

	s.logger.Debug("Cached signing key", "kid", key.Kid)
	return nil
}

// GetSigningKey retrieves a cached key, evicting it when expired
func (s *Store) GetSigningKey(ctx context.Context, jwksURL, kid string) (*storage.SigningKey, error) {
	ctx, span := s.startSpan(ctx, "get_key")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() { s.recordOperation(ctx, span, "get_key", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	mapKey := keyCacheKey(jwksURL, kid)
	key, ok := s.keys[mapKey]
	if !ok {
		err = storage.ErrKeyNotFound
		return nil, err
	}

	if security.IsTokenExpired(key.ExpiresAt) {
		delete(s.keys, mapKey)
		s.keysCountAtomic.Add(-1)
		err = fmt.Errorf("%w: signing key", storage.ErrEntryExpired)
		return nil, err
	}

	return key, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps expired entries so abandoned flows do not accumulate
// between lazy evictions.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for key, state := range s.states {
		if security.IsTokenExpired(state.ExpiresAt) {
			delete(s.states, key)
			s.statesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for key, session := range s.links {
		if security.IsTokenExpired(session.ExpiresAt) {
			delete(s.links, key)
			s.linksCountAtomic.Add(-1)
			cleaned++
		}
	}

	for key, code := range s.codes {
		if security.IsTokenExpired(code.ExpiresAt) {
			delete(s.codes, key)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	for key, sk := range s.keys {
		if security.IsTokenExpired(sk.ExpiresAt) {
			delete(s.keys, key)
			s.keysCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired correlation entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStoreOperation(ctx, operation, result, durationMs)
}
