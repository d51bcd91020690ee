package bridge

import (
	"context"
	"sync"

	"github.com/woxQAQ/frame-runtime/internal/storage"
	"github.com/woxQAQ/frame-runtime/internal/wasm"
)

// State is the per-instance capability state every host function group is
// written against. Embedding programs supply their own implementation.
type State interface {
	Scratch() *wasm.ScratchAllocator
	Storage() *storage.Store
	ReportError(err error)
	LastError() error
}

// PlatformState is the additional per-instance state used by the platform
// layer: the open transaction, the environment overlay and outbound HTTP
// settings.
type PlatformState interface {
	State
	Transaction() *storage.Tx
	SetTransaction(tx *storage.Tx)
	EnvOverlay() map[string]string
	HTTPSession(client *HTTPClient) *HTTPSession
}

type stateKey struct{}

// WithState attaches s to ctx. Guest calls made with the returned context
// see s from every host function.
func WithState(ctx context.Context, s State) context.Context {
	return context.WithValue(ctx, stateKey{}, s)
}

// StateFrom returns the state attached to ctx if it has type S.
func StateFrom[S State](ctx context.Context) (S, bool) {
	s, ok := ctx.Value(stateKey{}).(S)
	return s, ok
}

// BaseState implements PlatformState. It is used directly by the command
// line runtime and embedded by richer states.
type BaseState struct {
	scratch *wasm.ScratchAllocator
	store   *storage.Store

	mu      sync.Mutex
	lastErr error
	tx      *storage.Tx
	env     map[string]string
	http    *HTTPSession
}

// NewBaseState creates a state backed by store, which may be nil.
func NewBaseState(store *storage.Store) *BaseState {
	return &BaseState{
		scratch: wasm.NewScratchAllocator(),
		store:   store,
		env:     map[string]string{},
	}
}

func (s *BaseState) Scratch() *wasm.ScratchAllocator { return s.scratch }

func (s *BaseState) Storage() *storage.Store { return s.store }

func (s *BaseState) ReportError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *BaseState) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *BaseState) Transaction() *storage.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func (s *BaseState) SetTransaction(tx *storage.Tx) {
	s.mu.Lock()
	s.tx = tx
	s.mu.Unlock()
}

func (s *BaseState) EnvOverlay() map[string]string {
	return s.env
}

// HTTPSession returns the outbound HTTP settings for this state, created
// from client's defaults on first use.
func (s *BaseState) HTTPSession(client *HTTPClient) *HTTPSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		s.http = client.NewSession()
	}
	return s.http
}

// Release rolls back a transaction the guest left open.
func (s *BaseState) Release() {
	if tx := s.Transaction(); tx != nil {
		tx.Rollback()
		s.SetTransaction(nil)
	}
}
