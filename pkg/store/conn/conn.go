// Package conn manages the single shared connection to the document store.
//
// A [Manager] dials lazily and keeps the client once connected. Calls made
// while the store is unreachable each retry the dial, and no background
// reconnection runs: callers decide how often to try. Failures are logged
// and reported as false or as a [store.ConnectionError], never as panics.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/surrealdb/annosync/pkg/store"
)

// DialFunc establishes a new client.
type DialFunc[C any] func(ctx context.Context) (C, error)

// CloseFunc releases a client.
type CloseFunc[C any] func(ctx context.Context, client C) error

// Manager owns one lazily established client of type C.
type Manager[C any] struct {
	backend string
	dial    DialFunc[C]
	close   CloseFunc[C]
	log     zerolog.Logger

	mu        sync.Mutex
	client    C
	connected bool
	lastErr   error
	attempts  int
}

// New creates a manager. When lazy is false it tries to connect immediately;
// a failure is logged and retried on the next use.
func New[C any](backend string, dial DialFunc[C], closeFn CloseFunc[C], lazy bool, log zerolog.Logger) *Manager[C] {
	m := &Manager[C]{
		backend: backend,
		dial:    dial,
		close:   closeFn,
		log:     log.With().Str("backend", backend).Logger(),
	}
	if !lazy {
		m.EnsureConnection(context.Background())
	}
	return m
}

// Backend returns the backend name given to New.
func (m *Manager[C]) Backend() string { return m.backend }

// EnsureConnection returns true if a client is available, dialing first if
// needed. Once connected it performs no I/O.
func (m *Manager[C]) EnsureConnection(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return true
	}

	m.attempts++
	client, err := m.safeDial(ctx)
	if err != nil {
		m.lastErr = err
		m.log.Warn().Err(err).Int("attempt", m.attempts).Msg("document store unavailable")
		return false
	}
	m.client = client
	m.connected = true
	m.lastErr = nil
	m.log.Info().Int("attempt", m.attempts).Msg("connected to document store")
	return true
}

func (m *Manager[C]) safeDial(ctx context.Context) (client C, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dial panicked: %v", r)
		}
	}()
	return m.dial(ctx)
}

// Client returns the connected client or a *store.ConnectionError.
func (m *Manager[C]) Client(ctx context.Context) (C, error) {
	if !m.EnsureConnection(ctx) {
		var zero C
		return zero, &store.ConnectionError{Backend: m.backend, Err: m.LastError()}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client, nil
}

// LastError returns the error of the most recent failed dial.
func (m *Manager[C]) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connected reports whether a client is held, without dialing.
func (m *Manager[C]) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Check inspects an operation error. If it indicates a broken connection the
// client is dropped so that the next call redials. err is returned
// unchanged, wrapped in a ConnectionError when the connection was dropped.
func (m *Manager[C]) Check(ctx context.Context, err error) error {
	if err == nil || !IsConnectionFailure(err) {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		m.log.Warn().Err(err).Msg("dropping document store connection")
		m.release(ctx)
	}
	m.lastErr = err
	return &store.ConnectionError{Backend: m.backend, Err: err}
}

// Close releases the client, if any.
func (m *Manager[C]) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.release(ctx)
}

func (m *Manager[C]) release(ctx context.Context) error {
	if !m.connected {
		return nil
	}
	var err error
	if m.close != nil {
		err = m.close(ctx, m.client)
	}
	var zero C
	m.client = zero
	m.connected = false
	return err
}

// IsConnectionFailure reports whether err looks like a transport failure
// rather than a rejected operation.
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if store.IsUnavailable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
