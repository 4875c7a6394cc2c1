package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal/internal/signaling"
	"callsignal/pkg/constants"
	apperrors "callsignal/pkg/errors"
	"callsignal/pkg/logger"
	"callsignal/pkg/metrics"
)

// Config tunes the manager
type Config struct {
	HandshakeTimeout time.Duration
	InboxPrefix      string
}

// DefaultConfig returns the reference settings
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: constants.HandshakeTimeout,
		InboxPrefix:      constants.InboxPrefix,
	}
}

// Handle is a confirmed subscription to one user's inbox
type Handle struct {
	userID  uuid.UUID
	channel string
	sub     Subscription
	done    chan struct{}
}

// UserID returns the identity whose inbox this handle subscribes to
func (h *Handle) UserID() uuid.UUID { return h.userID }

// Channel returns the transport channel name
func (h *Handle) Channel() string { return h.channel }

// Done is closed once the handle's reader has stopped
func (h *Handle) Done() <-chan struct{} { return h.done }

type handshake struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// Manager owns the local inbox and a cache of outbound handles keyed by
// recipient. Its lifetime is the process lifetime.
type Manager struct {
	transport Transport
	cfg       Config

	inboxMu  sync.Mutex // serializes OpenInbox
	mu       sync.Mutex
	inbox    *Handle
	outbound map[uuid.UUID]*Handle
	pending  map[uuid.UUID]*handshake
	closed   bool
	readers  sync.WaitGroup
}

// NewManager creates a manager over transport. Zero config fields take defaults.
func NewManager(transport Transport, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.InboxPrefix == "" {
		cfg.InboxPrefix = def.InboxPrefix
	}

	return &Manager{
		transport: transport,
		cfg:       cfg,
		outbound:  make(map[uuid.UUID]*Handle),
		pending:   make(map[uuid.UUID]*handshake),
	}
}

// InboxName derives a user's inbox address from their identity
func (m *Manager) InboxName(userID uuid.UUID) string {
	return m.cfg.InboxPrefix + userID.String()
}

// OpenInbox subscribes to selfID's inbox and dispatches every decoded message
// addressed to selfID to onMessage from a single reader goroutine. A second
// call for the same identity returns the existing handle.
func (m *Manager) OpenInbox(ctx context.Context, selfID uuid.UUID, onMessage func(*signaling.Message)) (*Handle, error) {
	if selfID == uuid.Nil {
		return nil, apperrors.NotAuthenticatedError()
	}

	m.inboxMu.Lock()
	defer m.inboxMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.inbox != nil {
		inbox := m.inbox
		m.mu.Unlock()
		if inbox.userID != selfID {
			return nil, apperrors.ValidationError(fmt.Sprintf("inbox already open for %s", inbox.userID))
		}
		return inbox, nil
	}
	m.mu.Unlock()

	h, err := m.subscribe(ctx, selfID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.sub.Close()
		return nil, ErrClosed
	}
	m.inbox = h
	m.readers.Add(1)
	m.mu.Unlock()

	go m.readInbox(h, onMessage)

	logger.Info("Signal inbox opened", zap.String("channel", h.channel))
	return h, nil
}

func (m *Manager) readInbox(h *Handle, onMessage func(*signaling.Message)) {
	defer m.readers.Done()
	defer close(h.done)

	for payload := range h.sub.Messages() {
		msg, err := signaling.Decode(payload)
		if err != nil {
			metrics.SignalingMessagesDroppedTotal.WithLabelValues("malformed").Inc()
			logger.Warn("Dropping malformed signaling message",
				zap.String("channel", h.channel),
				zap.Error(err))
			continue
		}
		if msg.To != uuid.Nil && msg.To != h.userID {
			metrics.SignalingMessagesDroppedTotal.WithLabelValues("misaddressed").Inc()
			logger.Debug("Dropping signaling message for another user",
				zap.String("type", string(msg.Type)),
				zap.String("to", msg.To.String()))
			continue
		}

		metrics.SignalingMessagesReceivedTotal.WithLabelValues(string(msg.Type)).Inc()
		logger.Debug("Signaling message received",
			zap.String("type", string(msg.Type)),
			zap.String("call_id", msg.CallID.String()),
			zap.String("from", msg.From.String()))

		onMessage(msg)
	}
}

// Send publishes msg to toID's inbox, running the subscribe handshake first
// if no handle to toID is cached. Concurrent sends to the same recipient
// share one handshake.
func (m *Manager) Send(ctx context.Context, toID uuid.UUID, msg *signaling.Message) error {
	if msg == nil {
		return apperrors.ValidationError("Signaling message is required")
	}
	payload, err := signaling.Encode(msg)
	if err != nil {
		metrics.SignalingMessagesSentTotal.WithLabelValues(string(msg.Type), "invalid").Inc()
		return apperrors.WrapWithStatus(apperrors.ErrCodeValidation, "Invalid signaling message", http.StatusBadRequest, err)
	}

	h, err := m.outboundHandle(ctx, toID)
	if err != nil {
		metrics.SignalingMessagesSentTotal.WithLabelValues(string(msg.Type), "unavailable").Inc()
		return err
	}

	if err := m.transport.Publish(ctx, h.channel, payload); err != nil {
		m.evict(toID, h)
		metrics.SignalingMessagesSentTotal.WithLabelValues(string(msg.Type), "error").Inc()
		logger.Warn("Signaling publish failed",
			zap.String("channel", h.channel),
			zap.Error(err))
		return apperrors.ChannelUnavailableError(toID.String(), err)
	}

	metrics.SignalingMessagesSentTotal.WithLabelValues(string(msg.Type), "success").Inc()
	logger.Debug("Signaling message sent",
		zap.String("type", string(msg.Type)),
		zap.String("call_id", msg.CallID.String()),
		zap.String("to", toID.String()))
	return nil
}

func (m *Manager) outboundHandle(ctx context.Context, toID uuid.UUID) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := m.outbound[toID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	if hs, ok := m.pending[toID]; ok {
		m.mu.Unlock()
		select {
		case <-hs.done:
			return hs.handle, hs.err
		case <-ctx.Done():
			return nil, apperrors.ChannelUnavailableError(toID.String(), ctx.Err())
		}
	}

	hs := &handshake{done: make(chan struct{})}
	m.pending[toID] = hs
	m.mu.Unlock()

	h, err := m.subscribe(ctx, toID)

	m.mu.Lock()
	delete(m.pending, toID)
	if err == nil {
		if m.closed {
			h.sub.Close()
			h, err = nil, ErrClosed
		} else {
			m.outbound[toID] = h
			metrics.SignalingOutboundChannels.Set(float64(len(m.outbound)))
			m.readers.Add(1)
			go m.drain(h)
		}
	}
	hs.handle, hs.err = h, err
	close(hs.done)
	m.mu.Unlock()

	return h, err
}

// drain discards traffic on an outbound subscription; only the recipient consumes it
func (m *Manager) drain(h *Handle) {
	defer m.readers.Done()
	defer close(h.done)
	for range h.sub.Messages() {
	}
}

// subscribe runs the bounded subscribe handshake for userID's inbox
func (m *Manager) subscribe(ctx context.Context, userID uuid.UUID) (*Handle, error) {
	channel := m.InboxName(userID)
	start := time.Now()

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	sub, err := m.transport.Subscribe(hctx, channel)
	if err == nil {
		if err = sub.Confirm(hctx); err != nil {
			sub.Close()
		}
	}
	metrics.SignalingHandshakeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		result := "error"
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
			err = fmt.Errorf("no subscribe confirmation on %s within %s: %w",
				channel, m.cfg.HandshakeTimeout, context.DeadlineExceeded)
		}
		metrics.SignalingHandshakeTotal.WithLabelValues(result).Inc()
		logger.Warn("Subscribe handshake failed",
			zap.String("channel", channel),
			zap.String("result", result),
			zap.Error(err))
		return nil, apperrors.ChannelUnavailableError(userID.String(), err)
	}

	metrics.SignalingHandshakeTotal.WithLabelValues("success").Inc()
	return &Handle{
		userID:  userID,
		channel: channel,
		sub:     sub,
		done:    make(chan struct{}),
	}, nil
}

func (m *Manager) evict(toID uuid.UUID, h *Handle) {
	m.mu.Lock()
	if cur, ok := m.outbound[toID]; ok && cur == h {
		delete(m.outbound, toID)
		metrics.SignalingOutboundChannels.Set(float64(len(m.outbound)))
	}
	m.mu.Unlock()
	h.sub.Close()
}

// Cached reports whether an outbound handle to toID is cached
func (m *Manager) Cached(toID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.outbound[toID]
	return ok
}

// Close releases the inbox and every outbound handle and waits for their
// readers to stop. Later calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	handles := make([]*Handle, 0, len(m.outbound)+1)
	if m.inbox != nil {
		handles = append(handles, m.inbox)
	}
	for _, h := range m.outbound {
		handles = append(handles, h)
	}
	m.inbox = nil
	m.outbound = make(map[uuid.UUID]*Handle)
	metrics.SignalingOutboundChannels.Set(0)
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", h.channel, err))
		}
	}
	m.readers.Wait()

	logger.Info("Channel manager closed", zap.Int("handles", len(handles)))
	return errors.Join(errs...)
}
