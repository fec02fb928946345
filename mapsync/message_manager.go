package mapsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SendOptions controls one outbound send.
type SendOptions struct {
	// RequiresAck makes the send return a PendingAck resolved by the
	// correlated ack or the per-message timeout, whichever first.
	RequiresAck bool

	// Priority orders the message; high priority bypasses rate limiting.
	Priority MessagePriority

	// Timeout bounds the ack wait. Zero uses the manager default.
	Timeout time.Duration

	// QueueOnFailure re-queues the message on send failure instead of
	// failing the caller. Fire-and-forget classes (cursor updates) opt out.
	QueueOnFailure bool
}

// PendingAck is the future for an acknowledgment-requiring send.
type PendingAck struct {
	id    string
	done  chan error
	once  sync.Once
	timer *time.Timer
}

// Done returns a channel receiving exactly one result: nil when the ack
// arrived, or the error that rejected the wait.
func (p *PendingAck) Done() <-chan error {
	return p.done
}

// Wait blocks for the acknowledgment or the context, whichever first.
func (p *PendingAck) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PendingAck) resolve(err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- err
	})
}

// MessageHandler consumes one inbound envelope. Data has already been
// decompressed when the handler runs.
type MessageHandler func(env *Envelope)

// MessageStats snapshots the manager's counters.
type MessageStats struct {
	MessagesSent        int64                 `json:"messagesSent"`
	MessagesReceived    int64                 `json:"messagesReceived"`
	BandwidthBytes      int64                 `json:"bandwidthBytes"`
	PingLatencyMs       float64               `json:"pingLatencyMs"`
	QueuedRetries       int                   `json:"queuedRetries"`
	RateLimitViolations map[MessageType]int64 `json:"rateLimitViolations"`
}

// MessageManagerOptions configures the message layer.
type MessageManagerOptions struct {
	// AckTimeout is the default wait bound for acknowledgment-requiring
	// sends.
	AckTimeout time.Duration

	// CompressionThreshold is the payload size above which outbound data is
	// compressed.
	CompressionThreshold int
}

// DefaultMessageManagerOptions returns the standard message configuration.
func DefaultMessageManagerOptions() MessageManagerOptions {
	return MessageManagerOptions{
		AckTimeout:           5 * time.Second,
		CompressionThreshold: DefaultCompressionThreshold,
	}
}

// MessageManager frames, sends and receives envelopes over one duplex
// connection. It owns per-type rate limiting, acknowledgment tracking and
// the outbound retry queue. The connection itself is attached and detached
// by the connection lifecycle owner.
type MessageManager struct {
	mu sync.Mutex

	conn       Conn
	sequence   int64
	pending    map[string]*PendingAck
	handlers   map[MessageType]MessageHandler
	retryQueue []*Envelope

	sent          int64
	received      int64
	bandwidth     int64
	pingLatencyMs float64

	limiter *RateLimiter
	opts    MessageManagerOptions
	logger  *zap.Logger
}

// NewMessageManager creates a message manager with no attached connection.
func NewMessageManager(limiter *RateLimiter, opts MessageManagerOptions, logger *zap.Logger) *MessageManager {
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultMessageManagerOptions().AckTimeout
	}
	if opts.CompressionThreshold <= 0 {
		opts.CompressionThreshold = DefaultMessageManagerOptions().CompressionThreshold
	}
	return &MessageManager{
		pending:  make(map[string]*PendingAck),
		handlers: make(map[MessageType]MessageHandler),
		limiter:  limiter,
		opts:     opts,
		logger:   logger,
	}
}

// Handle registers the handler for one inbound message type. Ack, ping and
// pong are handled internally and need no registration.
func (m *MessageManager) Handle(t MessageType, h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// Attach binds a live connection and flushes any messages queued while
// disconnected.
func (m *MessageManager) Attach(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	queued := m.retryQueue
	m.retryQueue = nil
	m.mu.Unlock()

	for i, env := range queued {
		if err := m.writeEnvelope(env); err != nil {
			m.logger.Warn("Failed to flush queued messages",
				zap.String("message_id", env.ID),
				zap.String("type", string(env.Type)),
				zap.Int("remaining", len(queued)-i),
				zap.Error(err))
			// The failing envelope and everything behind it go back to the
			// queue for the next attach.
			m.mu.Lock()
			m.retryQueue = append(m.retryQueue, queued[i:]...)
			m.mu.Unlock()
			return
		}
	}
}

// Detach unbinds the connection and rejects every pending acknowledgment
// with the given error, so callers are never left hanging. A nil error
// rejects with ErrClosed.
func (m *MessageManager) Detach(err error) {
	if err == nil {
		err = ErrClosed
	}
	m.mu.Lock()
	m.conn = nil
	pending := m.pending
	m.pending = make(map[string]*PendingAck)
	m.mu.Unlock()

	for _, p := range pending {
		p.resolve(err)
	}
}

// Connected reports whether a connection is attached.
func (m *MessageManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send frames and transmits one message. The payload is JSON-encoded, and
// compressed when it exceeds the compression threshold; compression failure
// falls back to the uncompressed payload. The returned PendingAck is non-nil
// iff opts.RequiresAck.
func (m *MessageManager) Send(t MessageType, data any, opts SendOptions) (*PendingAck, error) {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.Priority != PriorityHigh && !m.limiter.Allow(t) {
		return nil, fmt.Errorf("%w for message type %s", ErrRateLimited, t)
	}

	var payload []byte
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message data: %w", err)
		}
		payload = encoded
	}

	compressed := false
	if len(payload) > m.opts.CompressionThreshold {
		if packed, err := CompressPayload(payload); err == nil {
			payload = packed
			compressed = true
		} else {
			m.logger.Warn("Payload compression failed, sending uncompressed",
				zap.String("type", string(t)),
				zap.Error(err))
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.opts.AckTimeout
	}

	m.mu.Lock()
	m.sequence++
	env := &Envelope{
		ID:          uuid.NewString(),
		Type:        t,
		Data:        payload,
		Timestamp:   time.Now(),
		Sequence:    m.sequence,
		RequiresAck: opts.RequiresAck,
		Priority:    opts.Priority,
		Compressed:  compressed,
	}
	if opts.RequiresAck {
		env.TimeoutMs = timeout.Milliseconds()
	}
	m.mu.Unlock()

	var ack *PendingAck
	if opts.RequiresAck {
		ack = m.registerPending(env, timeout, opts.QueueOnFailure)
	}

	if err := m.writeEnvelope(env); err != nil {
		if opts.QueueOnFailure {
			m.mu.Lock()
			m.retryQueue = append(m.retryQueue, env)
			m.mu.Unlock()
			// Leave any pending ack armed; the flush after reconnect can
			// still complete it before the timeout fires.
			return ack, nil
		}
		if ack != nil {
			m.unregisterPending(env.ID)
			ack.resolve(err)
		}
		return nil, err
	}
	return ack, nil
}

// HandleInbound parses one inbound frame and dispatches it by type.
// Malformed envelopes and unknown types are logged and dropped without
// touching connection state. Envelopes that require acknowledgment are
// acked automatically after dispatch.
func (m *MessageManager) HandleInbound(raw []byte) {
	m.mu.Lock()
	m.received++
	m.bandwidth += int64(len(raw))
	m.mu.Unlock()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn("Dropping malformed envelope", zap.Error(err))
		return
	}

	if env.Compressed {
		data, err := DecompressPayload(env.Data)
		if err != nil {
			m.logger.Warn("Dropping envelope with unreadable payload",
				zap.String("message_id", env.ID),
				zap.String("type", string(env.Type)),
				zap.Error(err))
			return
		}
		env.Data = data
		env.Compressed = false
	}

	switch env.Type {
	case MessageAck:
		var ack AckPayload
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			m.logger.Warn("Dropping malformed ack", zap.Error(err))
			return
		}
		m.resolveAck(ack.MessageID, nil)
		return

	case MessagePing:
		m.echoPong(&env)
		return

	case MessagePong:
		m.handlePong(&env)
		return
	}

	m.mu.Lock()
	handler, ok := m.handlers[env.Type]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("Dropping message of unknown type",
			zap.String("message_id", env.ID),
			zap.String("type", string(env.Type)))
		return
	}

	handler(&env)

	if env.RequiresAck {
		m.sendAck(env.ID)
	}
}

// Ping sends a heartbeat ping whose pong resolves the returned PendingAck.
func (m *MessageManager) Ping(timeout time.Duration) (*PendingAck, error) {
	m.mu.Lock()
	m.sequence++
	env := &Envelope{
		ID:          uuid.NewString(),
		Type:        MessagePing,
		Timestamp:   time.Now(),
		Sequence:    m.sequence,
		RequiresAck: true,
		Priority:    PriorityHigh,
		TimeoutMs:   timeout.Milliseconds(),
	}
	m.mu.Unlock()

	payload, err := json.Marshal(PingPayload{MessageID: env.ID, SentAt: env.Timestamp})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ping: %w", err)
	}
	env.Data = payload

	ack := m.registerPending(env, timeout, false)
	if err := m.writeEnvelope(env); err != nil {
		m.unregisterPending(env.ID)
		ack.resolve(err)
		return nil, err
	}
	return ack, nil
}

// Stats snapshots the manager's counters.
func (m *MessageManager) Stats() MessageStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MessageStats{
		MessagesSent:        m.sent,
		MessagesReceived:    m.received,
		BandwidthBytes:      m.bandwidth,
		PingLatencyMs:       m.pingLatencyMs,
		QueuedRetries:       len(m.retryQueue),
		RateLimitViolations: m.limiter.Violations(),
	}
}

// Reset clears counters, the retry queue and the rate limiter. Pending
// acknowledgments are rejected with ErrClosed.
func (m *MessageManager) Reset() {
	m.Detach(ErrClosed)
	m.mu.Lock()
	m.sequence = 0
	m.sent = 0
	m.received = 0
	m.bandwidth = 0
	m.pingLatencyMs = 0
	m.retryQueue = nil
	m.mu.Unlock()
	m.limiter.Reset()
}

func (m *MessageManager) registerPending(env *Envelope, timeout time.Duration, queueOnFailure bool) *PendingAck {
	ack := &PendingAck{id: env.ID, done: make(chan error, 1)}
	m.mu.Lock()
	m.pending[env.ID] = ack
	m.mu.Unlock()

	envCopy := env
	ack.timer = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		_, live := m.pending[envCopy.ID]
		delete(m.pending, envCopy.ID)
		if live && queueOnFailure {
			m.retryQueue = append(m.retryQueue, envCopy)
		}
		m.mu.Unlock()
		if live {
			ack.resolve(ErrAckTimeout)
		}
	})
	return ack
}

func (m *MessageManager) unregisterPending(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

func (m *MessageManager) resolveAck(messageID string, err error) {
	m.mu.Lock()
	ack, ok := m.pending[messageID]
	delete(m.pending, messageID)
	m.mu.Unlock()
	if ok {
		ack.resolve(err)
	}
}

func (m *MessageManager) echoPong(ping *Envelope) {
	m.mu.Lock()
	m.sequence++
	pong := &Envelope{
		ID:        uuid.NewString(),
		Type:      MessagePong,
		Data:      ping.Data,
		Timestamp: time.Now(),
		Sequence:  m.sequence,
		Priority:  PriorityHigh,
	}
	m.mu.Unlock()

	if err := m.writeEnvelope(pong); err != nil {
		m.logger.Debug("Failed to echo pong", zap.Error(err))
	}
}

func (m *MessageManager) handlePong(env *Envelope) {
	var ping PingPayload
	if err := json.Unmarshal(env.Data, &ping); err != nil {
		m.logger.Warn("Dropping malformed pong", zap.Error(err))
		return
	}

	sample := float64(time.Since(ping.SentAt).Microseconds()) / 1000.0
	m.mu.Lock()
	if m.pingLatencyMs == 0 {
		m.pingLatencyMs = sample
	} else {
		// Exponential smoothing keeps the reported latency stable across
		// jittery samples.
		m.pingLatencyMs = m.pingLatencyMs*0.9 + sample*0.1
	}
	m.mu.Unlock()

	m.resolveAck(ping.MessageID, nil)
}

func (m *MessageManager) sendAck(messageID string) {
	payload, err := json.Marshal(AckPayload{MessageID: messageID})
	if err != nil {
		return
	}
	m.mu.Lock()
	m.sequence++
	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      MessageAck,
		Data:      payload,
		Timestamp: time.Now(),
		Sequence:  m.sequence,
		Priority:  PriorityHigh,
	}
	m.mu.Unlock()

	if err := m.writeEnvelope(env); err != nil {
		m.logger.Debug("Failed to send ack",
			zap.String("acked_message_id", messageID),
			zap.Error(err))
	}
}

func (m *MessageManager) writeEnvelope(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.WriteMessage(raw); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	m.mu.Lock()
	m.sent++
	m.bandwidth += int64(len(raw))
	m.mu.Unlock()
	return nil
}
