package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRealtimeBufferSize   = 16
	defaultRealtimeWriteTimeout = 10 * time.Second
)

var (
	errMissingChannel = errors.New("push channel is required")
	errRegistryClosed = errors.New("connection registry closed")
)

// PushChannel is a connection to one client. Implementations must be comparable.
type PushChannel interface {
	Accept(ctx context.Context) error
	Send(ctx context.Context, message any) error
	Done() <-chan struct{}
}

type RegistryConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// ConnectionRegistry fans broadcasts out to live push channels. The mutex is
// never held while sending.
type ConnectionRegistry struct {
	mu           sync.RWMutex
	closed       bool
	subscribers  map[PushChannel]*realtimeSubscriber
	bufferSize   int
	writeTimeout time.Duration
	logger       *zap.Logger
}

type realtimeSubscriber struct {
	channel  PushChannel
	outbound chan any
	stop     chan struct{}
	stopOnce sync.Once
}

type closableChannel interface {
	Close() error
}

func (s *realtimeSubscriber) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if closable, ok := s.channel.(closableChannel); ok {
			_ = closable.Close()
		}
	})
}

func NewConnectionRegistry(cfg RegistryConfig) *ConnectionRegistry {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultRealtimeBufferSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultRealtimeWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionRegistry{
		subscribers:  make(map[PushChannel]*realtimeSubscriber),
		bufferSize:   bufferSize,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Register accepts the channel and adds it to the live set. Registering a live
// channel again is a no-op; registering after Close fails.
func (r *ConnectionRegistry) Register(ctx context.Context, channel PushChannel) error {
	if channel == nil {
		return errMissingChannel
	}
	r.mu.RLock()
	_, live := r.subscribers[channel]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errRegistryClosed
	}
	if live {
		return nil
	}
	if err := channel.Accept(ctx); err != nil {
		return err
	}

	subscriber := &realtimeSubscriber{
		channel:  channel,
		outbound: make(chan any, r.bufferSize),
		stop:     make(chan struct{}),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		subscriber.close()
		return errRegistryClosed
	}
	if _, exists := r.subscribers[channel]; exists {
		r.mu.Unlock()
		return nil
	}
	r.subscribers[channel] = subscriber
	count := len(r.subscribers)
	r.mu.Unlock()

	r.logger.Info("push channel registered", zap.Int("active_connections", count))
	go r.deliver(subscriber)
	return nil
}

// Unregister is idempotent.
func (r *ConnectionRegistry) Unregister(channel PushChannel) {
	if channel == nil {
		return
	}
	r.mu.Lock()
	subscriber, exists := r.subscribers[channel]
	if exists {
		delete(r.subscribers, channel)
	}
	count := len(r.subscribers)
	r.mu.Unlock()

	if !exists {
		return
	}
	subscriber.close()
	r.logger.Info("push channel unregistered", zap.Int("active_connections", count))
}

// Broadcast queues message for every live channel without waiting for delivery.
// A subscriber whose queue is full is dropped.
func (r *ConnectionRegistry) Broadcast(message any) {
	r.mu.RLock()
	if len(r.subscribers) == 0 {
		r.mu.RUnlock()
		return
	}
	snapshot := make([]*realtimeSubscriber, 0, len(r.subscribers))
	for _, subscriber := range r.subscribers {
		snapshot = append(snapshot, subscriber)
	}
	r.mu.RUnlock()

	for _, subscriber := range snapshot {
		select {
		case subscriber.outbound <- message:
		case <-subscriber.stop:
		default:
			r.logger.Warn("push channel queue full, dropping subscriber")
			r.Unregister(subscriber.channel)
		}
	}
}

func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Close unregisters every channel and rejects later registrations.
func (r *ConnectionRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	subscribers := r.subscribers
	r.subscribers = make(map[PushChannel]*realtimeSubscriber)
	r.mu.Unlock()

	for _, subscriber := range subscribers {
		subscriber.close()
	}
}

func (r *ConnectionRegistry) deliver(subscriber *realtimeSubscriber) {
	for {
		select {
		case <-subscriber.stop:
			return
		case <-subscriber.channel.Done():
			r.Unregister(subscriber.channel)
			return
		case message := <-subscriber.outbound:
			sendCtx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
			err := subscriber.channel.Send(sendCtx, message)
			cancel()
			if err != nil {
				r.logger.Debug("push channel delivery failed", zap.Error(err))
				r.Unregister(subscriber.channel)
				return
			}
		}
	}
}
