package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu        sync.Mutex
	acceptErr error
	sendErr   error
	received  []any
	delivered chan any
	done      chan struct{}
	doneOnce  sync.Once
	block     chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		delivered: make(chan any, 64),
		done:      make(chan struct{}),
	}
}

func (c *fakeChannel) Accept(context.Context) error {
	return c.acceptErr
}

func (c *fakeChannel) Send(ctx context.Context, message any) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.received = append(c.received, message)
	c.mu.Unlock()
	select {
	case c.delivered <- message:
	default:
	}
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} {
	return c.done
}

func (c *fakeChannel) disconnect() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

func waitForMessage(t *testing.T, channel *fakeChannel) any {
	t.Helper()
	select {
	case message := <-channel.delivered:
		return message
	case <-time.After(time.Second):
		t.Fatal("expected message within deadline")
		return nil
	}
}

func waitForCount(t *testing.T, registry *ConnectionRegistry, expected int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if registry.Count() == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d registered channels, got %d", expected, registry.Count())
}

func TestConnectionRegistryBroadcastsToEveryChannel(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	defer registry.Close()

	channels := []*fakeChannel{newFakeChannel(), newFakeChannel(), newFakeChannel()}
	for _, channel := range channels {
		if err := registry.Register(context.Background(), channel); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}
	if registry.Count() != len(channels) {
		t.Fatalf("expected %d channels, got %d", len(channels), registry.Count())
	}

	registry.Broadcast("hello")

	for index, channel := range channels {
		if message := waitForMessage(t, channel); message != "hello" {
			t.Fatalf("channel %d: unexpected message %v", index, message)
		}
	}
}

func TestConnectionRegistryIsolatesFailingChannel(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	defer registry.Close()

	healthyBefore := newFakeChannel()
	failing := newFakeChannel()
	failing.sendErr = errors.New("peer reset")
	healthyAfter := newFakeChannel()
	for _, channel := range []*fakeChannel{healthyBefore, failing, healthyAfter} {
		if err := registry.Register(context.Background(), channel); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}

	registry.Broadcast("first")
	waitForMessage(t, healthyBefore)
	waitForMessage(t, healthyAfter)
	waitForCount(t, registry, 2)

	registry.Broadcast("second")
	if message := waitForMessage(t, healthyBefore); message != "second" {
		t.Fatalf("unexpected message %v", message)
	}
	if message := waitForMessage(t, healthyAfter); message != "second" {
		t.Fatalf("unexpected message %v", message)
	}
}

func TestConnectionRegistryRejectsFailedHandshake(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	defer registry.Close()

	channel := newFakeChannel()
	channel.acceptErr = errors.New("bad upgrade")
	if err := registry.Register(context.Background(), channel); err == nil {
		t.Fatal("expected handshake error")
	}
	if registry.Count() != 0 {
		t.Fatalf("channel must not be live after a failed handshake")
	}
	if err := registry.Register(context.Background(), nil); !errors.Is(err, errMissingChannel) {
		t.Fatalf("expected errMissingChannel, got %v", err)
	}
}

func TestConnectionRegistryUnregisterIsIdempotent(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	defer registry.Close()

	channel := newFakeChannel()
	if err := registry.Register(context.Background(), channel); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := registry.Register(context.Background(), channel); err != nil {
		t.Fatalf("unexpected duplicate register error: %v", err)
	}
	if registry.Count() != 1 {
		t.Fatalf("duplicate register must not double-add, got %d", registry.Count())
	}

	registry.Unregister(channel)
	registry.Unregister(channel)
	registry.Unregister(newFakeChannel())
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}

	registry.Broadcast("after-unregister")
	select {
	case message := <-channel.delivered:
		t.Fatalf("unregistered channel received %v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionRegistryDropsClosedChannel(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	defer registry.Close()

	channel := newFakeChannel()
	if err := registry.Register(context.Background(), channel); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	channel.disconnect()
	waitForCount(t, registry, 0)
}

func TestConnectionRegistryDoesNotBlockOnStalledChannel(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{BufferSize: 2, WriteTimeout: time.Second})
	defer registry.Close()

	stalled := newFakeChannel()
	stalled.block = make(chan struct{})
	defer close(stalled.block)
	healthy := newFakeChannel()
	for _, channel := range []*fakeChannel{stalled, healthy} {
		if err := registry.Register(context.Background(), channel); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}

	for index := 0; index < 4; index++ {
		started := time.Now()
		registry.Broadcast(index)
		if elapsed := time.Since(started); elapsed > 200*time.Millisecond {
			t.Fatalf("broadcast blocked on a stalled channel for %s", elapsed)
		}
		if message := waitForMessage(t, healthy); message != index {
			t.Fatalf("expected message %d, got %v", index, message)
		}
	}
	waitForCount(t, registry, 1)
}

func TestConnectionRegistryConcurrentMembership(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{BufferSize: 64})
	defer registry.Close()

	const workers = 32
	channels := make([]*fakeChannel, workers)
	for index := range channels {
		channels[index] = newFakeChannel()
	}

	var group sync.WaitGroup
	for _, channel := range channels {
		group.Add(1)
		go func(channel *fakeChannel) {
			defer group.Done()
			if err := registry.Register(context.Background(), channel); err != nil {
				t.Errorf("unexpected register error: %v", err)
			}
			registry.Broadcast("ping")
		}(channel)
	}
	group.Wait()
	if registry.Count() != workers {
		t.Fatalf("expected %d channels, got %d", workers, registry.Count())
	}

	for _, channel := range channels {
		group.Add(1)
		go func(channel *fakeChannel) {
			defer group.Done()
			registry.Unregister(channel)
			registry.Unregister(channel)
		}(channel)
	}
	group.Wait()
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

type closableFakeChannel struct {
	*fakeChannel
	closed chan struct{}
	once   sync.Once
}

func (c *closableFakeChannel) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

func TestConnectionRegistryClosesDroppedChannel(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	defer registry.Close()

	failing := &closableFakeChannel{fakeChannel: newFakeChannel(), closed: make(chan struct{})}
	failing.sendErr = errors.New("broken pipe")
	if err := registry.Register(context.Background(), failing); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	registry.Broadcast("boom")
	select {
	case <-failing.closed:
	case <-time.After(time.Second):
		t.Fatal("expected dropped channel to be closed")
	}
	waitForCount(t, registry, 0)
}

func TestConnectionRegistryCloseTearsDownChannels(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})

	channel := &closableFakeChannel{fakeChannel: newFakeChannel(), closed: make(chan struct{})}
	if err := registry.Register(context.Background(), channel); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	registry.Close()
	registry.Close()

	select {
	case <-channel.closed:
	default:
		t.Fatal("expected channel to be closed")
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

type closingOnAcceptChannel struct {
	*closableFakeChannel
	registry *ConnectionRegistry
}

func (c *closingOnAcceptChannel) Accept(context.Context) error {
	c.registry.Close()
	return nil
}

func TestConnectionRegistryRejectsRegistrationAfterClose(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	registry.Close()

	if err := registry.Register(context.Background(), newFakeChannel()); !errors.Is(err, errRegistryClosed) {
		t.Fatalf("expected errRegistryClosed, got %v", err)
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

func TestConnectionRegistryCloseDuringHandshakeDropsChannel(t *testing.T) {
	registry := NewConnectionRegistry(RegistryConfig{})
	channel := &closingOnAcceptChannel{
		closableFakeChannel: &closableFakeChannel{fakeChannel: newFakeChannel(), closed: make(chan struct{})},
		registry:            registry,
	}

	if err := registry.Register(context.Background(), channel); !errors.Is(err, errRegistryClosed) {
		t.Fatalf("expected errRegistryClosed, got %v", err)
	}
	if registry.Count() != 0 {
		t.Fatalf("channel accepted during shutdown must not stay live, got %d", registry.Count())
	}
	select {
	case <-channel.closed:
	default:
		t.Fatal("expected channel accepted during shutdown to be closed")
	}
}
