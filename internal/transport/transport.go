// Package transport defines the channel transport the dispatch engine sends
// through, together with its concrete drivers.
package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Error classes every driver maps its failures onto. Callers classify with
// errors.Is; drivers wrap the underlying cause.
var (
	// ErrUnsupported means the driver lacks the capability (e.g. registration checks).
	ErrUnsupported = errors.New("transport: capability not supported")

	// ErrChatNotFound is a transient "chat not found" response that usually
	// clears on an immediate retry.
	ErrChatNotFound = errors.New("transport: chat not found")

	// ErrRateLimited means the platform throttled the channel.
	ErrRateLimited = errors.New("transport: rate limited")

	// ErrFailure is a timeout or network-class failure worth retrying.
	ErrFailure = errors.New("transport: send failed")
)

// Transport is the abstract channel the engine sends through.
type Transport interface {
	Send(ctx context.Context, channelID, address, content string) error
	SendMedia(ctx context.Context, channelID, address, mediaRef, caption string) error
	IsRegistered(ctx context.Context, channelID, address string) (bool, error)
	State(ctx context.Context, channelID string) db.ChannelState
}

// Driver is a Transport that MultiTransport can route to by name.
type Driver interface {
	Transport
	Name() string
}

// Multi routes every call to the driver configured for the channel.
// This implements the Strategy pattern for extensibility
type Multi struct {
	drivers  map[string]Driver
	resolve  func(channelID string) string
	fallback string
	logger   *zap.Logger
}

// NewMulti creates a router. resolve maps a channel id to its driver name;
// an empty name selects fallback.
func NewMulti(logger *zap.Logger, resolve func(channelID string) string, fallback string, drivers ...Driver) *Multi {
	m := &Multi{
		drivers:  make(map[string]Driver, len(drivers)),
		resolve:  resolve,
		fallback: fallback,
		logger:   logger,
	}
	for _, d := range drivers {
		m.drivers[d.Name()] = d
	}
	return m
}

func (m *Multi) route(channelID string) (Driver, error) {
	name := ""
	if m.resolve != nil {
		name = m.resolve(channelID)
	}
	if name == "" {
		name = m.fallback
	}
	d, ok := m.drivers[name]
	if !ok {
		return nil, fmt.Errorf("no transport driver %q for channel %s: %w", name, channelID, ErrUnsupported)
	}
	m.logger.Debug("routing send to driver",
		zap.String("channel_id", channelID),
		zap.String("driver", name),
	)
	return d, nil
}

// Supports reports whether a driver with the given name is registered.
func (m *Multi) Supports(driver string) bool {
	_, ok := m.drivers[driver]
	return ok
}

func (m *Multi) Send(ctx context.Context, channelID, address, content string) error {
	d, err := m.route(channelID)
	if err != nil {
		return err
	}
	return d.Send(ctx, channelID, address, content)
}

func (m *Multi) SendMedia(ctx context.Context, channelID, address, mediaRef, caption string) error {
	d, err := m.route(channelID)
	if err != nil {
		return err
	}
	return d.SendMedia(ctx, channelID, address, mediaRef, caption)
}

func (m *Multi) IsRegistered(ctx context.Context, channelID, address string) (bool, error) {
	d, err := m.route(channelID)
	if err != nil {
		return false, err
	}
	return d.IsRegistered(ctx, channelID, address)
}

func (m *Multi) State(ctx context.Context, channelID string) db.ChannelState {
	d, err := m.route(channelID)
	if err != nil {
		return db.ChannelDisconnected
	}
	return d.State(ctx, channelID)
}

// LogTransport logs every send and always succeeds (for development/testing).
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(ctx context.Context, channelID, address, content string) error {
	t.logger.Info("logging message (development mode)",
		zap.String("channel_id", channelID),
		zap.String("address", address),
		zap.Int("content_len", len(content)),
	)
	return nil
}

func (t *LogTransport) SendMedia(ctx context.Context, channelID, address, mediaRef, caption string) error {
	t.logger.Info("logging media message (development mode)",
		zap.String("channel_id", channelID),
		zap.String("address", address),
		zap.String("media_ref", mediaRef),
	)
	return nil
}

func (t *LogTransport) IsRegistered(ctx context.Context, channelID, address string) (bool, error) {
	return false, ErrUnsupported
}

func (t *LogTransport) State(ctx context.Context, channelID string) db.ChannelState {
	return db.ChannelConnected
}
