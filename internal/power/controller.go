// Package power queries and changes the appliance's power state through the
// remote control API. Every outbound call goes through a shared limiter.
package power

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/HerbHall/wakewatch/internal/smartthings"
	"go.uber.org/zap"
)

var (
	// ErrNotConfigured is returned when the token or device id is missing.
	ErrNotConfigured = errors.New("smartthings credentials not configured")
	// ErrRemote wraps any failed call to the remote API.
	ErrRemote = errors.New("remote API call failed")
)

// State is the last known power state of the appliance.
type State int32

const (
	Unknown State = iota
	On
	Off
)

func (s State) String() string {
	switch s {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "unknown"
	}
}

// API is the subset of the SmartThings client the controller uses.
type API interface {
	SwitchState(ctx context.Context, deviceID string) (string, error)
	ExecuteCommand(ctx context.Context, deviceID string, cmd smartthings.Command) error
}

// Limiter spaces outbound calls. See ratelimit.Limiter.
type Limiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Controller turns the appliance on and caches its power state.
// The cache has a single writer (the controller) and is best effort.
type Controller struct {
	limiter Limiter
	logger  *zap.Logger

	mu       sync.RWMutex
	api      API
	deviceID string

	state atomic.Int32
}

// NewController creates a Controller. api may be nil when no token is
// configured; every operation then fails with ErrNotConfigured.
func NewController(api API, deviceID string, limiter Limiter, logger *zap.Logger) *Controller {
	return &Controller{
		api:      api,
		deviceID: deviceID,
		limiter:  limiter,
		logger:   logger,
	}
}

// Configure swaps the API client and device id, e.g. after a config reload.
func (c *Controller) Configure(api API, deviceID string) {
	c.mu.Lock()
	c.api = api
	c.deviceID = deviceID
	c.mu.Unlock()
}

// Cached returns the last known power state without any network call.
func (c *Controller) Cached() State {
	return State(c.state.Load())
}

// QueryState asks the remote API for the current power state. Failures
// report Off along with the error (fail closed).
func (c *Controller) QueryState(ctx context.Context) (State, error) {
	api, deviceID, err := c.target()
	if err != nil {
		return Off, err
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return Off, fmt.Errorf("wait for rate limiter: %w", err)
	}
	defer release()

	return c.query(ctx, api, deviceID)
}

// TurnOn makes sure the appliance is on. If the status query already
// reports on, no command is sent. Returns nil on success.
func (c *Controller) TurnOn(ctx context.Context) error {
	api, deviceID, err := c.target()
	if err != nil {
		c.logger.Warn("smartthings configuration missing")
		return err
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}
	defer release()

	if state, qerr := c.query(ctx, api, deviceID); qerr == nil && state == On {
		c.logger.Info("appliance already powered on, no action needed")
		return nil
	}

	c.logger.Info("sending power on command", zap.String("device_id", deviceID))
	if err := api.ExecuteCommand(ctx, deviceID, smartthings.SwitchOn); err != nil {
		c.setState(Off)
		c.logger.Warn("power on command failed", zap.Error(err))
		return fmt.Errorf("%w: power on: %w", ErrRemote, err)
	}

	c.setState(On)
	c.logger.Info("power on command accepted")
	return nil
}

// query issues the status call. The caller must hold the limiter slot.
func (c *Controller) query(ctx context.Context, api API, deviceID string) (State, error) {
	value, err := api.SwitchState(ctx, deviceID)
	if err != nil {
		c.logger.Warn("failed to get power state", zap.Error(err))
		return Off, fmt.Errorf("%w: status: %w", ErrRemote, err)
	}

	state := Off
	if value == "on" {
		state = On
	}
	c.setState(state)
	c.logger.Debug("current power state", zap.Stringer("state", state))
	return state, nil
}

func (c *Controller) target() (API, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil || c.deviceID == "" {
		return nil, "", ErrNotConfigured
	}
	return c.api, c.deviceID, nil
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}
