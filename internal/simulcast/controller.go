// Package simulcast tracks the encoding layers of a session and switches
// between them through the session's resource endpoint.
package simulcast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"broadcaster/native/internal/domain"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PublishFunc receives the layer options whenever they change. A nil layers
// slice means layer switching is unavailable for the session.
type PublishFunc func(layers []string, current string)

// Controller is owned by a single session.
type Controller struct {
	switcher domain.LayerSwitcher
	publish  PublishFunc
	logger   zerolog.Logger

	mu         sync.Mutex
	endpoint   string
	active     bool
	closed     bool
	disabled   bool
	available  []string
	current    string
	userChosen bool
}

// New creates a controller. Without a switcher the session never supports
// layer switching.
func New(sessionID string, switcher domain.LayerSwitcher, initial []string, publish PublishFunc) *Controller {
	if publish == nil {
		publish = func([]string, string) {}
	}
	return &Controller{
		switcher:  switcher,
		publish:   publish,
		logger:    log.With().Str("module", "simulcast").Str("sid", sessionID).Logger(),
		disabled:  switcher == nil,
		available: slices.Clone(initial),
	}
}

// Activate binds the resource endpoint and allows switching.
func (c *Controller) Activate(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = endpoint
	c.active = true
}

// Deactivate rejects further switches until the next Activate.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

// Close discards any in-flight switch result.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.active = false
}

// Available returns the selectable layers, or nil when unsupported.
func (c *Controller) Available() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return nil
	}
	return slices.Clone(c.available)
}

// Current returns the last layer the remote accepted.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Select switches to layer on behalf of the user.
func (c *Controller) Select(ctx context.Context, layer string) error {
	return c.selectLayer(ctx, layer, true)
}

// Announce applies the layer set currently offered by the remote.
func (c *Controller) Announce(ctx context.Context, layers []string) error {
	c.mu.Lock()
	if c.closed || c.disabled {
		c.mu.Unlock()
		return nil
	}
	if slices.Equal(c.available, layers) {
		c.mu.Unlock()
		return nil
	}
	c.available = slices.Clone(layers)
	keep := c.userChosen && slices.Contains(layers, c.current)
	var next string
	if !keep {
		c.userChosen = false
		if len(layers) > 0 {
			next = layers[0]
		}
	}
	active := c.active
	if next != "" && !active {
		c.current = next
	}
	current := c.current
	c.mu.Unlock()

	c.logger.Info().Strs("layers", layers).Msg("layer set changed")
	c.publish(slices.Clone(layers), current)

	if next == "" || !active {
		return nil
	}
	return c.selectLayer(ctx, next, false)
}

func (c *Controller) selectLayer(ctx context.Context, layer string, user bool) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return domain.ErrSessionClosed
	case c.disabled:
		c.mu.Unlock()
		return domain.ErrLayerSwitchUnsupported
	case !c.active || c.endpoint == "":
		c.mu.Unlock()
		return domain.ErrNotReady
	case !slices.Contains(c.available, layer):
		c.mu.Unlock()
		return fmt.Errorf("%q: %w", layer, domain.ErrUnknownLayer)
	}
	endpoint := c.endpoint
	c.mu.Unlock()

	err := c.switcher.SwitchLayer(ctx, endpoint, layer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if err != nil {
		// only an answer from the remote disables switching; a request that
		// never got one can be retried
		if !errors.Is(err, domain.ErrLayerSwitchRejected) {
			c.mu.Unlock()
			c.logger.Debug().Err(err).Str("layer", layer).Msg("layer switch not delivered")
			return err
		}
		c.disabled = true
		c.available = nil
		c.current = ""
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("layer", layer).Msg("layer switch rejected, disabling")
		c.publish(nil, "")
		return err
	}
	c.current = layer
	if user {
		c.userChosen = true
	}
	c.mu.Unlock()
	c.logger.Debug().Str("layer", layer).Msg("layer switched")
	return nil
}
