package netext

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrCfgInvalid              = errors.New("invalid extension config")
	ErrCalloutRegistration     = errors.New("failed to register callouts")
	ErrProviderRegistration    = errors.New("failed to register hook providers")
	ErrFlowContextExhausted    = errors.New("flow context limit reached")
	ErrProvidersRegistered     = errors.New("hook providers already registered")
	ErrInfoProvidersRegistered = errors.New("program info providers already loaded")
)

// Callout names accepted in Config.Layers.
const (
	LayerBind        = "bind"
	LayerUnbind      = "unbind"
	LayerFlowV4      = "flow-v4"
	LayerFlowV6      = "flow-v6"
	LayerMACInbound  = "mac-inbound"
	LayerMACOutbound = "mac-outbound"
	LayerXDP         = "xdp"
)

// Config configures which layers the extension observes.
//
// An empty Layers list observes every layer except xdp, which is only
// registered when EnableXDPLayer is set.
type Config struct {
	Layers          []string `toml:"layers"`
	EnableXDPLayer  bool     `toml:"enable_xdp_layer"`
	MaxFlowContexts int      `toml:"max_flow_contexts"`
}

// DefaultConfig observes every layer but xdp and allows 64k live flows.
func DefaultConfig() *Config {
	return &Config{
		Layers:          nil,
		EnableXDPLayer:  false,
		MaxFlowContexts: 1 << 16,
	}
}

// Validate checks that every named layer exists and the flow limit is usable.
func (c *Config) Validate() error {
	if c.MaxFlowContexts <= 0 {
		return fmt.Errorf("%w: max_flow_contexts must be positive, got %d", ErrCfgInvalid, c.MaxFlowContexts)
	}

	for _, l := range c.Layers {
		if !slices.ContainsFunc(calloutTable, func(d calloutTemplate) bool { return d.name == l }) {
			return fmt.Errorf("%w: unknown layer %q", ErrCfgInvalid, l)
		}
	}

	return nil
}

func (c *Config) observes(name string) bool {
	if name == LayerXDP && !c.EnableXDPLayer {
		return false
	}

	if len(c.Layers) == 0 {
		return true
	}

	return slices.Contains(c.Layers, name)
}
