package netext

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tcassar-diss/nethook/bpf"
	"github.com/tcassar-diss/nethook/wfp"
)

// hook indexes the four hook providers the extension exposes.
type hook int

const (
	hookXDP hook = iota
	hookBind
	hookFlow
	hookMAC
	hookCount
)

type hookProvider struct {
	programType bpf.ProgramType
	attachType  bpf.AttachType
	mode        bpf.ExecutionMode
}

var hookProviders = [hookCount]hookProvider{
	hookXDP:  {bpf.ProgramTypeXDP, bpf.AttachTypeXDP, bpf.ExecutionDispatch},
	hookBind: {bpf.ProgramTypeBind, bpf.AttachTypeBind, bpf.ExecutionPassive},
	hookFlow: {bpf.ProgramTypeFlow, bpf.AttachTypeFlow, bpf.ExecutionDispatch},
	hookMAC:  {bpf.ProgramTypeMAC, bpf.AttachTypeMAC, bpf.ExecutionDispatch},
}

// Extension connects the filtering framework to the hook providers.
//
// Using Extension takes three steps: New builds the callout table, Start
// publishes program info, registers the hook providers and registers the
// callouts, and Stop undoes all of it. Programs are attached to the providers
// through the bpf.Registry once Start has returned.
type Extension struct {
	logger    *zap.SugaredLogger
	cfg       *Config
	framework wfp.Framework
	registry  *bpf.Registry

	hooks    [hookCount]atomic.Pointer[bpf.Registration]
	flows    *flowContexts
	callouts []*CalloutDescriptor

	// serialises the lifecycle entry points
	mu            sync.Mutex
	engine        wfp.Engine
	infoProviders []*bpf.ProgramInfoProvider
}

// New builds an extension for cfg. Nothing is registered until Start.
func New(
	logger *zap.SugaredLogger,
	framework wfp.Framework,
	registry *bpf.Registry,
	cfg *Config,
) (*Extension, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Extension{
		logger:    logger,
		cfg:       cfg,
		framework: framework,
		registry:  registry,
		flows:     newFlowContexts(cfg.MaxFlowContexts),
	}

	for _, t := range calloutTable {
		if !cfg.observes(t.name) {
			continue
		}

		e.callouts = append(e.callouts, e.newDescriptor(t))
	}

	return e, nil
}

// Start brings the extension up. It fails closed: when any step fails, the
// steps already taken are undone before the error is returned.
func (e *Extension) Start(device any) error {
	if err := e.LoadProgramInfoProviders(); err != nil {
		return fmt.Errorf("failed to load program info providers: %w", err)
	}

	if err := e.RegisterProviders(); err != nil {
		e.UnloadProgramInfoProviders()
		return fmt.Errorf("failed to register providers: %w", err)
	}

	if err := e.RegisterCallouts(device); err != nil {
		err = multierr.Append(err, e.UnregisterProviders())
		e.UnloadProgramInfoProviders()

		return fmt.Errorf("failed to register callouts: %w", err)
	}

	e.logger.Infow("network extension started", "callouts", len(e.callouts))

	return nil
}

// Stop tears the extension down in the reverse order of Start.
func (e *Extension) Stop() error {
	err := e.UnregisterCallouts()
	err = multierr.Append(err, e.UnregisterProviders())
	e.UnloadProgramInfoProviders()

	if err != nil {
		return fmt.Errorf("failed to stop network extension: %w", err)
	}

	e.logger.Infow("network extension stopped")

	return nil
}

// RegisterProviders registers the xdp, bind, flow and mac hook providers. If
// one fails, the ones registered before it are unregistered again.
func (e *Extension) RegisterProviders() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for h := range hookProviders {
		if e.hooks[h].Load() != nil {
			return ErrProvidersRegistered
		}
	}

	for h, p := range hookProviders {
		reg, err := e.registry.RegisterProvider(p.programType, p.attachType, p.mode)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrProviderRegistration, p.programType, err)

			return multierr.Append(err, e.unregisterProviders())
		}

		e.hooks[h].Store(reg)
	}

	return nil
}

// UnregisterProviders unregisters every hook provider, waiting for in-flight
// invocations to leave. Calling it with nothing registered does nothing.
func (e *Extension) UnregisterProviders() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.unregisterProviders()
}

func (e *Extension) unregisterProviders() error {
	var err error

	for h := hookCount - 1; h >= 0; h-- {
		// dispatchers that load nil from here on see Enter fail
		reg := e.hooks[h].Swap(nil)
		if reg == nil {
			continue
		}

		err = multierr.Append(err, e.registry.UnregisterProvider(reg))
	}

	return err
}

// LoadProgramInfoProviders publishes the context descriptor of every program
// type the extension serves.
func (e *Extension) LoadProgramInfoProviders() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.infoProviders) != 0 {
		return ErrInfoProvidersRegistered
	}

	for _, p := range hookProviders {
		info, err := bpf.DefaultProgramInfo(p.programType)
		if err != nil {
			e.unloadProgramInfoProviders()
			return err
		}

		provider, err := e.registry.LoadProgramInfoProvider(p.programType, info)
		if err != nil {
			e.unloadProgramInfoProviders()
			return fmt.Errorf("failed to load program info for %s: %w", p.programType, err)
		}

		e.infoProviders = append(e.infoProviders, provider)
	}

	return nil
}

// UnloadProgramInfoProviders withdraws what LoadProgramInfoProviders published.
func (e *Extension) UnloadProgramInfoProviders() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.unloadProgramInfoProviders()
}

func (e *Extension) unloadProgramInfoProviders() {
	for i := len(e.infoProviders) - 1; i >= 0; i-- {
		e.registry.UnloadProgramInfoProvider(e.infoProviders[i])
	}

	e.infoProviders = nil
}

func (e *Extension) provider(h hook) *bpf.Registration {
	return e.hooks[h].Load()
}
