package bpf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry is the process-wide table of hook providers. It is mutated only
// when providers register or unregister.
type Registry struct {
	logger *zap.SugaredLogger

	mu            sync.RWMutex
	providers     map[ProgramType]*Registration
	infoProviders map[ProgramType]*ProgramInfoProvider
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:        logger,
		providers:     make(map[ProgramType]*Registration),
		infoProviders: make(map[ProgramType]*ProgramInfoProvider),
	}
}

// Registration is the handle of one registered hook provider. Dispatchers must
// bracket Invoke with Enter and Leave:
//
//	if reg.Enter() {
//		defer reg.Leave()
//		result, err := reg.Invoke(ctx)
//		...
//	}
type Registration struct {
	logger      *zap.SugaredLogger
	programType ProgramType
	attachType  AttachType
	mode        ExecutionMode

	program atomic.Pointer[attachedProgram]
	gate    *rundown
	stats   counters

	// serialises Attach, Detach and unregistration
	mu           sync.Mutex
	unregistered bool
}

type attachedProgram struct {
	Program
}

// RegisterProvider registers the provider for a program type. Only one
// provider may exist per program type.
func (r *Registry) RegisterProvider(
	programType ProgramType,
	attachType AttachType,
	mode ExecutionMode,
) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[programType]; ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderExists, programType)
	}

	reg := &Registration{
		logger:      r.logger.With("program-type", programType.String()),
		programType: programType,
		attachType:  attachType,
		mode:        mode,
		gate:        newClosedRundown(),
	}

	r.providers[programType] = reg

	r.logger.Infow("registered hook provider",
		"program-type", programType.String(),
		"attach-type", attachType.String(),
		"mode", mode.String(),
	)

	return reg, nil
}

// UnregisterProvider detaches any program and drains in-flight invocations
// before dropping the provider. It blocks until every caller that entered the
// provider has left.
func (r *Registry) UnregisterProvider(reg *Registration) error {
	if reg == nil {
		return nil
	}

	r.mu.Lock()
	current, ok := r.providers[reg.programType]
	if !ok || current != reg {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProviderNotRegistered, reg.programType)
	}
	delete(r.providers, reg.programType)
	r.mu.Unlock()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.unregistered = true
	reg.gate.wait()
	reg.program.Store(nil)

	r.logger.Infow("unregistered hook provider", "program-type", reg.programType.String())

	return nil
}

// Provider returns the registration for a program type.
func (r *Registry) Provider(programType ProgramType) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.providers[programType]

	return reg, ok
}

// ProgramType returns the program type the provider serves.
func (r *Registration) ProgramType() ProgramType { return r.programType }

// AttachType returns the attach type the provider exposes.
func (r *Registration) AttachType() AttachType { return r.attachType }

// Mode returns the execution mode fixed at registration.
func (r *Registration) Mode() ExecutionMode { return r.mode }

// Attach binds a program to the provider and opens it for invocation.
func (r *Registration) Attach(p Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unregistered {
		return fmt.Errorf("%w: %s", ErrProviderNotRegistered, r.programType)
	}

	if r.program.Load() != nil {
		return fmt.Errorf("%w: %s", ErrProgramAttached, r.programType)
	}

	r.program.Store(&attachedProgram{p})
	r.gate.reopen()

	r.logger.Infow("attached program", "program", p.Name())

	return nil
}

// Detach closes the provider to new invocations, waits for in-flight ones to
// finish and then unbinds the program.
func (r *Registration) Detach() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.program.Load()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoProgramAttached, r.programType)
	}

	r.gate.wait()
	r.program.Store(nil)

	r.logger.Infow("detached program", "program", p.Name())

	return nil
}

// Enter reports whether the caller may invoke the provider. It fails fast when
// no program is attached or a detach is in progress. Every successful Enter
// must be matched by exactly one Leave. Enter on a nil registration is false.
func (r *Registration) Enter() bool {
	if r == nil {
		return false
	}

	if !r.gate.acquire() {
		r.stats.rejected.Add(1)
		return false
	}

	r.stats.entered.Add(1)

	return true
}

// Leave releases a successful Enter.
func (r *Registration) Leave() {
	r.gate.release()
}

// Invoke runs the attached program on ctx. Only legal between Enter and Leave.
func (r *Registration) Invoke(ctx Context) (result uint32, err error) {
	r.stats.invoked.Add(1)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: program panicked: %v", ErrInvocationFailed, rec)
		}

		if err != nil {
			r.stats.failed.Add(1)
		}
	}()

	p := r.program.Load()
	if p == nil {
		return 0, fmt.Errorf("%w: %w", ErrInvocationFailed, ErrNoProgramAttached)
	}

	if ctx.ProgramType() != r.programType {
		return 0, fmt.Errorf("%w: %w: got %s, want %s",
			ErrInvocationFailed, ErrContextMismatch, ctx.ProgramType(), r.programType)
	}

	result, err = p.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvocationFailed, err)
	}

	return result, nil
}

// InFlight returns the number of callers currently inside the provider.
func (r *Registration) InFlight() int64 {
	return r.gate.active()
}

// Stats returns the provider's invocation counters.
func (r *Registration) Stats() Stats {
	return r.stats.snapshot()
}
