package bpf

import (
	"fmt"
)

// ContextDescriptor describes where the data pointers live inside an encoded
// context record. Offsets of -1 mark fields the context does not have.
type ContextDescriptor struct {
	Size       int
	DataOffset int
	EndOffset  int
	MetaOffset int
}

// ProgramInfo is what the engine publishes about a program type so that
// programs can be verified against it.
type ProgramInfo struct {
	Name        string
	ProgramType ProgramType
	Context     ContextDescriptor
}

var programInfos = map[ProgramType]ProgramInfo{
	ProgramTypeXDP:  {Name: "xdp", ProgramType: ProgramTypeXDP, Context: ContextDescriptor{xdpMDSize, 0, 8, 16}},
	ProgramTypeBind: {Name: "bind", ProgramType: ProgramTypeBind, Context: ContextDescriptor{bindMDSize, 0, 8, -1}},
	ProgramTypeFlow: {Name: "flow", ProgramType: ProgramTypeFlow, Context: ContextDescriptor{flowMDSize, 0, 8, -1}},
	ProgramTypeMAC:  {Name: "mac", ProgramType: ProgramTypeMAC, Context: ContextDescriptor{macMDSize, -1, -1, -1}},
}

// DefaultProgramInfo returns the descriptor for one of the built-in program
// types.
func DefaultProgramInfo(programType ProgramType) (*ProgramInfo, error) {
	info, ok := programInfos[programType]
	if !ok {
		return nil, fmt.Errorf("no program info for %s", programType)
	}

	return &info, nil
}

// ProgramInfoProvider is the handle of a published ProgramInfo.
type ProgramInfoProvider struct {
	info *ProgramInfo
}

// Info returns the published descriptor.
func (p *ProgramInfoProvider) Info() *ProgramInfo { return p.info }

// LoadProgramInfoProvider publishes info for programType.
func (r *Registry) LoadProgramInfoProvider(programType ProgramType, info *ProgramInfo) (*ProgramInfoProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.infoProviders[programType]; ok {
		return nil, fmt.Errorf("%w: %s", ErrInfoProviderExists, programType)
	}

	info.ProgramType = programType
	p := &ProgramInfoProvider{info: info}
	r.infoProviders[programType] = p

	r.logger.Debugw("loaded program info provider", "program-type", programType.String())

	return p, nil
}

// UnloadProgramInfoProvider withdraws a published descriptor. Unloading a nil
// or already unloaded provider does nothing.
func (r *Registry) UnloadProgramInfoProvider(p *ProgramInfoProvider) {
	if p == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.infoProviders[p.info.ProgramType]; ok && current == p {
		delete(r.infoProviders, p.info.ProgramType)
	}
}

// ProgramInfo returns the published descriptor for programType.
func (r *Registry) ProgramInfo(programType ProgramType) (*ProgramInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.infoProviders[programType]
	if !ok {
		return nil, false
	}

	return p.info, true
}
