package bpf

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrProviderExists        = errors.New("hook provider already registered")
	ErrProviderNotRegistered = errors.New("hook provider not registered")
	ErrProgramAttached       = errors.New("program already attached")
	ErrNoProgramAttached     = errors.New("no program attached")
	ErrInvocationFailed      = errors.New("program invocation failed")
	ErrContextMismatch       = errors.New("context does not match program type")
	ErrInfoProviderExists    = errors.New("program info provider already loaded")
)

// ProgramType identifies the kind of program a hook runs, and therefore the
// context record it receives.
type ProgramType uuid.UUID

// AttachType identifies the attach point a provider exposes to programs.
type AttachType uuid.UUID

var (
	ProgramTypeXDP  = ProgramType(uuid.MustParse("f1832a85-85d5-45b0-98a0-7069d63013b0"))
	ProgramTypeBind = ProgramType(uuid.MustParse("608c517c-6c52-4a26-b677-bb1c34425adf"))
	ProgramTypeFlow = ProgramType(uuid.MustParse("75fa0380-999c-461d-a184-0754f053ab1d"))
	ProgramTypeMAC  = ProgramType(uuid.MustParse("930232df-0699-4f41-9224-4ac1b74cea4d"))

	AttachTypeXDP  = AttachType(uuid.MustParse("85e0d8ef-579e-4931-b072-8ee226bb2e9d"))
	AttachTypeBind = AttachType(uuid.MustParse("b9707e04-8127-4c72-833e-05b1fb439496"))
	AttachTypeFlow = AttachType(uuid.MustParse("8606fa87-72aa-4c31-889e-04bbb2dca89a"))
	AttachTypeMAC  = AttachType(uuid.MustParse("6f9676f8-aa95-4f80-a4b7-4810bdb3fd61"))
)

var programTypeNames = map[ProgramType]string{
	ProgramTypeXDP:  "xdp",
	ProgramTypeBind: "bind",
	ProgramTypeFlow: "flow",
	ProgramTypeMAC:  "mac",
}

func (p ProgramType) String() string {
	if name, ok := programTypeNames[p]; ok {
		return name
	}

	return uuid.UUID(p).String()
}

func (a AttachType) String() string {
	return uuid.UUID(a).String()
}

// ParseProgramType maps a hook name (xdp, bind, flow, mac) to its program type.
func ParseProgramType(name string) (ProgramType, error) {
	for pt, n := range programTypeNames {
		if n == name {
			return pt, nil
		}
	}

	return ProgramType{}, fmt.Errorf("unknown program type %q", name)
}

// ExecutionMode is fixed per hook type when the provider registers. It bounds
// what a dispatcher for that hook may do while a program runs.
type ExecutionMode int

const (
	// ExecutionDispatch hooks run where blocking is not permitted.
	ExecutionDispatch ExecutionMode = iota
	// ExecutionPassive hooks may block.
	ExecutionPassive
)

func (m ExecutionMode) String() string {
	switch m {
	case ExecutionDispatch:
		return "dispatch"
	case ExecutionPassive:
		return "passive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CanBlock reports whether dispatchers for this mode may perform blocking work.
func (m ExecutionMode) CanBlock() bool {
	return m == ExecutionPassive
}
