package bpf

import (
	"fmt"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"
)

// Program is something a provider can invoke: an eBPF program loaded from an
// object file, or a Go function.
type Program interface {
	Name() string
	Run(ctx Context) (uint32, error)
}

type funcProgram struct {
	name string
	fn   func(Context) (uint32, error)
}

// NewFuncProgram wraps fn as a Program.
func NewFuncProgram(name string, fn func(Context) (uint32, error)) Program {
	return &funcProgram{name: name, fn: fn}
}

func (p *funcProgram) Name() string { return p.name }

func (p *funcProgram) Run(ctx Context) (uint32, error) { return p.fn(ctx) }

// ObjectProgram is an eBPF program loaded from an ELF object. Each invocation
// goes through the kernel's test-run facility with the encoded layer context
// as the program's input data.
type ObjectProgram struct {
	logger     *zap.SugaredLogger
	name       string
	collection *ebpf.Collection
	program    *ebpf.Program
}

// LoadObjectProgram loads the object at path and selects the program called
// name from it.
func LoadObjectProgram(logger *zap.SugaredLogger, path, name string) (*ObjectProgram, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection spec from %s: %w", path, err)
	}

	if _, ok := spec.Programs[name]; !ok {
		return nil, fmt.Errorf("program %s not found in %s", name, path)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load collection %s: %w", path, err)
	}

	logger.Infow("loaded bpf object", "path", path, "program", name)

	return &ObjectProgram{
		logger:     logger,
		name:       name,
		collection: coll,
		program:    coll.Programs[name],
	}, nil
}

func (p *ObjectProgram) Name() string { return p.name }

func (p *ObjectProgram) Run(ctx Context) (uint32, error) {
	data, err := runData(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to encode context: %w", err)
	}

	ret, err := p.program.Run(&ebpf.RunOptions{Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to run %s: %w", p.name, err)
	}

	return ret, nil
}

// Close releases the program and the maps loaded with it.
func (p *ObjectProgram) Close() error {
	p.collection.Close()

	return nil
}

// xdp programs see the packet itself; everything else sees the encoded
// context record.
func runData(ctx Context) ([]byte, error) {
	if xdp, ok := ctx.(*XdpMD); ok {
		return xdp.Data, nil
	}

	return ctx.MarshalBinary()
}
