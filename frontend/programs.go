package frontend

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tcassar-diss/nethook/bpf"
)

// builtin builds a program that needs no object file. Builtins never fail an
// invocation.
type builtin func(logger *zap.SugaredLogger, pt bpf.ProgramType) bpf.Program

var builtins = map[string]builtin{
	"pass": passProgram,
	"drop": dropProgram,
	"log":  logProgram,
}

// passResult is the result that lets traffic through on each hook. Flow and
// mac results are ignored by the extension.
func passResult(pt bpf.ProgramType) uint32 {
	if pt == bpf.ProgramTypeXDP {
		return uint32(bpf.XdpPass)
	}

	return uint32(bpf.BindPermit)
}

func dropResult(pt bpf.ProgramType) uint32 {
	switch pt {
	case bpf.ProgramTypeXDP:
		return uint32(bpf.XdpDrop)
	case bpf.ProgramTypeBind:
		return uint32(bpf.BindDeny)
	default:
		return 0
	}
}

func passProgram(_ *zap.SugaredLogger, pt bpf.ProgramType) bpf.Program {
	ret := passResult(pt)

	return bpf.NewFuncProgram("pass", func(bpf.Context) (uint32, error) {
		return ret, nil
	})
}

func dropProgram(_ *zap.SugaredLogger, pt bpf.ProgramType) bpf.Program {
	ret := dropResult(pt)

	return bpf.NewFuncProgram("drop", func(bpf.Context) (uint32, error) {
		return ret, nil
	})
}

func logProgram(logger *zap.SugaredLogger, pt bpf.ProgramType) bpf.Program {
	ret := passResult(pt)

	return bpf.NewFuncProgram("log", func(ctx bpf.Context) (uint32, error) {
		logger.Infow("hook invoked", contextFields(ctx)...)
		return ret, nil
	})
}

// contextFields renders a context as logger key/value pairs.
func contextFields(ctx bpf.Context) []any {
	fields := []any{"hook", ctx.ProgramType().String()}

	switch c := ctx.(type) {
	case *bpf.XdpMD:
		fields = append(fields, "length", len(c.Data))
	case *bpf.BindMD:
		fields = append(fields,
			"operation", c.Operation,
			"pid", c.ProcessID,
			"address", c.SocketAddrPort().String(),
			"protocol", c.Protocol,
			"app", appName(c.AppID),
		)
	case *bpf.FlowMD:
		fields = append(fields,
			"established", c.Established,
			"tuple", c.Tuple.String(),
		)
		if c.AppName != nil {
			fields = append(fields, "app", appName(c.AppName))
		}
	case *bpf.MacMD:
		fields = append(fields,
			"tuple", c.Tuple.String(),
			"length", c.PacketLength,
			"v4", c.V4,
		)
	}

	return fields
}

func appName(b []byte) string {
	s, err := bpf.DecodeAppID(b)
	if err != nil {
		return fmt.Sprintf("%x", b)
	}

	return s
}

// loadProgram builds the program cfg names, wrapped by profiler when one is
// given. mode is the execution mode of the hook the program goes to. The closer
// is nil for builtins.
func loadProgram(
	logger *zap.SugaredLogger,
	cfg ProgramCfg,
	profiler *bpf.Profiler,
	mode bpf.ExecutionMode,
) (bpf.ProgramType, bpf.Program, io.Closer, error) {
	pt, err := bpf.ParseProgramType(cfg.Hook)
	if err != nil {
		return bpf.ProgramType{}, nil, nil, err
	}

	var (
		prog   bpf.Program
		closer io.Closer
	)

	if cfg.Builtin != "" {
		build, ok := builtins[cfg.Builtin]
		if !ok {
			return bpf.ProgramType{}, nil, nil, fmt.Errorf("%w: %s", ErrUnknownBuiltin, cfg.Builtin)
		}

		prog = build(logger, pt)
	} else {
		obj, err := bpf.LoadObjectProgram(logger, cfg.Object, cfg.Program)
		if err != nil {
			return bpf.ProgramType{}, nil, nil, fmt.Errorf("failed to load program for %s: %w", cfg.Hook, err)
		}

		prog, closer = obj, obj
	}

	if profiler != nil {
		prog = profiler.Wrap(pt, mode, prog)
	}

	return pt, prog, closer, nil
}
