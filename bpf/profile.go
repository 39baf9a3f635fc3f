package bpf

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// profileSample is one timed invocation.
type profileSample struct {
	programType ProgramType
	start       time.Time
	duration    time.Duration
	failed      bool
}

// Profiler times program invocations and writes them to a destination in CSV
// format.
//
// Samples are handed over on a bounded channel. When the writer falls behind,
// programs on hooks whose execution mode cannot block drop their samples;
// the others wait for room until Monitor returns.
type Profiler struct {
	logger     *zap.SugaredLogger
	samples    chan profileSample
	done       chan struct{}
	outputDest *csv.Writer
	dropped    atomic.Uint64
}

func NewProfiler(logger *zap.SugaredLogger, outputDest io.Writer) *Profiler {
	return newProfiler(logger, outputDest, 1024)
}

func newProfiler(logger *zap.SugaredLogger, outputDest io.Writer, size int) *Profiler {
	return &Profiler{
		logger:     logger,
		samples:    make(chan profileSample, size),
		done:       make(chan struct{}),
		outputDest: csv.NewWriter(outputDest),
	}
}

// Wrap returns a Program that reports each run of prog to the profiler. mode
// is the execution mode of the hook prog is attached to.
func (p *Profiler) Wrap(programType ProgramType, mode ExecutionMode, prog Program) Program {
	return &profiledProgram{Program: prog, programType: programType, mode: mode, profiler: p}
}

type profiledProgram struct {
	Program
	programType ProgramType
	mode        ExecutionMode
	profiler    *Profiler
}

func (pp *profiledProgram) Run(ctx Context) (uint32, error) {
	start := time.Now()
	ret, err := pp.Program.Run(ctx)

	sample := profileSample{
		programType: pp.programType,
		start:       start,
		duration:    time.Since(start),
		failed:      err != nil,
	}

	if !pp.mode.CanBlock() {
		select {
		case pp.profiler.samples <- sample:
		default:
			pp.profiler.dropped.Add(1)
		}

		return ret, err
	}

	select {
	case <-pp.profiler.done:
		pp.profiler.dropped.Add(1)
		return ret, err
	default:
	}

	select {
	case pp.profiler.samples <- sample:
	case <-pp.profiler.done:
		pp.profiler.dropped.Add(1)
	}

	return ret, err
}

// Dropped returns how many samples were discarded because the writer was
// behind.
func (p *Profiler) Dropped() uint64 {
	return p.dropped.Load()
}

// Monitor writes samples to the output dest as they come in.
//
// Calls to Monitor are blocking. A Profiler is monitored at most once.
func (p *Profiler) Monitor(ctx context.Context) error {
	defer close(p.done)

	if err := p.outputDest.Write([]string{
		"program-type",
		"start-unix-ns",
		"duration-ns",
		"failed",
	}); err != nil {
		return fmt.Errorf("failed to write profile header: %w", err)
	}
	defer p.outputDest.Flush()

	p.logger.Info("profiler listening")

	for {
		var sample profileSample

		select {
		case <-ctx.Done():
			return p.drain()
		case sample = <-p.samples:
		}

		if err := p.write(sample); err != nil {
			return err
		}
	}
}

// drain writes whatever is still buffered once monitoring stops.
func (p *Profiler) drain() error {
	for {
		select {
		case sample := <-p.samples:
			if err := p.write(sample); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (p *Profiler) write(sample profileSample) error {
	if err := p.outputDest.Write([]string{
		sample.programType.String(),
		strconv.FormatInt(sample.start.UnixNano(), 10),
		strconv.FormatInt(int64(sample.duration), 10),
		strconv.FormatBool(sample.failed),
	}); err != nil {
		return fmt.Errorf("failed to write profile to output: %w", err)
	}

	return nil
}
