package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikaelmello/pathprobe/core"
	log "github.com/sirupsen/logrus"
)

// Runner is the struct that is responsible for running the program
type Runner struct {
	run    func(ctx context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	sigch  chan os.Signal
	endch  chan error
}

// newRunner creates a runner with the initialized values
func newRunner(run func(ctx context.Context) error) *Runner {
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		run:    run,
		ctx:    ctx,
		cancel: cancel,
		sigch:  make(chan os.Signal, 1),
		endch:  make(chan error, 1),
	}
}

// newTraceRunner creates a runner tracing the path described by settings, printing through p
func newTraceRunner(transport core.Transport, logger *log.Logger, settings *core.TraceSettings, p *printer) *Runner {
	tracer := core.NewTracer(transport, logger)
	p.registerTrace(tracer)

	return newRunner(func(ctx context.Context) error {
		_, err := tracer.Run(ctx, settings)
		return err
	})
}

// newScanRunner creates a runner sweeping the subnet described by settings, printing through p
func newScanRunner(transport core.Transport, logger *log.Logger, settings *core.ScanSettings, p *printer) *Runner {
	sweeper := core.NewSweeper(transport, logger)
	p.registerScan(sweeper)

	return newRunner(func(ctx context.Context) error {
		_, err := sweeper.Scan(ctx, settings)
		return err
	})
}

// Start starts the runner
func (r *Runner) Start() {
	r.handleSignals()

	go func() {
		err := r.run(r.ctx)
		r.endch <- err
	}()
}

// RequestStop requests the stop of the run, it ends before the next probe is sent
func (r *Runner) RequestStop() {
	r.cancel()
}

// Wait blocks the caller until the runner finishes. A stopped run is not an error, its partial
// results have already been printed.
func (r *Runner) Wait() error {
	err := <-r.endch

	signal.Stop(r.sigch)
	r.cancel()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleSignals registers the termination signals as stop requests
func (r *Runner) handleSignals() {
	signal.Notify(r.sigch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-r.sigch:
			r.RequestStop()
		case <-r.ctx.Done():
		}
	}()
}
