package internal

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Exit codes: 0 clean shutdown, 1 drain timeout or shutdown error,
// 2 unrecoverable failure reported by the fault supervisor.
const (
	ExitClean         = 0
	ExitError         = 1
	ExitUnrecoverable = 2
)

// exitFunc is swapped out in tests.
var exitFunc = os.Exit

type ShutdownHandler interface {
	Shutdown()          // Triggers a graceful shutdown programmatically.
	Abort(code int)     // Exits immediately without running shutdown tasks.
	ShuttingDown() bool // Quickly checks if a shutdown is in progress.
	Wait()              // Blocks until shutdown tasks are complete.
}

type shutdownHandler struct {
	quit         chan os.Signal
	shuttingDown chan bool
	drainTimeout time.Duration
	wg           sync.WaitGroup
}

// NewShutdownHandler traps SIGINT/SIGTERM and runs onShutdown once a
// signal arrives (if not nil). onShutdown gets drainTimeout to finish;
// past that the process exits with ExitError.
func NewShutdownHandler(drainTimeout time.Duration, onShutdown func() error) ShutdownHandler {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	sh := &shutdownHandler{
		quit:         make(chan os.Signal, 1),
		shuttingDown: make(chan bool, 1),
		drainTimeout: drainTimeout,
	}
	sh.wg.Add(1)

	go func() {
		defer sh.wg.Done()
		signal.Notify(sh.quit, syscall.SIGINT, syscall.SIGTERM)
		// Kubernetes sends SIGTERM 30 seconds before killing the pod.
		sig := <-sh.quit
		sh.shuttingDown <- true
		zap.S().Infow("Received signal, shutting down", "signal", sig.String())
		if onShutdown != nil {
			zap.S().Infow("Waiting for shutdown tasks to complete", "timeout", sh.drainTimeout)
			go func() {
				<-time.After(sh.drainTimeout)
				zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", sh.drainTimeout)
				_ = zap.S().Sync()
				exitFunc(ExitError)
			}()
			if err := onShutdown(); err != nil {
				zap.S().Errorw("Error during shutdown", "error", err)
				_ = zap.S().Sync()
				exitFunc(ExitError)
				return
			}
		}
		zap.S().Info("Shutdown tasks completed. Ready to exit.")
		_ = zap.S().Sync()
		exitFunc(ExitClean)
	}()

	return sh
}

func (sh *shutdownHandler) ShuttingDown() bool {
	select {
	case <-sh.shuttingDown:
		// Put the value back, in case it's checked again later during shutdown.
		sh.shuttingDown <- true
		return true
	default:
		return false
	}
}

func (sh *shutdownHandler) Shutdown() {
	if !sh.ShuttingDown() {
		sh.quit <- syscall.SIGTERM
	}
}

// Abort skips draining. Used when continuing would corrupt state, for
// example when the fault supervisor has given up on a failure.
func (sh *shutdownHandler) Abort(code int) {
	zap.S().Errorf("Aborting with exit code %d", code)
	_ = zap.S().Sync()
	exitFunc(code)
}

func (sh *shutdownHandler) Wait() {
	sh.wg.Wait()
}
