package service

import (
	"context"
	"errors"
	"sync"

	"github.com/tendermint/bloomsync/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service (without resetting it).
	ErrAlreadyStopped = errors.New("already stopped")
	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Stop the service. Stop must be safe to call concurrently with the
	// cancellation of the context passed to Start.
	Stop() error

	// Return true if the service is running
	IsRunning() bool

	// String representation of the service
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method
	OnStart(context.Context) error

	// Called when the service's context is canceled or Stop is called.
	OnStop()
}

/*
BaseService provides the start/stop bookkeeping for replicas, transports and
the relay. Embedders implement OnStart/OnStop; in the absence of errors these
are called at most once. If OnStart returns an error the service is not marked
as started and Start may be called again.

Typical usage:

	type Replica struct {
		service.BaseService
		// private fields
	}

	func NewReplica(logger log.Logger) *Replica {
		r := &Replica{}
		r.BaseService = *service.NewBaseService(logger, "Replica", r)
		return r
	}

	func (r *Replica) OnStart(ctx context.Context) error {
		// subscribe, start goroutines that exit when ctx is done
	}

	func (r *Replica) OnStop() {
		// release subscriptions
	}
*/
type BaseService struct {
	logger log.Logger
	name   string

	mtx     sync.Mutex
	quit    <-chan struct{}
	cancel  context.CancelFunc
	started bool
	stopped bool

	// The "subclass" of BaseService
	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit != nil {
		return ErrAlreadyStarted
	}
	if bs.stopped {
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		return ErrAlreadyStopped
	}

	bs.logger.Info("starting service", "service", bs.name)

	srvCtx, cancel := context.WithCancel(context.Background())
	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		return err
	}

	bs.cancel = cancel
	bs.quit = srvCtx.Done()
	bs.started = true

	go func(ctx context.Context) {
		select {
		case <-srvCtx.Done():
			// someone else explicitly called stop
			// and then we shouldn't.
			return
		case <-ctx.Done():
			// the context was canceled and we
			// should stop.
			if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
				bs.logger.Error("stopped service", "err", err.Error(), "service", bs.name)
			}

			bs.logger.Info("stopped service", "service", bs.name)
		}
	}(ctx)

	return nil
}

// Stop implements Service by calling OnStop (if defined) and closing quit
// channel. An error will be returned if the service is already stopped.
func (bs *BaseService) Stop() error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit == nil {
		bs.logger.Error("not stopping service; not started yet", "service", bs.name)
		return ErrNotStarted
	}
	if bs.stopped {
		return ErrAlreadyStopped
	}

	bs.logger.Info("stopping service", "service", bs.name)
	bs.stopped = true
	bs.cancel()
	bs.impl.OnStop()

	return nil
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.started && !bs.stopped
}

// Quit returns a channel that is closed once the service stops. It returns
// nil before the service is started.
func (bs *BaseService) Quit() <-chan struct{} {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	return bs.quit
}

// Wait blocks until the service is stopped. It returns immediately if the
// service was never started.
func (bs *BaseService) Wait() {
	if quit := bs.Quit(); quit != nil {
		<-quit
	}
}

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
