package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lunavale/parley/internal/session"
	"github.com/lunavale/parley/internal/socket"
	"github.com/lunavale/parley/internal/status"
)

const (
	defaultInitialBackoff    = time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultAuthRetryInterval = 15 * time.Second
)

// Connector runs one socket connection until teardown. Satisfied by
// (*chat.Service).Connect.
type Connector func(ctx context.Context, token string, onReady func()) error

// Runner owns the connection retry policy: exponential backoff on
// lost connections, and a slower poll of the credentials file when
// the token is rejected.
type Runner struct {
	connect     Connector
	machine     *status.Machine
	credentials func() (*session.Credentials, error)
	logger      *zap.Logger

	initialBackoff    time.Duration
	maxBackoff        time.Duration
	authRetryInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner builds the reconnect loop. credentials is re-invoked
// before every attempt so a rewritten credentials file is picked up
// without a restart.
func NewRunner(connect Connector, machine *status.Machine, credentials func() (*session.Credentials, error), logger *zap.Logger) *Runner {
	return &Runner{
		connect:           connect,
		machine:           machine,
		credentials:       credentials,
		logger:            logger.Named("runner"),
		initialBackoff:    defaultInitialBackoff,
		maxBackoff:        defaultMaxBackoff,
		authRetryInterval: defaultAuthRetryInterval,
	}
}

// Start launches the loop in the background.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop tears the connection down and waits for the loop to exit.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)

	backoff := r.initialBackoff
	for {
		creds, err := r.credentials()
		if err != nil {
			r.logger.Info("waiting for credentials", zap.Error(err))
			r.transition(status.AuthRequired)
			if !sleep(ctx, r.authRetryInterval) {
				return
			}
			continue
		}

		r.transition(status.Connecting)

		var becameReady atomic.Bool
		err = r.connect(ctx, creds.AccessToken, func() {
			becameReady.Store(true)
			r.transition(status.Ready)
			r.logger.Info("connection ready")
		})
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, socket.ErrUnauthorized) {
			r.logger.Warn("token rejected, waiting for new credentials")
			r.transition(status.AuthRequired)
			if !sleep(ctx, r.authRetryInterval) {
				return
			}
			backoff = r.initialBackoff
			continue
		}

		if becameReady.Load() {
			backoff = r.initialBackoff
		}
		r.logger.Warn("connection lost", zap.Error(err), zap.Duration("retry_in", backoff))
		r.transition(status.Reconnecting)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, r.maxBackoff)
	}
}

// transition moves the machine, logging rather than failing on moves
// the lifecycle does not allow from the current state.
func (r *Runner) transition(to status.State) {
	if err := r.machine.Transition(to); err != nil {
		r.logger.Debug("state transition skipped", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
