// Package eventrelay wires the transactional-outbox producer, the broker
// dispatcher, and the idempotent consumer harness into a reliable
// event-delivery pipeline for service-to-service messaging.
package eventrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/meridianbank/lib-eventrelay/log"
	"github.com/meridianbank/lib-eventrelay/xruntime"
)

var (
	ErrNilLauncher  = errors.New("launcher is nil")
	ErrEmptyApp     = errors.New("app name is empty")
	ErrNilApp       = errors.New("app is nil")
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-lived background loop: the outbox dispatcher or a consumer
// harness. Run blocks until ctx is cancelled or the loop fails.
type App interface {
	Run(ctx context.Context) error
}

// AppFunc adapts a function to App.
type AppFunc func(ctx context.Context) error

func (fn AppFunc) Run(ctx context.Context) error {
	if fn == nil {
		return ErrNilApp
	}

	return fn(ctx)
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLauncherLogger sets a structured logger.
func WithLauncherLogger(logger log.Logger) LauncherOption {
	return func(launcher *Launcher) {
		if logger != nil {
			launcher.logger = logger
		}
	}
}

// RunApp registers an app with the launcher. Registration failures are
// collected and surfaced by Run.
func RunApp(name string, app App) LauncherOption {
	return func(launcher *Launcher) {
		if err := launcher.Add(name, app); err != nil {
			launcher.configErrors = append(launcher.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs the registered loops in parallel and waits for all of them.
// Each loop is independent: one loop failing does not stop the others;
// cancellation of the shared context stops them all.
type Launcher struct {
	logger       log.Logger
	apps         map[string]App
	wg           *sync.WaitGroup
	configErrors []error

	mu      sync.Mutex
	runErrs []error
}

// NewLauncher creates a launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	launcher := &Launcher{
		logger: log.NewNop(),
		apps:   make(map[string]App),
		wg:     new(sync.WaitGroup),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(launcher)
		}
	}

	return launcher
}

// Add registers an app under a unique name.
func (launcher *Launcher) Add(appName string, app App) error {
	if launcher == nil {
		return ErrNilLauncher
	}

	if launcher.apps == nil {
		launcher.apps = make(map[string]App)
	}

	if launcher.wg == nil {
		launcher.wg = new(sync.WaitGroup)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if app == nil {
		return ErrNilApp
	}

	launcher.apps[appName] = app

	return nil
}

// Run starts every registered app and blocks until all of them return. App
// failures are collected and returned joined; they do not interrupt the
// remaining apps.
func (launcher *Launcher) Run(ctx context.Context) error {
	if launcher == nil {
		return ErrNilLauncher
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if launcher.wg == nil {
		launcher.wg = new(sync.WaitGroup)
	}

	if len(launcher.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, launcher.configErrors...)...)
	}

	count := len(launcher.apps)

	launcher.logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", count))

	launcher.wg.Add(count)

	for name, app := range launcher.apps {
		xruntime.SafeGo(launcher.logger, "launcher.run_"+name, func() {
			defer launcher.wg.Done()

			launcher.logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

			if err := app.Run(ctx); err != nil {
				launcher.recordError(fmt.Errorf("app %q: %w", name, err))
				launcher.logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))
			}

			launcher.logger.Log(context.Background(), log.LevelInfo, "app finished", log.String("app", name))
		})
	}

	launcher.wg.Wait()

	launcher.logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	launcher.mu.Lock()
	defer launcher.mu.Unlock()

	return errors.Join(launcher.runErrs...)
}

func (launcher *Launcher) recordError(err error) {
	launcher.mu.Lock()
	defer launcher.mu.Unlock()

	launcher.runErrs = append(launcher.runErrs, err)
}
