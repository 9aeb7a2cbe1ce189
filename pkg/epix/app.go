// Package epix ties the world, the schedules, and the dispatcher together into an App that runs
// frames in a loop.
package epix

import (
	"context"
	"errors"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"pkg.world.dev/epix/pkg/epix/access"
	"pkg.world.dev/epix/pkg/epix/dispatch"
	"pkg.world.dev/epix/pkg/epix/ecs"
	"pkg.world.dev/epix/pkg/epix/handle"
	"pkg.world.dev/epix/pkg/epix/schedule"
	"pkg.world.dev/epix/pkg/statsd"
	"pkg.world.dev/epix/pkg/telemetry"
	"pkg.world.dev/epix/pkg/telemetry/sentry"
)

// ErrScheduleNotFound is returned when running a schedule that was never added.
var ErrScheduleNotFound = eris.New("schedule not found")

// ScheduleLabel names a schedule of the app.
type ScheduleLabel string

const (
	// Startup runs once, before the first frame.
	Startup ScheduleLabel = "startup"
	// First runs at the start of every frame.
	First ScheduleLabel = "first"
	// PreUpdate runs before Update.
	PreUpdate ScheduleLabel = "pre_update"
	// Update holds most game logic.
	Update ScheduleLabel = "update"
	// PostUpdate runs after Update.
	PostUpdate ScheduleLabel = "post_update"
	// Last runs at the end of every frame.
	Last ScheduleLabel = "last"
)

// frameSchedules are run, in order, by every call to App.Update.
var frameSchedules = []ScheduleLabel{First, PreUpdate, Update, PostUpdate, Last} //nolint:gochecknoglobals // constant

// App owns a world and runs its schedules on a dispatcher. Setup methods (AddSystems,
// InsertResource, ...) must not be called while a frame is running.
type App struct {
	world      *ecs.World
	dispatcher *dispatch.Dispatcher
	schedules  map[ScheduleLabel]*schedule.Schedule
	labels     []ScheduleLabel // Creation order

	started bool   // Startup has run
	frame   uint64 // Number of completed frames

	metrics bool // Metrics client was initialized by the app
	options AppOptions
	tel     telemetry.Telemetry
	logger  zerolog.Logger
}

// Option configures parts of an App that can't be set through AppOptions.
type Option func(*App)

// WithTelemetry uses tel instead of building telemetry from the environment.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(a *App) { a.tel = tel }
}

// NewApp creates an app with the built-in schedules. Options are merged from defaults, EPIX_*
// environment variables, and opts, in that order.
func NewApp(opts AppOptions, appOpts ...Option) (*App, error) {
	// Load and validate options.
	config, err := loadAppConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load app config")
	}
	options := newDefaultAppOptions()
	config.applyToOptions(&options)
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid app options")
	}

	app := &App{
		schedules: make(map[ScheduleLabel]*schedule.Schedule),
		options:   options,
	}
	for _, opt := range appOpts {
		opt(app)
	}

	// Setup telemetry.
	if app.tel.Tracer == nil {
		tel, err := telemetry.New(telemetry.Options{ServiceName: options.Name})
		if err != nil {
			return nil, eris.Wrap(err, "failed to initialize telemetry")
		}
		app.tel = tel
	}
	app.logger = app.tel.GetLogger("app")

	// Setup metrics.
	if options.StatsdAddress != "" {
		if err := statsd.Init(options.StatsdAddress, options.StatsdTags); err != nil {
			return nil, eris.Wrap(err, "failed to initialize statsd")
		}
		app.metrics = true
	}

	app.world = ecs.NewWorld(ecs.WithLogger(app.tel.GetLogger("world")))
	dispatchOpts := []dispatch.Option{dispatch.WithLogger(app.tel.GetLogger("dispatcher"))}
	if options.Workers > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithWorkers(options.Workers))
	}
	app.dispatcher = dispatch.New(app.world, dispatchOpts...)

	app.addSchedule(Startup)
	for _, label := range frameSchedules {
		app.addSchedule(label)
	}

	return app, nil
}

func (a *App) addSchedule(label ScheduleLabel) *schedule.Schedule {
	s := schedule.New(string(label),
		schedule.WithLogger(a.tel.GetLogger("schedule")),
		schedule.WithTracer(a.tel.Tracer),
	)
	a.schedules[label] = s
	a.labels = append(a.labels, label)
	return s
}

// World returns the app's world. It must only be accessed directly between frames.
func (a *App) World() *ecs.World {
	return a.world
}

// Dispatcher returns the dispatcher that runs the app's systems.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Schedule returns the schedule with the given label.
func (a *App) Schedule(label ScheduleLabel) (*schedule.Schedule, bool) {
	s, ok := a.schedules[label]
	return s, ok
}

// Frame returns the number of frames completed by Update.
func (a *App) Frame() uint64 {
	return a.frame
}

// Options returns the resolved options of the app.
func (a *App) Options() AppOptions {
	return a.options
}

// -------------------------------------------------------------------------------------------------
// Setup
// -------------------------------------------------------------------------------------------------

// AddSystems adds systems to the schedule with the given label, creating the schedule if it isn't
// one of the built-in ones. Schedules other than the built-in ones only run through RunSchedule.
func (a *App) AddSystems(label ScheduleLabel, configs ...*schedule.NodeConfig) error {
	s, ok := a.schedules[label]
	if !ok {
		s = a.addSchedule(label)
	}
	if err := s.Add(configs...); err != nil {
		return eris.Wrapf(err, "failed to add systems to %s", label)
	}
	return nil
}

// ConfigureSets configures sets of the schedule with the given label, e.g. to order them or gate
// them on run conditions.
func (a *App) ConfigureSets(label ScheduleLabel, sets ...*schedule.NodeConfig) error {
	return a.AddSystems(label, sets...)
}

// InsertResource inserts a resource into the app's world.
func InsertResource[T any](a *App, value T) {
	ecs.InsertResource(a.world, value)
}

// AddHandleStore creates a handle store for values of type T and inserts it as a resource, so
// systems can use it through ecs.Res[*handle.Store[T]]. Values whose last strong handle was
// released are removed at the end of every frame, and onDrop, if not nil, is called for each.
func AddHandleStore[T any](a *App, onDrop func(id handle.ID, value T)) (*handle.Store[T], error) {
	store := handle.NewStore[T](handle.WithLogger(a.tel.GetLogger("handles")))
	InsertResource(a, store)

	name := "handle_cleanup:" + reflect.TypeFor[T]().String()
	cleanup := ecs.NewSystem(name, func(state *struct {
		Store ecs.ResMut[*handle.Store[T]]
	}) error {
		dropped := state.Store.Get().ProcessDrops(onDrop)
		if dropped > 0 {
			statsd.EmitCount("handles.dropped", int64(dropped), "type:"+reflect.TypeFor[T]().Name())
		}
		return nil
	})
	if err := a.AddSystems(Last, schedule.Systems(cleanup)); err != nil {
		return nil, err
	}
	return store, nil
}

// -------------------------------------------------------------------------------------------------
// Running
// -------------------------------------------------------------------------------------------------

// RunSchedule runs the schedule with the given label once.
func (a *App) RunSchedule(ctx context.Context, label ScheduleLabel) error {
	s, ok := a.schedules[label]
	if !ok {
		return eris.Wrapf(ErrScheduleNotFound, "%s", label)
	}
	return s.Execute(ctx, a.dispatcher, schedule.ExecuteConfig{
		ApplyDeferred: a.options.ApplyDeferred.applyMode(),
	})
}

// Update runs one frame: Startup on the first call, then the frame schedules in order. A failing
// schedule doesn't stop the ones after it; the errors are joined. Stored change ticks are rebased
// once enough ticks have passed.
func (a *App) Update(ctx context.Context) error {
	start := time.Now()
	var errs []error

	if !a.started {
		a.started = true
		if err := a.RunSchedule(ctx, Startup); err != nil {
			errs = append(errs, err)
		}
	}

	for _, label := range frameSchedules {
		if ctx.Err() != nil {
			errs = append(errs, eris.Wrapf(ctx.Err(), "frame %d interrupted before %s", a.frame, label))
			break
		}
		if err := a.RunSchedule(ctx, label); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.checkChangeTicks(); err != nil {
		errs = append(errs, err)
	}

	a.frame++
	statsd.EmitTiming("app.update", start)
	return errors.Join(errs...)
}

// checkChangeTicks rebases the ticks stored in the world and in every system once the world says
// they're getting old.
func (a *App) checkChangeTicks() error {
	_, err := a.dispatcher.WorldScope("check_change_ticks", func(w *ecs.World) error {
		if !w.CheckChangeTicks() {
			return nil
		}
		now := w.ChangeTick()
		for _, label := range a.labels {
			for _, sys := range a.schedules[label].Systems() {
				sys.CheckChangeTick(now)
			}
		}
		a.logger.Debug().Uint32("tick", uint32(now)).Msg("rebased change ticks")
		return nil
	}).Wait()
	return err
}

// Run runs frames at the configured tick rate until ctx is cancelled or the process receives
// SIGINT or SIGTERM. Failed frames are logged and reported; the loop keeps going.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer sentry.RecoverAndFlush(true)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / a.options.TickRate))
	defer ticker.Stop()

	a.logger.Info().Float64("tick_rate", a.options.TickRate).Int("workers", a.dispatcher.Workers()).
		Msg("starting main loop")
	for {
		select {
		case <-ticker.C:
			if err := a.Update(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Error().Err(err).Uint64("frame", a.frame).Msg("frame failed")
				sentry.CaptureException(ctx, err)
			}
		case <-ctx.Done():
			a.logger.Info().Uint64("frames", a.frame).Msg("main loop stopped")
			return nil
		}
	}
}

// Search runs an ad-hoc search over entity data alongside any systems that don't write
// components. It's safe to call from any goroutine.
func (a *App) Search(ctx context.Context, params ecs.SearchParam) ([]map[string]any, error) {
	fa := access.NewFiltered()
	fa.Access().ReadAllComponents()
	var acc access.FilteredAccessSet
	acc.Add(&fa)

	future := dispatch.Submit(a.dispatcher, &acc, dispatch.TaskConfig{Name: "search"},
		func(w *ecs.World) ([]map[string]any, error) {
			return w.Search(params)
		})
	results, err := future.Get(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "search failed")
	}
	return results, nil
}

// Shutdown stops the dispatcher and flushes telemetry. The app can't be used afterwards.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("shutting down app")

	var errs []error
	if err := a.dispatcher.Close(); err != nil {
		errs = append(errs, eris.Wrap(err, "dispatcher shutdown error"))
	}
	if a.metrics {
		if err := statsd.Close(); err != nil {
			errs = append(errs, eris.Wrap(err, "statsd shutdown error"))
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		errs = append(errs, eris.Wrap(err, "telemetry shutdown error"))
	}
	return errors.Join(errs...)
}
