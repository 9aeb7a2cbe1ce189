package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/pkg/profile"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"pkg.world.dev/epix/pkg/epix"
	"pkg.world.dev/epix/pkg/epix/ecs"
	"pkg.world.dev/epix/pkg/epix/schedule"
)

const (
	arenaSize = 100.0
	maxHP     = 150
	reapEvery = 10 // Frames between despawning dead entities
)

// -------------------------------------------------------------------------------------------------
// Components and resources
// -------------------------------------------------------------------------------------------------

type position struct {
	X, Y float64
}

func (position) Name() string { return "Position" }

type velocity struct {
	X, Y float64
}

func (velocity) Name() string { return "Velocity" }

type health struct {
	HP int
}

func (health) Name() string { return "Health" }

type arena struct {
	Size float64
}

type demoStats struct {
	Despawned int
}

// -------------------------------------------------------------------------------------------------
// Systems
// -------------------------------------------------------------------------------------------------

type mover struct {
	Position ecs.Mut[position]
	Velocity ecs.Ref[velocity]
}

type living struct {
	Position ecs.Ref[position]
	Health   ecs.Mut[health]
}

func spawnSystem(entities int, seed uint64) ecs.System {
	rng := rand.New(rand.NewPCG(seed, seed)) //nolint:gosec // simulation
	return ecs.NewSystem("spawn", func(s *struct {
		Commands ecs.Commands
		Arena    ecs.Res[arena]
	}) error {
		size := s.Arena.Get().Size
		for range entities {
			s.Commands.Spawn(
				position{X: rng.Float64() * size, Y: rng.Float64() * size},
				velocity{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1},
				health{HP: 50 + rng.IntN(maxHP-50)},
			)
		}
		return nil
	})
}

// movementSystem moves entities by their velocity, wrapping around the arena.
func movementSystem() ecs.System {
	return ecs.NewSystem("movement", func(s *struct {
		Movers ecs.Query[mover]
		Arena  ecs.Res[arena]
	}) error {
		size := s.Arena.Get().Size
		for _, m := range s.Movers.Iter() {
			pos := m.Position.Ptr()
			vel := m.Velocity.Get()
			pos.X = wrap(pos.X+vel.X, size)
			pos.Y = wrap(pos.Y+vel.Y, size)
		}
		return nil
	})
}

func wrap(v, size float64) float64 {
	switch {
	case v < 0:
		return v + size
	case v >= size:
		return v - size
	default:
		return v
	}
}

// hazardSystem damages entities in the left quarter of the arena and heals everyone else.
func hazardSystem() ecs.System {
	return ecs.NewSystem("hazard", func(s *struct {
		Living ecs.Query[living]
		Arena  ecs.Res[arena]
	}) error {
		hazard := s.Arena.Get().Size / 4
		for _, l := range s.Living.Iter() {
			hp := l.Health.Get().HP
			if l.Position.Get().X < hazard {
				hp -= 5
			} else if hp < maxHP {
				hp++
			}
			l.Health.Set(health{HP: hp})
		}
		return nil
	})
}

func reapSystem() ecs.System {
	return ecs.NewSystem("reap", func(s *struct {
		Commands ecs.Commands
		Living   ecs.Query[struct{ Health ecs.Ref[health] }]
		Stats    ecs.ResMut[demoStats]
	}) error {
		for e, l := range s.Living.Iter() {
			if l.Health.Get().HP <= 0 {
				s.Commands.Despawn(e)
				s.Stats.Ptr().Despawned++
			}
		}
		return nil
	})
}

func everyNFrames(n uint64) ecs.Condition {
	return ecs.NewCondition(fmt.Sprintf("every_%d_frames", n), func(s *struct {
		Frames ecs.Local[uint64]
	}) (bool, error) {
		frames := s.Frames.Get()
		*frames++
		return *frames%n == 0, nil
	})
}

// -------------------------------------------------------------------------------------------------
// Command
// -------------------------------------------------------------------------------------------------

type demoConfig struct {
	Ticks    int
	Entities int
	Workers  int
	Seed     uint64
	Profile  string
}

func (cfg *demoConfig) validate() error {
	if cfg.Ticks < 0 {
		return eris.New("ticks cannot be negative")
	}
	if cfg.Entities <= 0 {
		return eris.New("entities must be positive")
	}
	switch cfg.Profile {
	case "", "cpu", "mem":
	default:
		return eris.Errorf("unknown profile mode %q (must be 'cpu' or 'mem')", cfg.Profile)
	}
	return nil
}

type demoResult struct {
	Frames    uint64
	Alive     int
	Despawned int
	Healthy   int
}

func newDemoCmd() *cobra.Command {
	var cfg demoConfig
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "run a movement and health simulation",
		Long: "Spawns entities that wander an arena, take damage in a hazard zone and heal elsewhere. " +
			"With --ticks 0 the simulation runs at EPIX_TICK_RATE until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			switch cfg.Profile {
			case "cpu":
				defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
			case "mem":
				defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
			}
			_, err := runDemo(cmd.Context(), cfg, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().IntVar(&cfg.Ticks, "ticks", 600, "number of frames to run, 0 runs until interrupted")
	cmd.Flags().IntVar(&cfg.Entities, "entities", 1000, "number of entities to spawn")
	cmd.Flags().IntVar(&cfg.Workers, "workers", 0, "number of dispatcher workers, 0 uses EPIX_WORKERS")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", 1, "random seed")
	cmd.Flags().StringVar(&cfg.Profile, "profile", "", "write a cpu or mem profile to the working directory")
	return cmd
}

func runDemo(ctx context.Context, cfg demoConfig, out io.Writer, opts ...epix.Option) (demoResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := epix.NewApp(epix.AppOptions{Name: "epix-demo", Workers: cfg.Workers}, opts...)
	if err != nil {
		return demoResult{}, err
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	if err := setupDemo(app, cfg); err != nil {
		return demoResult{}, eris.Wrap(err, "failed to set up demo")
	}

	if cfg.Ticks == 0 {
		if err := app.Run(ctx); err != nil {
			return demoResult{}, err
		}
	} else {
		for range cfg.Ticks {
			if err := app.Update(ctx); err != nil {
				return demoResult{}, eris.Wrapf(err, "frame %d failed", app.Frame())
			}
		}
	}

	result := demoResult{Frames: app.Frame(), Alive: app.World().Len()}
	stats, err := ecs.Resource[demoStats](app.World())
	if err != nil {
		return demoResult{}, err
	}
	result.Despawned = stats.Despawned

	healthy, err := app.Search(context.Background(), ecs.SearchParam{
		Match: "CONTAINS(Health)",
		Where: "Health.HP >= 100",
	})
	if err != nil {
		return demoResult{}, err
	}
	result.Healthy = len(healthy)

	_, err = fmt.Fprintf(out, "frames=%d alive=%d despawned=%d healthy=%d\n",
		result.Frames, result.Alive, result.Despawned, result.Healthy)
	return result, err
}

func setupDemo(app *epix.App, cfg demoConfig) error {
	w := app.World()
	if _, err := ecs.RegisterComponent[position](w); err != nil {
		return err
	}
	if _, err := ecs.RegisterComponent[velocity](w); err != nil {
		return err
	}
	if _, err := ecs.RegisterComponent[health](w); err != nil {
		return err
	}
	epix.InsertResource(app, arena{Size: arenaSize})
	epix.InsertResource(app, demoStats{})

	simulation := schedule.SetLabel("simulation")
	if err := app.AddSystems(epix.Startup, schedule.Systems(spawnSystem(cfg.Entities, cfg.Seed))); err != nil {
		return err
	}
	if err := app.AddSystems(epix.Update,
		schedule.Chain(schedule.Systems(movementSystem()), schedule.Systems(hazardSystem())).InSet(simulation),
	); err != nil {
		return err
	}
	return app.AddSystems(epix.PostUpdate, schedule.Systems(reapSystem()).RunIf(everyNFrames(reapEvery)))
}
