package flow

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stateflow-io/stateflow-go/flow/emit"
	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/store"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	eng, err := flow.NewEngine(
//	    flow.WithFlow(wf),
//	    flow.WithSQLite("orders.db"),
//	    flow.WithSweepInterval(10*time.Second),
//	)
type Option func(*engineConfig) error

type namedFlow struct {
	id   string
	flow *Flow
}

type namedHandler struct {
	name string
	h    Handler
}

type pendingDefinition struct {
	def *Definition
	reg *Registry
}

// engineConfig collects options before NewEngine applies them. The
// indirection lets options validate eagerly and the builder compose
// them in one pass.
type engineConfig struct {
	flows       []namedFlow
	definitions []pendingDefinition

	store    store.Store
	registry *Registry
	handlers []namedHandler

	busOpts  event.BusOptions
	emitters []emit.Emitter
	metrics  *Metrics

	sweepInterval time.Duration
	recentLimit   int
	cacheSize     int

	autoStart  bool
	autoResume bool
}

// WithFlow registers a compiled workflow under its own name.
func WithFlow(f *Flow) Option {
	return func(cfg *engineConfig) error {
		if f == nil {
			return fmt.Errorf("flow must not be nil")
		}
		cfg.flows = append(cfg.flows, namedFlow{id: f.Name(), flow: f})
		return nil
	}
}

// WithWorkflow registers a compiled workflow under an explicit id. The
// first registered workflow becomes the engine default.
func WithWorkflow(id string, f *Flow) Option {
	return func(cfg *engineConfig) error {
		if f == nil {
			return fmt.Errorf("flow must not be nil")
		}
		cfg.flows = append(cfg.flows, namedFlow{id: id, flow: f})
		return nil
	}
}

// WithDefinition registers a workflow from a YAML document. The
// definition is decoded eagerly; handler names are resolved against
// reg at build time, or against the engine's handler registry when reg
// is nil.
func WithDefinition(data []byte, reg *Registry) Option {
	return func(cfg *engineConfig) error {
		def, err := DecodeDefinition(data)
		if err != nil {
			return err
		}
		cfg.definitions = append(cfg.definitions, pendingDefinition{def: def, reg: reg})
		return nil
	}
}

// WithDefinitionFile registers a workflow from a YAML file on disk.
func WithDefinitionFile(path string, reg *Registry) Option {
	return func(cfg *engineConfig) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read definition %s: %w", path, err)
		}
		def, err := DecodeDefinition(data)
		if err != nil {
			return fmt.Errorf("definition %s: %w", path, err)
		}
		cfg.definitions = append(cfg.definitions, pendingDefinition{def: def, reg: reg})
		return nil
	}
}

// WithStore uses the given persistence adapter. The last store option
// wins; without one the engine runs on an in-memory store.
func WithStore(st store.Store) Option {
	return func(cfg *engineConfig) error {
		if st == nil {
			return fmt.Errorf("store must not be nil")
		}
		cfg.store = st
		return nil
	}
}

// WithMemoryStore uses the in-memory store. Instances do not survive
// a process restart.
func WithMemoryStore() Option {
	return func(cfg *engineConfig) error {
		cfg.store = store.NewMemoryStore()
		return nil
	}
}

// WithSQLite opens (creating if needed) a SQLite database at path and
// uses it as the persistence adapter. ":memory:" gives a private
// in-process database.
func WithSQLite(path string) Option {
	return func(cfg *engineConfig) error {
		st, err := store.NewSQLiteStore(path)
		if err != nil {
			return err
		}
		cfg.store = st
		return nil
	}
}

// WithMySQL connects to a MySQL database and uses it as the
// persistence adapter. See store.NewMySQLStore for DSN guidance.
func WithMySQL(dsn string) Option {
	return func(cfg *engineConfig) error {
		st, err := store.NewMySQLStore(dsn)
		if err != nil {
			return err
		}
		cfg.store = st
		return nil
	}
}

// WithRedis uses a Redis-backed persistence adapter over the given
// client. The engine takes ownership of the client and closes it with
// the store.
func WithRedis(client *redis.Client) Option {
	return func(cfg *engineConfig) error {
		st, err := store.NewRedisStore(client)
		if err != nil {
			return err
		}
		cfg.store = st
		return nil
	}
}

// WithHandlerRegistry uses reg to resolve handler names in workflow
// definitions. Handlers added via WithHandler are registered into it.
func WithHandlerRegistry(reg *Registry) Option {
	return func(cfg *engineConfig) error {
		if reg == nil {
			return fmt.Errorf("registry must not be nil")
		}
		cfg.registry = reg
		return nil
	}
}

// WithHandler registers a named handler with the engine's registry.
func WithHandler(name string, h Handler) Option {
	return func(cfg *engineConfig) error {
		cfg.handlers = append(cfg.handlers, namedHandler{name: name, h: h})
		return nil
	}
}

// WithHandlerFunc registers a function handler with the engine's
// registry.
func WithHandlerFunc(name string, fn HandlerFunc) Option {
	return func(cfg *engineConfig) error {
		cfg.handlers = append(cfg.handlers, namedHandler{name: name, h: fn})
		return nil
	}
}

// WithBusOptions tunes the event bus. Zero fields keep the bus
// defaults (8 workers, queue depth 1024, 5s delivery timeout).
func WithBusOptions(opts event.BusOptions) Option {
	return func(cfg *engineConfig) error {
		cfg.busOpts = opts
		return nil
	}
}

// WithEmitter adds an observability emitter. Multiple emitters fan
// out.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		if e == nil {
			return fmt.Errorf("emitter must not be nil")
		}
		cfg.emitters = append(cfg.emitters, e)
		return nil
	}
}

// WithLogger routes engine events to a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		cfg.emitters = append(cfg.emitters, emit.NewZapEmitter(logger))
		return nil
	}
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithSweepInterval sets how often the timeout sweeper scans.
//
// Default: 30s. Lower it when workflows use short pause timeouts; the
// sweep reads every instance id, so very low intervals on large stores
// cost throughput.
func WithSweepInterval(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d <= 0 {
			return fmt.Errorf("sweep interval must be positive")
		}
		cfg.sweepInterval = d
		return nil
	}
}

// WithRecentEventLimit bounds the rolling event window kept on each
// instance context. Default: 100.
func WithRecentEventLimit(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return fmt.Errorf("recent event limit must be positive")
		}
		cfg.recentLimit = n
		return nil
	}
}

// WithInstanceCacheSize sets the capacity of the in-memory context
// cache. Default: 256. Evicted instances reload from the store on
// their next event.
func WithInstanceCacheSize(n int) Option {
	return func(cfg *engineConfig) error {
		if n <= 0 {
			return fmt.Errorf("instance cache size must be positive")
		}
		cfg.cacheSize = n
		return nil
	}
}

// WithAutoStart controls whether NewEngine starts the bus, scheduler,
// and sweeper before returning. Default: true. With false, call
// Engine.Start yourself.
func WithAutoStart(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.autoStart = enabled
		return nil
	}
}

// WithAutoResume runs one sweep pass when the engine starts, so pauses
// that expired while the process was down are serviced immediately
// instead of waiting out the first sweep interval.
func WithAutoResume(enabled bool) Option {
	return func(cfg *engineConfig) error {
		cfg.autoResume = enabled
		return nil
	}
}
