// Package engine executes workflow definitions. It walks the node graph,
// suspends on human work and timers, retries failed nodes under their retry
// policy and records every node execution through the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/httpcall"
	"github.com/rendis/taskflow/internal/identity"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/internal/tasks"
	"github.com/rendis/taskflow/internal/timers"
	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultDefinitionCacheTTL is how long a parsed graph stays cached.
const DefaultDefinitionCacheTTL = 10 * time.Minute

// Config configures the engine. Zero values select defaults.
type Config struct {
	ScriptTimeout      time.Duration
	DefinitionCacheTTL time.Duration
	// MaxParallelBranches bounds the goroutines of one PARALLEL fan-out. 0 means unbounded.
	MaxParallelBranches int
	Clock               clock.Clock
	Logger              *slog.Logger
	Tracer              trace.Tracer
}

// Store is the persistence the engine needs.
type Store interface {
	store.DefinitionStore
	store.InstanceStore
}

// TaskCreator is the part of the task manager the engine drives.
type TaskCreator interface {
	CreateTask(ctx context.Context, p tasks.CreateTaskParams) (*schema.Task, error)
	CancelTask(ctx context.Context, taskID, reason string) (*schema.Task, error)
	FindLeastLoadedUser(ctx context.Context, candidates []string) (string, error)
}

// Deps are the collaborators of the engine. Only Store is required.
type Deps struct {
	Store    Store
	Tasks    TaskCreator
	Notifier notify.Notifier
	HTTP     *httpcall.Client
	Identity identity.Directory
	Hub      streaming.EventHub
	// Vault resolves {{secrets.NAME}} in API_CALL requests. Optional.
	Vault    secrets.Vault
}

// StartOptions carries the caller's input for a new instance.
type StartOptions struct {
	Context   schema.InstanceContext
	Variables map[string]any
	// Version pins a definition version. 0 selects the latest.
	Version int
}

// Engine runs workflow instances. All methods are safe for concurrent use.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	store    Store
	tasks    TaskCreator
	notifier notify.Notifier
	http     *httpcall.Client
	identity identity.Directory
	hub      streaming.EventHub

	conditions *expressions.ConditionEvaluator
	scripts    *expressions.ScriptEngine
	mapper     *expressions.Mapper
	interp     *expressions.Interpolator
	validator  *validation.WorkflowValidator
	graphs     *ttlcache.Cache[string, *Graph]
	timers     *timers.Scheduler

	regMu sync.Mutex // serializes version assignment

	mu   sync.Mutex
	runs map[string]*run
}

// errSkip aborts a locked section without reporting a failure.
var errSkip = errors.New("skip")

// New creates an engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/taskflow/internal/engine")
	}
	if cfg.DefinitionCacheTTL <= 0 {
		cfg.DefinitionCacheTTL = DefaultDefinitionCacheTTL
	}
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub(cfg.Logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	if deps.HTTP == nil {
		deps.HTTP = httpcall.New(httpcall.Config{
			Breakers: httpcall.NewBreakers(httpcall.DefaultBreakerConfig(), cfg.Clock),
		})
	}

	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	v, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With(slog.String("component", "engine"))
	return &Engine{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger,
		tracer:     cfg.Tracer,
		store:      deps.Store,
		tasks:      deps.Tasks,
		notifier:   deps.Notifier,
		http:       deps.HTTP,
		identity:   deps.Identity,
		hub:        deps.Hub,
		conditions: conditions,
		scripts:    expressions.NewScriptEngine(cfg.ScriptTimeout),
		mapper:     expressions.NewMapper(),
		interp:     expressions.NewInterpolator(deps.Vault),
		validator:  v,
		graphs:     ttlcache.New(ttlcache.WithTTL[string, *Graph](cfg.DefinitionCacheTTL)),
		timers:     timers.New(cfg.Clock, logger),
		runs:       make(map[string]*run),
	}, nil
}

// On registers h for an event type (or streaming.AllEvents).
func (e *Engine) On(eventType string, h streaming.Handler) streaming.HandlerID {
	return e.hub.On(eventType, h)
}

// Off removes a handler registered with On.
func (e *Engine) Off(id streaming.HandlerID) {
	e.hub.Off(id)
}

// Hub returns the event hub the engine publishes to.
func (e *Engine) Hub() streaming.EventHub {
	return e.hub
}

// Close stops every pending wait and retry timer.
func (e *Engine) Close() {
	e.timers.Close()
}

// PendingTimers returns the number of armed wait and retry timers.
func (e *Engine) PendingTimers() int {
	return e.timers.Len()
}

// Validate checks a definition without registering it.
func (e *Engine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return e.validator.Validate(def)
}

// RegisterDefinition validates and stores def. A definition id that already
// exists gets the next version unless def carries a higher one.
func (e *Engine) RegisterDefinition(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if err := e.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()

	stored := *def
	prev, err := e.store.GetDefinition(ctx, def.ID)
	switch {
	case err == nil:
		if stored.Version <= prev.Version {
			stored.Version = prev.Version + 1
		}
	case schema.IsCode(err, schema.ErrCodeNotFound):
		if stored.Version <= 0 {
			stored.Version = 1
		}
	default:
		return nil, err
	}

	if err := e.store.SaveDefinition(ctx, &stored); err != nil {
		return nil, err
	}
	e.logger.Info("definition registered",
		slog.String("definition_id", stored.ID), slog.Int("version", stored.Version))
	return &stored, nil
}

// GetDefinition returns the latest version of a definition.
func (e *Engine) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return e.store.GetDefinition(ctx, id)
}

// GetDefinitionVersion returns one version of a definition. Version 0 selects the latest.
func (e *Engine) GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	if version <= 0 {
		return e.store.GetDefinition(ctx, id)
	}
	return e.store.GetDefinitionVersion(ctx, id, version)
}

// ListDefinitions returns every stored definition.
func (e *Engine) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return e.store.ListDefinitions(ctx)
}

// graph returns the cached graph of a definition version, building it on a miss.
func (e *Engine) graph(def *schema.WorkflowDefinition) (*Graph, error) {
	key := fmt.Sprintf("%s@%d", def.ID, def.Version)
	if item := e.graphs.Get(key); item != nil {
		return item.Value(), nil
	}
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}
	e.graphs.Set(key, g, ttlcache.DefaultTTL)
	return g, nil
}

// StartWorkflow starts an instance of a registered definition and runs it
// until every path suspends or the instance terminates. The returned
// instance is a snapshot.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, opts StartOptions) (*schema.WorkflowInstance, error) {
	var def *schema.WorkflowDefinition
	var err error
	if opts.Version > 0 {
		def, err = e.store.GetDefinitionVersion(ctx, definitionID, opts.Version)
	} else {
		def, err = e.store.GetDefinition(ctx, definitionID)
	}
	if err != nil {
		return nil, err
	}
	return e.start(ctx, def, opts)
}

// StartDefinition registers def and starts an instance of it.
func (e *Engine) StartDefinition(ctx context.Context, def *schema.WorkflowDefinition, opts StartOptions) (*schema.WorkflowInstance, error) {
	stored, err := e.RegisterDefinition(ctx, def)
	if err != nil {
		return nil, err
	}
	return e.start(ctx, stored, opts)
}

func (e *Engine) start(ctx context.Context, def *schema.WorkflowDefinition, opts StartOptions) (*schema.WorkflowInstance, error) {
	g, err := e.graph(def)
	if err != nil {
		return nil, err
	}

	vars := schema.CloneMap(def.Variables)
	if vars == nil {
		vars = make(map[string]any, len(opts.Variables))
	}
	for k, v := range schema.CloneMap(opts.Variables) {
		vars[k] = v
	}

	now := e.clock.Now()
	inst := &schema.WorkflowInstance{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            schema.InstanceStatusRunning,
		Variables:         vars,
		Context:           opts.Context,
		CurrentNodes:      []string{},
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	r := newRun(inst.Clone(), g)
	e.mu.Lock()
	e.runs[inst.ID] = r
	e.mu.Unlock()

	e.logger.Info("workflow started",
		slog.String("instance_id", inst.ID),
		slog.String("definition_id", def.ID),
		slog.Int("version", def.Version))

	_ = e.withRun(ctx, r, func() error {
		r.active++
		r.emit(e.instanceEvent(r, schema.EventWorkflowStarted, map[string]any{
			"definition_id": def.ID,
			"version":       def.Version,
			"initiator":     inst.Context.Initiator,
		}))
		return nil
	})
	e.execute(ctx, r, g.Start())
	e.leave(ctx, r)

	return e.store.GetInstance(ctx, inst.ID)
}

// GetInstance returns a snapshot of an instance.
func (e *Engine) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	return e.store.GetInstance(ctx, id)
}

// GetNodeExecutions returns the execution history of an instance in start order.
func (e *Engine) GetNodeExecutions(ctx context.Context, instanceID string) ([]*schema.NodeExecution, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListExecutions(ctx, instanceID)
}

// ListInstances returns the instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	return e.store.ListInstances(ctx, filter)
}

// publish delivers events collected under a run lock.
func (e *Engine) publish(ctx context.Context, events []schema.Event) {
	for _, ev := range events {
		if err := e.hub.Publish(ctx, ev); err != nil {
			e.logger.Warn("publish event",
				slog.String("type", ev.Type),
				slog.String("instance_id", ev.InstanceID),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) instanceEvent(r *run, typ string, payload map[string]any) schema.Event {
	return schema.Event{
		Type:       typ,
		InstanceID: r.id,
		Payload:    payload,
		At:         e.clock.Now(),
	}
}

func (e *Engine) nodeEvent(r *run, nodeID, typ string, payload map[string]any) schema.Event {
	ev := e.instanceEvent(r, typ, payload)
	ev.NodeID = nodeID
	return ev
}
