package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/aithread"
	"github.com/sells-group/orderflow/internal/correspond"
	"github.com/sells-group/orderflow/internal/engine"
	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/lock"
	"github.com/sells-group/orderflow/internal/mailer"
	"github.com/sells-group/orderflow/internal/resilience"
	"github.com/sells-group/orderflow/internal/storage"
	"github.com/sells-group/orderflow/internal/store"
	"github.com/sells-group/orderflow/internal/supplier"
	"github.com/sells-group/orderflow/internal/validate"
	anthropicpkg "github.com/sells-group/orderflow/pkg/anthropic"
)

// engineEnv holds the store, collaborators and engine shared by the
// process, batch and serve commands.
type engineEnv struct {
	Store   store.Store
	Engine  *engine.Engine
	Threads *aithread.Supervisor
}

// Close releases resources held by the environment.
func (ee *engineEnv) Close() {
	if ee.Store != nil {
		_ = ee.Store.Close()
	}
}

// initEngine opens and migrates the store and builds the engine with every
// collaborator selected by configuration. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ee, err := buildEngine(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return ee, nil
}

func buildEngine(ctx context.Context, st store.Store) (*engineEnv, error) {
	pc := cfg.Pipeline
	pol := resilience.FromPipelineConfig(pc)

	files, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, eris.Wrap(err, "init file storage")
	}
	locks, err := lock.New(cfg.Lock)
	if err != nil {
		return nil, eris.Wrap(err, "init order lock")
	}
	sender, err := mailer.New(cfg.Mail)
	if err != nil {
		return nil, eris.Wrap(err, "init mail sender")
	}
	composer, err := correspond.NewComposer(cfg.Mail.TemplatesDir)
	if err != nil {
		return nil, eris.Wrap(err, "load email templates")
	}
	validator, err := validate.New(validate.FromConfig(pc.Validation))
	if err != nil {
		return nil, eris.Wrap(err, "init validator")
	}

	mapping := extract.DefaultMapping()
	if pc.FieldMappingPath != "" {
		mapping, err = extract.LoadMapping(pc.FieldMappingPath)
		if err != nil {
			return nil, eris.Wrap(err, "load field mapping")
		}
	}

	opts := extract.Options{MinConfidence: pc.MinAIConfidence}
	var threads *aithread.Supervisor
	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		assistant := extract.NewAIAssistant(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, cfg.Anthropic.RatePerSecond)
		opts.Assistant = assistant
		var agent aithread.Agent = aithread.NewBatchAgent(client, assistant, cfg.Anthropic.Model)
		if cfg.Anthropic.ThreadAgent == "messages" {
			agent = aithread.NewAssistantAgent(assistant)
		}
		threads = aithread.New(st, agent, aithread.Config{
			PollInitial: time.Duration(cfg.Anthropic.PollInitialMs) * time.Millisecond,
			PollMax:     time.Duration(cfg.Anthropic.PollMaxMs) * time.Millisecond,
			Timeout:     time.Duration(cfg.Anthropic.ThreadTimeoutS) * time.Second,
		})
		zap.L().Info("ai assistance enabled",
			zap.String("model", cfg.Anthropic.Model),
			zap.String("thread_agent", agent.Name()),
		)
	} else {
		zap.L().Debug("ORDERFLOW_ANTHROPIC_KEY not set, ai assistance disabled")
	}
	extractor, err := extract.New(mapping, opts)
	if err != nil {
		return nil, eris.Wrap(err, "init extractor")
	}

	eng, err := engine.New(engine.Deps{
		Store:     st,
		Locks:     locks,
		Files:     files,
		Extractor: extractor,
		Validator: validator,
		Composer:  composer,
		Mail:      correspond.NewDispatcher(sender, cfg.Mail.From, pol.For("mailer", "send"), cfg.Mail.RatePerSecond),
		Submitter: supplier.New(cfg.Supplier, pol.For("supplier", "submit"), pol.Circuit),
		Threads:   threads,
		Meter:     otel.GetMeterProvider(),
	}, engine.OptionsFromConfig(pc))
	if err != nil {
		return nil, err
	}

	zap.L().Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("lock", cfg.Lock.Backend),
		zap.String("strategy", pc.Strategy),
	)
	return &engineEnv{Store: st, Engine: eng, Threads: threads}, nil
}
