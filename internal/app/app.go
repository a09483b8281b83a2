// Package app wires the notifier components from a loaded configuration.
// Every cmd builds one App at cold start and reuses it across invocations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"notifier/internal/broadcast"
	"notifier/internal/config"
	"notifier/internal/db"
	"notifier/internal/engine"
	"notifier/internal/external"
	"notifier/internal/operator"
	"notifier/internal/plugins"
	"notifier/internal/queue"
	"notifier/internal/telemetry"
	"notifier/internal/types"
)

const mailerTimeout = 10 * time.Second

// App holds the long-lived components of a process.
type App struct {
	Config     *config.Config
	Logger     types.Logger
	InstanceID string

	Pool    *pgxpool.Pool
	Store   *db.Store
	Rules   *db.RuleRepository
	Plugins *db.PluginConfigurationRepository
	Jobs    *db.DeliveryJobRepository

	RuleCache   *engine.RuleCache
	Resolver    *plugins.Resolver
	Invalidator *broadcast.Invalidator
	Redis       *redis.Client

	// Deps is shared by every engine service of the process.
	Deps       engine.Deps
	Dispatcher engine.JobDispatcher
	Codec      *queue.Codec

	metrics *telemetry.CloudWatchEngineMetrics
	closers []func()
}

// Build connects to the database, AWS, and the optional Redis and AMQP
// brokers, then assembles the engine dependencies. The returned App must be
// closed by the caller.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	typed := NewLogger(logger)
	a := &App{
		Config:     cfg,
		Logger:     typed,
		InstanceID: uuid.New().String(),
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	codec, err := queue.NewCodec(queue.DefaultCompressThreshold)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Codec = codec

	publisher, err := a.buildPublisher(sqsClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Interface-typed so an unconfigured mailer stays a nil interface.
	var mailer plugins.Mailer
	if cfg.Email.PostmarkServerToken.IsSet() {
		pm, err := external.NewPostmarkMailer(
			cfg.Email.PostmarkServerToken,
			cfg.Email.PostmarkAccountToken,
			cfg.Email.FromAddress,
			&http.Client{Timeout: mailerTimeout},
		)
		if err != nil {
			a.Close()
			return nil, err
		}
		mailer = pm
	}

	a.Store = db.NewStore(pool)
	a.Rules = db.NewRuleRepository(pool)
	a.Plugins = db.NewPluginConfigurationRepository(pool)
	a.Jobs = db.NewDeliveryJobRepository(pool)
	a.RuleCache = engine.NewRuleCache(a.Rules)
	a.Resolver = plugins.NewResolver(a.Plugins, nil, plugins.Deps{
		Logger:  typed,
		Webhook: cfg.Webhook,
		Mailer:  mailer,
		SQS:     sqsClient,
	})

	var pubsub broadcast.PubSub
	if cfg.Redis.URL.IsSet() {
		client, err := broadcast.Connect(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
		pubsub = client
	}
	a.Invalidator = broadcast.NewInvalidator(pubsub, cfg.Redis.Channel, a.InstanceID, typed, a.RuleCache, a.Resolver)

	notifiers := operator.Multi{operator.NewLogNotifier(typed)}
	if mailer != nil && len(cfg.Email.OperatorAddresses) > 0 {
		notifiers = append(notifiers, operator.NewEmailNotifier(mailer, cfg.Email.OperatorAddresses, types.LevelError))
	}

	a.Deps = engine.Deps{
		Store:     a.Store,
		Resolver:  a.Resolver,
		Publisher: publisher,
		Operator:  notifiers,
		Clock:     types.RealClock{},
		Logger:    typed,
		PageSize:  cfg.Engine.MaxBulkSize,
	}
	if cfg.Observability.EnableMetrics {
		cw := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		a.metrics = telemetry.NewCloudWatchEngineMetrics(cw, cfg.Observability.MetricNamespace, typed)
		a.Deps.Metrics = a.metrics
	}

	a.Dispatcher = queue.NewSQSJobDispatcher(sqsClient, cfg.AWS.JobQueue, typed)

	logger.Info("application wired",
		"instance_id", a.InstanceID,
		"event_sink", a.eventSink(),
		"redis", a.Redis != nil,
		"postmark", mailer != nil,
		"metrics", a.metrics != nil,
	)
	return a, nil
}

func (a *App) buildPublisher(sqsClient *sqs.Client) (engine.EventPublisher, error) {
	cfg := a.Config
	if cfg.AMQP.URL.IsSet() {
		p, err := queue.DialAMQPEventPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, a.Codec, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = p.Close() })
		return p, nil
	}
	return queue.NewSQSEventPublisher(sqsClient, cfg.AWS.EventQueue, a.Codec, a.Logger), nil
}

func (a *App) eventSink() string {
	if a.Config.AMQP.URL.IsSet() {
		return "amqp"
	}
	return "sqs"
}

// RequireQueues reports the queue settings a worker cannot run without.
func (a *App) RequireQueues() error {
	var missing []string
	if a.Config.AWS.JobQueue == "" {
		missing = append(missing, "SQS_DELIVERY_JOBS")
	}
	if a.Config.AWS.EventQueue == "" && !a.Config.AMQP.URL.IsSet() {
		missing = append(missing, "SQS_NOTIFIER_EVENTS or AMQP_URL")
	}
	if len(missing) > 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"missing queue configuration: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

// Listen applies invalidations broadcast by other instances until ctx is
// done. It is a no-op without Redis.
func (a *App) Listen(ctx context.Context) {
	if a.Redis == nil {
		return
	}
	go func() {
		if err := a.Invalidator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("cache invalidation listener stopped", "error", err)
		}
	}()
}

// Flush sends buffered metrics. Handlers call it once per invocation.
func (a *App) Flush(ctx context.Context) {
	if a.metrics != nil {
		a.metrics.Flush(ctx)
	}
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// NewSlog builds the JSON process logger for level.
func NewSlog(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
