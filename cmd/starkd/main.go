package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"stark-backend/internal/agent"
	"stark-backend/internal/api"
	"stark-backend/internal/auth"
	"stark-backend/internal/config"
	"stark-backend/internal/dispatch"
	"stark-backend/internal/execution"
	"stark-backend/internal/knowledge"
	"stark-backend/internal/llm"
	"stark-backend/internal/llm/anthropic"
	"stark-backend/internal/llm/ollama"
	"stark-backend/internal/llm/openai"
	"stark-backend/internal/observability/alerting"
	"stark-backend/internal/session"
	"stark-backend/internal/storage/mysql"
	"stark-backend/internal/storage/redis"
	"stark-backend/pkg/logger"
)

// main 是 Stark 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("starkd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("starkd")

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var db *sql.DB
	if uses(cfg, "mysql") {
		db, err = mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	}

	var redisClient *goredis.Client
	if uses(cfg, "redis") {
		redisClient, err = redis.NewClient(ctx, redis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			if db != nil {
				_ = db.Close()
			}
			return err
		}
		// Redis 会话存储关闭时会释放客户端，其余情况由这里负责。
		if cfg.SessionStore.Driver != "redis" {
			defer redisClient.Close()
		}
	}

	sessions, err := createSessionStore(cfg, db, redisClient)
	if err != nil {
		return err
	}

	var store dispatch.Store
	switch cfg.MessageStore.Driver {
	case "mysql":
		store = dispatch.NewMySQLStore(db)
	default:
		store = dispatch.NewMemoryStore()
	}

	queue, err := createQueue(cfg, redisClient)
	if err != nil {
		_ = store.Close()
		_ = sessions.Close()
		return err
	}

	var knowledgeProvider knowledge.Provider
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		knowledgeProvider = provider
	}

	orchestrator, err := agent.New(llmClient,
		agent.WithCheckpointer(sessions),
		agent.WithKnowledgeProvider(knowledgeProvider),
		agent.WithLimits(agent.Limits{
			MaxTotalIterations:   cfg.Orchestrator.MaxTotalIterations,
			MaxModeIterations:    cfg.Orchestrator.MaxModeIterations,
			MaxCallsPerIteration: cfg.Orchestrator.MaxCallsPerIteration,
			ModelRetries:         cfg.Orchestrator.Retries(),
		}),
		agent.WithModelTimeout(cfg.Orchestrator.ModelTimeout()),
		agent.WithLogger(logger.Named("orchestrator")),
	)
	if err != nil {
		return err
	}

	registry := execution.NewRegistry(
		execution.WithPollInterval(cfg.Registry.PollInterval()),
		execution.WithLogger(logger.Named("registry")),
	)

	dispatcher := dispatch.NewDispatcher(orchestrator, registry, sessions, store, queue, queue,
		dispatch.WithWorkerCount(cfg.Queue.Workers),
		dispatch.WithDispatcherLogger(logger.Named("dispatcher")),
		dispatch.WithAlertDispatcher(createAlerter(cfg)),
	)
	service := dispatch.NewService(store, queue, dispatcher,
		dispatch.WithMaxAttempts(cfg.MessageStore.MaxAttempts),
		dispatch.WithStopWait(cfg.Registry.StopWait()),
	)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("释放资源失败", slog.Any("error", err))
		}
	}()

	if recovered, err := dispatcher.Recover(ctx); err != nil {
		log.Error("恢复未完成消息失败", slog.Any("error", err))
	} else if recovered > 0 {
		log.Info("已恢复未完成消息", slog.Int("count", recovered))
	}

	dispatcherCtx, dispatcherCancel := context.WithCancel(ctx)
	defer dispatcherCancel()

	go func() {
		if err := dispatcher.Start(dispatcherCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("消息分发器异常退出", slog.Any("error", err))
		}
	}()

	authService, err := createAuthService(cfg)
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, service,
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
		api.WithMiddleware(authService.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet: {auth.PermissionRead},
				"*":            {auth.PermissionWrite},
			},
			PublicPaths: []string{"/healthz", "/metrics"},
		})),
	)
	log.Info("starkd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("auth", string(authService.Mode())))

	err = server.Start(ctx)
	dispatcherCancel()
	dispatcher.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func uses(cfg *config.Config, driver string) bool {
	return cfg.SessionStore.Driver == driver || cfg.MessageStore.Driver == driver || cfg.Queue.Driver == driver
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "openai":
		p := cfg.LLM.OpenAI
		apiKey := p.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:      apiKey,
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			Temperature: p.Temperature,
			Timeout:     p.Timeout(),
		})
	case "anthropic":
		p := cfg.LLM.Anthropic
		apiKey := p.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("Anthropic provider 需要配置 api_key 或 api_key_env")
		}
		return anthropic.NewClient(anthropic.Config{
			APIKey:    apiKey,
			BaseURL:   p.BaseURL,
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
			Timeout:   p.Timeout(),
		})
	case "ollama":
		p := cfg.LLM.Ollama
		return ollama.NewClient(ollama.Config{
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Timeout: p.Timeout(),
		}), nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createSessionStore(cfg *config.Config, db *sql.DB, client *goredis.Client) (session.Store, error) {
	switch cfg.SessionStore.Driver {
	case "memory":
		return session.NewMemoryStore(), nil
	case "file":
		return session.NewFileStore(cfg.Runtime.DataDir)
	case "redis":
		return session.NewRedisStore(client,
			session.WithRedisPrefix(cfg.SessionStore.RedisPrefix),
			session.WithTTL(cfg.SessionStore.TTL()),
		), nil
	case "mysql":
		return session.NewMySQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.SessionStore.Driver)
	}
}

func createQueue(cfg *config.Config, client *goredis.Client) (dispatch.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return dispatch.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return dispatch.NewRedisQueue(client, cfg.Queue.RedisQueue, 0), nil
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createAlerter(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	client := &http.Client{Timeout: time.Duration(cfg.Alerting.TimeoutSeconds) * time.Second}
	for _, hook := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    hook.URL,
			Format: alerting.Channel(hook.Format),
			Client: client,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func createAuthService(cfg *config.Config) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Auth.Tokens))
	for _, token := range cfg.Auth.Tokens {
		tokens = append(tokens, auth.Token{
			Name:        token.Name,
			Secret:      token.Token,
			SecretEnv:   token.TokenEnv,
			Permissions: token.Permissions,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Auth.Mode), Tokens: tokens})
}
