package main

import (
	"context"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"multiai-chat/handler"
	"multiai-chat/internal/budget"
	panelconfig "multiai-chat/internal/config"
	"multiai-chat/internal/domain"
	"multiai-chat/internal/integrations/paramstore"
	"multiai-chat/internal/panel"
	"multiai-chat/internal/repository"
	"multiai-chat/internal/secrets"
)

func main() {
	ctx := context.Background()

	zapCfg := zap.NewProductionConfig()
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv(logger, "STATE_TABLE")
	paramPrefix := mustEnv(logger, "PARAM_PREFIX")
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 8000)

	cfg, err := panelconfig.NewLoader().
		WithConfigPath(os.Getenv("BACKENDS_CONFIG")).
		WithEnv(os.LookupEnv).
		Load()
	if err != nil {
		logger.Fatal("failed to load panel config", zap.Error(err))
	}
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapCfg.Level.SetLevel(level.Level())
	}

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Fatal("failed to create SSM client", zap.Error(err))
	}
	dynamoClient := awsdynamodb.NewFromConfig(awsCfg)
	stateClient, err := repository.New(dynamoClient, stateTable, repository.WithHistoryLimit(cfg.HistoryLimit))
	if err != nil {
		logger.Fatal("failed to create state client", zap.Error(err))
	}

	keyStore, err := secrets.NewParamStore(ssmClient, paramPrefix)
	if err != nil {
		logger.Fatal("failed to create key store", zap.Error(err))
	}

	// ---- Panel ----
	p, err := panel.Build(cfg, panel.Deps{
		Store:       stateClient,
		Digests:     stateClient,
		Snapshots:   stateClient,
		Credentials: secrets.Chain{keyStore, secrets.NewEnv(nil)},
		Registerer:  prometheus.DefaultRegisterer,
		Counter:     budget.NewTiktokenCounter(budget.DefaultEncoding),
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("failed to build panel", zap.Error(err))
	}
	for id, state := range p.RefreshLocal(ctx) {
		logger.Info("local backend probed", zap.String("backend", string(id)), zap.Stringer("state", state))
	}

	// ---- Handler ----
	h, err := handler.NewHandler(p,
		handler.WithLogger(logger),
		handler.WithMaxMessageLength(maxMessageLen),
		handler.WithDisplayNames(p.Registry.DisplayName))
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	logger.Info("panel ready", zap.Int("backends", len(p.Backends())), zap.Strings("enabled", names(p.Backends())))
	lambda.Start(h.Handle)
}

func mustEnv(logger *zap.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal("required environment variable is not set", zap.String("key", key))
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func names(ids []domain.BackendID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
