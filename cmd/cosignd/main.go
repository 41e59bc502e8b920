package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"CoSign-Agent/internal/agent"
	"CoSign-Agent/internal/api"
	"CoSign-Agent/internal/auth"
	"CoSign-Agent/internal/backend"
	"CoSign-Agent/internal/config"
	"CoSign-Agent/internal/conversation"
	"CoSign-Agent/internal/dispatch"
	xerrors "CoSign-Agent/internal/errors"
	"CoSign-Agent/internal/multisig"
	"CoSign-Agent/internal/observability/alerting"
	"CoSign-Agent/internal/observability/metrics"
	"CoSign-Agent/internal/session"
	"CoSign-Agent/internal/signing"
	"CoSign-Agent/internal/storage/mysql"
	"CoSign-Agent/internal/task"
	"CoSign-Agent/internal/token"
	"CoSign-Agent/internal/txbuilder"
	"CoSign-Agent/internal/web3/ethereum"
	"CoSign-Agent/internal/web3/provider"
	"CoSign-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 cosignd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("cosignd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("COSIGN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "cosign.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3.ChainConfig, cfg.Web3.DefaultChainID)
	if err != nil {
		return err
	}
	defer chains.Close()

	tokens, err := token.Load(cfg.Web3.TokenConfig)
	if err != nil {
		return err
	}
	builder := txbuilder.New(tokens, txbuilder.WithNativeDecimals(func(chainID uint64) uint8 {
		client, err := chains.ClientFor(chainID)
		if err != nil {
			return txbuilder.DefaultNativeDecimals
		}
		return client.NativeDecimals()
	}))

	var wallet common.Address
	if addr := strings.TrimSpace(cfg.Web3.SafeAddress); addr != "" {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("web3.safe_address 不是合法地址: %s", addr)
		}
		wallet = common.HexToAddress(addr)
	}

	backendClient, err := backend.NewClient(cfg.Backend.BaseURL, &http.Client{Timeout: cfg.Backend.Timeout()})
	if err != nil {
		return err
	}
	if env := cfg.Backend.AccessTokenEnv; env != "" {
		backendClient.SetAccessToken(os.Getenv(env))
	}

	signer, transactor, closeSigner, err := buildSigner(ctx, cfg, chains)
	if err != nil {
		return err
	}
	defer closeSigner()

	attempts, closeAttempts, err := buildAttemptRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAttempts()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerts := alerting.NewFanout(notifiers...)

	channel, err := session.New(session.Config{
		URL:            cfg.Session.WSURL,
		ReconnectDelay: cfg.Session.ReconnectDelay(),
		PingInterval:   cfg.Session.PingInterval(),
		Active:         func() bool { return ctx.Err() == nil },
	})
	if err != nil {
		return err
	}

	factory := multisig.NewFactory(chains)
	if wallet != (common.Address{}) {
		verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := factory.VerifyWallet(verifyCtx, chains.DefaultChainID(), wallet)
		cancel()
		if xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
			return err
		}
		if err != nil {
			logger.L().Warn("无法读取钱包门限，稍后授权时再校验", slog.Any("error", err))
		}
	}

	machine := conversation.NewMachine()
	submitter := multisig.NewSubmitter(transactor, backendClient.CoSigner(cfg.Session.Identity),
		multisig.WithReceiptWait(chains, cfg.Relayer.ReceiptTimeout(), 0))
	dispatcher, err := dispatch.New(dispatch.Config{
		Machine:        machine,
		Builder:        builder,
		Factory:        factory,
		Signer:         signer,
		Submitter:      submitter,
		Wallet:         wallet,
		DefaultChainID: chains.DefaultChainID(),
		Reporter:       channel,
		Attempts:       attempts,
		Alerts:         alerts,
	})
	if err != nil {
		return err
	}

	ag, err := agent.New(machine, channel, backendClient, cfg.Session.Identity)
	if err != nil {
		return err
	}
	if err := ag.Start(ctx); err != nil {
		return err
	}
	defer ag.Close()

	queue, err := buildQueue(ctx, cfg)
	if err != nil {
		return err
	}
	store := task.NewMemoryStore()
	jobs := task.NewService(store, queue, task.WithChecker(dispatcher))
	defer jobs.Close()

	processor := task.NewProcessor(dispatcher, store, queue,
		task.WithWorkerCount(cfg.Queue.Worker),
		task.WithAlertDispatcher(alerts),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	logger.L().Info("cosignd 已启动",
		slog.String("identity", cfg.Session.Identity),
		slog.String("wallet", wallet.Hex()),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("outcome_store", cfg.Storage.OutcomeStore.Driver),
	)

	guard := auth.NewGuard(secretFromEnv(cfg.Server.APITokenEnv), auth.WithPublicPaths("/healthz", "/metrics"))
	if !guard.Enabled() {
		logger.L().Warn("控制接口未配置访问令牌")
	}
	server := api.NewServer(api.Options{
		Addr:       cfg.Server.Address,
		Session:    ag,
		Log:        machine,
		Authorizer: dispatcher,
		Jobs:       jobs,
		Attempts:   attempts,
		Chains:     chains,
		Tokens:     tokens,
		Middleware: guard.Middleware,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildSigner 返回用户签名器与广播交易的 Transactor。
func buildSigner(ctx context.Context, cfg *config.Config, chains *provider.Registry) (signing.Agent, multisig.Transactor, func(), error) {
	var (
		signer   signing.Agent
		rpcAgent *signing.RPCSigner
	)
	switch cfg.Signer.Driver {
	case "rpc":
		address := strings.TrimSpace(cfg.Signer.Address)
		if !common.IsHexAddress(address) {
			return nil, nil, nil, fmt.Errorf("signer.address 不是合法地址: %s", address)
		}
		s, err := signing.DialRPCSigner(ctx, cfg.Signer.RPCURL, common.HexToAddress(address))
		if err != nil {
			return nil, nil, nil, err
		}
		signer, rpcAgent = s, s
	case "key":
		s, err := signing.NewKeySigner(secretFromEnv(cfg.Signer.PrivateKeyEnv))
		if err != nil {
			return nil, nil, nil, err
		}
		signer = s
	default:
		return nil, nil, nil, fmt.Errorf("未知的签名驱动: %s", cfg.Signer.Driver)
	}
	closeFn := func() {
		if rpcAgent != nil {
			rpcAgent.Close()
		}
	}

	switch cfg.Relayer.Driver {
	case "rpc":
		if rpcAgent == nil {
			closeFn()
			return nil, nil, nil, errors.New("relayer.driver=rpc 需要 signer.driver=rpc")
		}
		return signer, rpcAgent, closeFn, nil
	case "key":
		t, err := ethereum.NewKeyedTransactor(secretFromEnv(cfg.Relayer.PrivateKeyEnv), chains)
		if err != nil {
			closeFn()
			return nil, nil, nil, err
		}
		return signer, t, closeFn, nil
	default:
		closeFn()
		return nil, nil, nil, fmt.Errorf("未知的广播驱动: %s", cfg.Relayer.Driver)
	}
}

func buildAttemptRepository(ctx context.Context, cfg *config.Config) (mysql.AttemptRepository, func(), error) {
	store := cfg.Storage.OutcomeStore
	switch store.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryAttemptRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	case "mysql":
		repo, err := mysql.NewSQLAttemptRepository(ctx, mysql.Config{
			DSN:             store.DSN,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(store.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的结果存储驱动: %s", store.Driver)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(256), nil
	case "redis":
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func secretFromEnv(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}
