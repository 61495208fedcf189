package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/cli"
	redisadapter "github.com/flashbots/relay-fee-market/adapters/redis"
	"github.com/flashbots/relay-fee-market/feemarket"
	"github.com/flashbots/relay-fee-market/jsonrpcserver"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug          = os.Getenv("DEBUG") == "1"
	defaultLogProd        = os.Getenv("LOG_PROD") == "1"
	defaultLogService     = os.Getenv("LOG_SERVICE")
	defaultPort           = cli.GetEnv("PORT", "8080")
	defaultMetricsPort    = cli.GetEnv("METRICS_PORT", "8088")
	defaultMarketsConfig  = cli.GetEnv("MARKETS_CONFIG", "markets.yaml")
	defaultChannelName    = cli.GetEnv("REDIS_CHANNEL_NAME", "feemarket-events")
	defaultRedisEndpoint  = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultPostgresDSN    = cli.GetEnv("POSTGRES_DSN", "")
	defaultAdminAccount   = cli.GetEnv("ADMIN_ACCOUNT", "")
	defaultWriteRateLimit = cli.GetEnv("WRITE_RATE_LIMIT", "50")

	// Flags
	debugPtr          = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr        = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr     = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr           = flag.String("port", defaultPort, "port to listen on")
	metricsPortPtr    = flag.String("metrics-port", defaultMetricsPort, "port of the metrics and pprof server")
	marketsConfigPtr  = flag.String("markets-config", defaultMarketsConfig, "markets config file")
	channelPtr        = flag.String("channel", defaultChannelName, "redis pub/sub channel name string")
	redisPtr          = flag.String("redis", defaultRedisEndpoint, "redis url string, events are logged and the block cursor is not persisted when empty")
	postgresDSNPtr    = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, orders are not archived when empty")
	adminAccountPtr   = flag.String("admin-account", defaultAdminAccount, "account allowed to call lane_* endpoints and parameter setters")
	writeRateLimitPtr = flag.String("write-rate-limit", defaultWriteRateLimit, "rate limit of relayer write endpoints (calls per second)")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting relay-fee-market node", zap.String("version", version))

	if !common.IsHexAddress(*adminAccountPtr) {
		logger.Fatal("Admin account is not a valid address", zap.String("admin", *adminAccountPtr))
	}
	admin := common.HexToAddress(*adminAccountPtr)

	genesis, err := feemarket.LoadMarketsConfig(*marketsConfigPtr)
	if err != nil {
		logger.Fatal("Failed to load markets config", zap.Error(err))
	}
	if len(genesis) == 0 {
		logger.Fatal("No markets configured", zap.String("file", *marketsConfigPtr))
	}

	var (
		events feemarket.EventBackend = feemarket.NewLogEventBackend(logger)
		cursor *redisadapter.BlockCursor
	)
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		events = feemarket.NewRedisEventBackend(redisClient, *channelPtr)
		cursor = redisadapter.NewBlockCursor(redisClient, "feemarket:")
	}

	var archive feemarket.Archive
	if *postgresDSNPtr != "" {
		dbBackend, err := feemarket.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer dbBackend.Close()
		archive = dbBackend
	}

	markets := make([]*feemarket.FeeMarketState, 0, len(genesis))
	for _, g := range genesis {
		state, err := feemarket.NewFeeMarketState(logger, g, nil)
		if err != nil {
			logger.Fatal("Failed to create market", zap.String("market", g.Params.ID), zap.Error(err))
		}
		if cursor != nil {
			block, ok, err := cursor.Get(ctx, g.Params.ID)
			if err != nil {
				logger.Fatal("Failed to read block cursor", zap.String("market", g.Params.ID), zap.Error(err))
			}
			if ok {
				if _, err := state.FinalizeBlock(block); err != nil {
					logger.Fatal("Failed to restore block", zap.String("market", g.Params.ID), zap.Error(err))
				}
			}
		}
		logger.Info("Market ready",
			zap.String("market", g.Params.ID),
			zap.Uint64("block", state.Now()),
			zap.Uint32("assigned_relayers", g.Params.AssignedRelayersNumber),
			zap.Uint64("slot", g.Params.Slot),
			zap.String("assigned_ratio", g.Params.AssignedRatio.String()),
			zap.String("message_ratio", g.Params.MessageRatio.String()),
			zap.String("confirm_ratio", g.Params.ConfirmRatio.String()),
		)
		markets = append(markets, state)
	}

	archiver := feemarket.NewArchiver(logger, archive, events)
	archiverWg := archiver.Start(ctx)

	rateLimit, err := strconv.ParseFloat(*writeRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse write rate limit", zap.Error(err))
	}

	var blockCursor feemarket.BlockCursor
	if cursor != nil {
		blockCursor = cursor
	}
	api := feemarket.NewAPI(logger, markets, admin, archive, archiver, blockCursor, rate.Limit(rateLimit), time.Second*12)
	defer api.Close()

	jsonRPCServer, err := jsonrpcserver.NewHandler(api.Methods())
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		ctxCancel()
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// wait for archived writes to be flushed
	archiverWg.Wait()
}
