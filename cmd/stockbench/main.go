package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	rediscli "github.com/go-redis/redis/v7"
	"github.com/gocql/gocql"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/stocklock/pkg/cassandra"
	"github.com/samueltorres/stocklock/pkg/configs"
	"github.com/samueltorres/stocklock/pkg/file"
	"github.com/samueltorres/stocklock/pkg/harness"
	"github.com/samueltorres/stocklock/pkg/memory"
	"github.com/samueltorres/stocklock/pkg/redis"
	"github.com/samueltorres/stocklock/pkg/stock"
	"github.com/samueltorres/stocklock/pkg/transport/http"
)

var errInconsistent = errors.New("a synchronized strategy lost updates")

func main() {
	config := parseConfig()
	logger := createLogger(config)

	// metrics
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		version.NewCollector("stockbench"),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	scenarios, err := loadScenarios(config)
	if err != nil {
		logger.Fatalf("could not load scenarios: %v", err)
	}

	store, err := createStore(config, logger, metrics)
	if err != nil {
		logger.Fatalf("could not create stock store: %v", err)
	}

	var serviceOpts []stock.Option
	if config.Bench.MaxAttempts > 0 {
		serviceOpts = append(serviceOpts, stock.WithMaxAttempts(config.Bench.MaxAttempts))
	}
	stockService := stock.NewService(store, logger, metrics, serviceOpts...)
	runner := harness.NewRunner(store, stockService, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())

	var g run.Group
	{
		g.Add(func() error {
			return runScenarios(ctx, runner, scenarios, logger)
		}, func(error) {
			cancel()
		})
	}
	if config.DebugAddr != "" {
		debugServer := http.New(
			metrics,
			logger,
			metrics,
			http.WithListen(config.DebugAddr))

		g.Add(func() error {
			return debugServer.Start()
		}, func(err error) {
			debugServer.Stop(err)
		})
	}
	{
		sigs := make(chan os.Signal, 1)
		stop := make(chan struct{})
		g.Add(func() error {
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigs:
				return fmt.Errorf("received signal %s", sig)
			case <-stop:
				return nil
			}
		}, func(error) {
			signal.Stop(sigs)
			close(stop)
		})
	}

	err = g.Run()
	logger.Info("exit ", err)
	if err != nil {
		os.Exit(1)
	}
}

// runScenarios runs every scenario in order. Synchronized strategies must
// stay consistent; a lost update from one of them fails the run.
func runScenarios(ctx context.Context, runner *harness.Runner, scenarios []harness.Scenario, logger *logrus.Logger) error {
	var inconsistent bool
	for _, sc := range scenarios {
		result, err := runner.Run(ctx, sc)
		if err != nil {
			return err
		}

		if err := runner.Cleanup(ctx, sc.StockID); err != nil {
			logger.WithError(err).WithField("scenario", sc.Name).Warn("could not remove scenario stock")
		}

		if result.Errors != nil {
			logger.WithField("scenario", sc.Name).Debug(result.Errors)
		}

		if !result.Consistent() && synchronized(sc.Strategy) {
			logger.WithFields(logrus.Fields{
				"scenario": sc.Name,
				"lost":     result.LostUpdates(),
			}).Error("synchronized strategy lost updates")
			inconsistent = true
		}
	}

	if inconsistent {
		return errInconsistent
	}

	return nil
}

// synchronized reports whether a strategy is expected to never lose an update
// on every store.
func synchronized(s stock.Strategy) bool {
	return s == stock.Exclusive || s == stock.Optimistic
}

func loadScenarios(config configs.Config) ([]harness.Scenario, error) {
	if config.ScenarioFile != "" {
		return file.LoadScenarios(config.ScenarioFile)
	}

	var strategies []stock.Strategy
	if config.Bench.Strategy == "all" {
		strategies = stock.Strategies
	} else {
		strategy, err := stock.ParseStrategy(config.Bench.Strategy)
		if err != nil {
			return nil, err
		}
		strategies = []stock.Strategy{strategy}
	}

	scenarios := make([]harness.Scenario, 0, len(strategies))
	for _, strategy := range strategies {
		scenarios = append(scenarios, harness.Scenario{
			Strategy: strategy,
			StockID:  config.Bench.StockID,
			Initial:  config.Bench.Initial,
			Calls:    config.Bench.Calls,
			Workers:  config.Bench.Workers,
			Amount:   config.Bench.Amount,
		}.WithDefaults())
	}

	return scenarios, nil
}

func parseConfig() configs.Config {
	fs := flag.NewFlagSet("stockbench", flag.ExitOnError)
	var (
		debugAddress      = fs.String("debug-addr", ":8083", "debug address for metrics and healthcheck, empty to disable")
		datastore         = fs.String("datastore", "memory", "datastore type (memory/redis/cassandra)")
		cassandraHost     = fs.String("cassandra-host", "", "cassandra host")
		cassandraKeyspace = fs.String("cassandra-keyspace", "", "cassandra keyspace")
		redisAddress      = fs.String("redis-address", "", "redis address")
		redisDatabase     = fs.Int("redis-database", 0, "redis database")
		redisPassword     = fs.String("redis-password", "", "redis password")
		readDelay         = fs.Duration("memory-read-delay", 0, "latency added to every in-memory locked read")
		sharedEscalation  = fs.Bool("memory-shared-escalation", true, "upgrade shared holds to exclusive before writing")
		strategy          = fs.String("strategy", "all", "decrease strategy (unsynchronized/exclusive/shared/optimistic/all)")
		stockID           = fs.Int64("stock-id", 1, "stock record id used by the run")
		initial           = fs.Int64("initial", 100, "initial stock quantity")
		calls             = fs.Int("calls", harness.DefaultCalls, "number of decrease calls")
		workers           = fs.Int("workers", harness.DefaultWorkers, "number of concurrent workers")
		amount            = fs.Int64("amount", harness.DefaultAmount, "quantity removed per call")
		maxAttempts       = fs.Uint64("max-attempts", 0, "optimistic attempts per call, 0 for unbounded")
		lockTimeout       = fs.Duration("lock-timeout", memory.DefaultLockTimeout, "maximum wait for a stock lock, 0 to wait until canceled")
		scenarioFile      = fs.String("scenario-file", "", "yaml scenario file, overrides the single run flags")
		logLevel          = fs.String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	)
	ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("STOCK"))

	var config configs.Config
	{
		config.DebugAddr = *debugAddress
		config.Datastore = *datastore
		config.Cassandra.Hosts = *cassandraHost
		config.Cassandra.Keyspace = *cassandraKeyspace
		config.Redis.Address = *redisAddress
		config.Redis.Database = *redisDatabase
		config.Redis.Password = *redisPassword
		config.Memory.ReadDelay = *readDelay
		config.Memory.SharedEscalation = *sharedEscalation
		config.Bench.Strategy = *strategy
		config.Bench.StockID = *stockID
		config.Bench.Initial = *initial
		config.Bench.Calls = *calls
		config.Bench.Workers = *workers
		config.Bench.Amount = *amount
		config.Bench.MaxAttempts = *maxAttempts
		config.Bench.LockTimeout = *lockTimeout
		config.ScenarioFile = *scenarioFile
		config.LogLevel = *logLevel
	}

	return config
}

func createLogger(config configs.Config) *logrus.Logger {
	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.ErrorLevel
	}

	logger.Infof("setting log level to %v", level)
	logger.SetLevel(level)

	return logger
}

func createStore(config configs.Config, logger *logrus.Logger, metrics prometheus.Registerer) (stock.Store, error) {
	switch config.Datastore {
	case "memory":
		return memory.NewStore(logger, metrics,
			memory.WithLockTimeout(config.Bench.LockTimeout),
			memory.WithReadDelay(config.Memory.ReadDelay),
			memory.WithSharedEscalation(config.Memory.SharedEscalation)), nil

	case "redis":
		redisClient := rediscli.NewClient(&rediscli.Options{
			Addr:     config.Redis.Address,
			Password: config.Redis.Password,
			DB:       config.Redis.Database,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := redisClient.WithContext(ctx).Ping().Result()
		if err != nil {
			return nil, fmt.Errorf("could not connect to redis : %w", err)
		}

		return redis.NewStorage(redisClient, logger, redis.WithLockTimeout(config.Bench.LockTimeout)), nil

	case "cassandra":
		cluster := gocql.NewCluster(config.Cassandra.Hosts)
		cluster.Keyspace = config.Cassandra.Keyspace
		cluster.Consistency = gocql.LocalQuorum
		session, err := cluster.CreateSession()

		if err != nil {
			return nil, fmt.Errorf("could not create cassandra session : %w", err)
		}

		return cassandra.NewStorage(logger, session), nil
	default:
		return nil, fmt.Errorf("invalid datastore %s", config.Datastore)
	}
}
