package harness

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/samueltorres/stocklock/pkg/stock"
)

const (
	DefaultCalls   = 100
	DefaultWorkers = 32
	DefaultAmount  = 1
)

// Scenario describes one contention run: Calls decreases of Amount each,
// executed by Workers concurrent workers against a stock starting at Initial.
type Scenario struct {
	Name     string         `mapstructure:"name"`
	Strategy stock.Strategy `mapstructure:"strategy"`
	StockID  int64          `mapstructure:"stock_id"`
	Initial  int64          `mapstructure:"initial"`
	Calls    int            `mapstructure:"calls"`
	Workers  int            `mapstructure:"workers"`
	Amount   int64          `mapstructure:"amount"`
}

// WithDefaults fills unset counts with the default contention shape.
func (s Scenario) WithDefaults() Scenario {
	if s.Calls == 0 {
		s.Calls = DefaultCalls
	}
	if s.Workers == 0 {
		s.Workers = DefaultWorkers
	}
	if s.Amount == 0 {
		s.Amount = DefaultAmount
	}
	if s.Name == "" {
		s.Name = s.Strategy.String()
	}
	return s
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario  Scenario
	Final     int64
	Expected  int64
	Succeeded int
	Failed    int
	Failures  map[string]int
	Errors    error
	Elapsed   time.Duration
}

// Consistent reports whether every successful decrease is reflected in the
// final value, i.e. no update was lost.
func (r Result) Consistent() bool {
	return r.Final == r.Expected
}

// LostUpdates is the number of successful decreases missing from the final value.
func (r Result) LostUpdates() int64 {
	if r.Scenario.Amount == 0 {
		return 0
	}
	return (r.Final - r.Expected) / r.Scenario.Amount
}

type metrics struct {
	runs *prometheus.CounterVec
	lost *prometheus.CounterVec
}

func newMetrics(r prometheus.Registerer) *metrics {
	var m metrics

	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_harness_runs_total",
		Help: "Total harness scenario runs by strategy and consistency",
	}, []string{"strategy", "consistent"})

	m.lost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_harness_lost_updates_total",
		Help: "Total decreases lost across harness runs",
	}, []string{"strategy"})

	r.MustRegister(m.runs, m.lost)
	return &m
}

// Decreaser is the operation a scenario drives concurrently.
type Decreaser interface {
	Decrease(ctx context.Context, strategy stock.Strategy, id int64, amount int64) error
}

// Runner drives scenarios against one store through one decreaser.
type Runner struct {
	store     stock.Store
	decreaser Decreaser
	logger    *logrus.Logger
	metrics   *metrics
}

func NewRunner(store stock.Store, decreaser Decreaser, logger *logrus.Logger, registerer prometheus.Registerer) *Runner {
	return &Runner{
		store:     store,
		decreaser: decreaser,
		logger:    logger,
		metrics:   newMetrics(registerer),
	}
}

// Run creates the scenario stock, submits every decrease to a fixed pool of
// workers, blocks until all of them finished and reads back the final value.
func (r *Runner) Run(ctx context.Context, sc Scenario) (Result, error) {
	sc = sc.WithDefaults()
	if sc.Workers < 0 || sc.Calls < 0 {
		return Result{}, errors.Errorf("scenario %s: calls and workers must not be negative", sc.Name)
	}
	if sc.Initial < 0 {
		return Result{}, errors.Wrapf(stock.ErrNegativeQuantity, "scenario %s: initial quantity %d", sc.Name, sc.Initial)
	}

	if err := r.store.Create(ctx, stock.Stock{ID: sc.StockID, Quantity: sc.Initial}); err != nil {
		return Result{}, errors.Wrapf(err, "scenario %s: could not create stock", sc.Name)
	}

	var (
		mux      sync.Mutex
		result   = Result{Scenario: sc, Failures: make(map[string]int)}
		failures *multierror.Error
	)

	p := newPool(sc.Workers)
	done := &sync.WaitGroup{}
	done.Add(sc.Calls)

	start := time.Now()
	for i := 0; i < sc.Calls; i++ {
		p.submit(func() {
			defer done.Done()

			err := r.decreaser.Decrease(ctx, sc.Strategy, sc.StockID, sc.Amount)

			mux.Lock()
			defer mux.Unlock()
			if err != nil {
				result.Failed++
				result.Failures[stock.ErrorKind(err)]++
				failures = multierror.Append(failures, err)
				return
			}
			result.Succeeded++
		})
	}
	done.Wait()
	result.Elapsed = time.Since(start)
	p.close()

	final, err := r.store.Get(ctx, sc.StockID)
	if err != nil {
		return result, errors.Wrapf(err, "scenario %s: could not read final stock", sc.Name)
	}

	result.Final = final.Quantity
	result.Expected = sc.Initial - sc.Amount*int64(result.Succeeded)
	result.Errors = failures.ErrorOrNil()

	r.record(result)
	return result, nil
}

// Cleanup removes the scenario stock.
func (r *Runner) Cleanup(ctx context.Context, id int64) error {
	return r.store.Delete(ctx, id)
}

func (r *Runner) record(result Result) {
	strategy := result.Scenario.Strategy.String()
	consistent := "true"
	if !result.Consistent() {
		consistent = "false"
		r.metrics.lost.WithLabelValues(strategy).Add(float64(result.LostUpdates()))
	}
	r.metrics.runs.WithLabelValues(strategy, consistent).Inc()

	r.logger.WithFields(logrus.Fields{
		"scenario":   result.Scenario.Name,
		"strategy":   strategy,
		"final":      result.Final,
		"expected":   result.Expected,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"failures":   result.Failures,
		"elapsed":    result.Elapsed,
		"consistent": result.Consistent(),
	}).Info("scenario finished")
}
