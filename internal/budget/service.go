package budget

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServiceConfig tunes persistence behaviour.
type ServiceConfig struct {
	BatchSize         int
	InvalidateTimeout time.Duration
	// SyncInvalidate finishes cache invalidation before a write returns.
	SyncInvalidate    bool
}

// Service coordinates estimation, pricing and budget replacement.
type Service struct {
	repo        Repository
	cache       *Cache
	invalidator Invalidator
	metrics     *Metrics
	logger      *slog.Logger
	cfg         ServiceConfig
	now         func() time.Time
}

// NewService builds the service. A nil cache disables pricing memoisation
// and invalidation.
func NewService(repo Repository, cache *Cache, metrics *Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InvalidateTimeout <= 0 {
		cfg.InvalidateTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, cache: cache, metrics: metrics, logger: logger, cfg: cfg, now: time.Now}
	if cache != nil {
		s.invalidator = cache
	}
	return s
}

// EnsureDivisions runs the idempotent per-division setup.
func (s *Service) EnsureDivisions(ctx context.Context, divisions []string) error {
	for _, d := range divisions {
		if err := s.repo.EnsureDivision(ctx, d); err != nil {
			return err
		}
		s.logger.Info("division ready", slog.String("division", d))
	}
	return nil
}

// BasePeriod resolves the historical months used to estimate the target months.
func (s *Service) BasePeriod(ctx context.Context, division string, year int, months []int) ([]int, error) {
	actual, err := s.repo.ActualMonths(ctx, division, year)
	if err != nil {
		return nil, err
	}
	return SelectBasePeriod(actual, months)
}

// CalculateEstimate projects the target months without writing anything.
func (s *Service) CalculateEstimate(ctx context.Context, req EstimateRequest) (Estimate, error) {
	if err := req.Validate(); err != nil {
		return Estimate{}, err
	}
	started := s.now()
	base, err := s.BasePeriod(ctx, req.Division, req.Year, req.Months)
	if err != nil {
		return Estimate{}, err
	}
	rows, err := s.repo.ActualRows(ctx, req.Division, req.Year, base)
	if err != nil {
		return Estimate{}, err
	}
	est, err := Distribute(base, req.Months, rows)
	if err != nil {
		return Estimate{}, err
	}
	est.Division = req.Division
	est.Year = req.Year
	s.metrics.ObserveEstimate(len(est.Lines), started)
	return est, nil
}

// SaveEstimate calculates and replaces the ESTIMATE rows of the target months
// in a single transaction.
func (s *Service) SaveEstimate(ctx context.Context, req EstimateRequest) (EstimateResult, error) {
	est, err := s.CalculateEstimate(ctx, req)
	if err != nil {
		return EstimateResult{}, err
	}
	result := EstimateResult{Estimate: est}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deleted, err := tx.DeleteEstimates(ctx, req.Division, req.Year, est.TargetMonths)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertEstimates(ctx, req.Division, req.Year, est.Lines, req.ActorID, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		result.Deleted = deleted
		result.Inserted = inserted
		return nil
	})
	if err != nil {
		s.logger.Error("save estimate", slog.String("division", req.Division), slog.Int("year", req.Year), slog.Any("error", err))
		return EstimateResult{}, ErrPersistence
	}
	s.logger.Info("estimate saved",
		slog.String("division", req.Division),
		slog.Int("year", req.Year),
		slog.Any("months", est.TargetMonths),
		slog.Any("base_period", est.BasePeriod),
		slog.Int64("deleted", result.Deleted),
		slog.Int("inserted", result.Inserted))
	s.invalidate(ctx)
	return result, nil
}

// ResolvePricing loads the price book for (division, year).
func (s *Service) ResolvePricing(ctx context.Context, division string, year int) (*PriceBook, error) {
	key, err := s.cache.BuildKey(ctx, "pricing", division, strconv.Itoa(year))
	if err != nil {
		return nil, err
	}
	var records []PricingRecord
	err = s.cache.FetchJSON(ctx, key, &records, func(ctx context.Context) (any, error) {
		return s.repo.Pricing(ctx, division, year)
	})
	if err != nil {
		return nil, err
	}
	return NewPriceBook(division, year, records), nil
}

// ReplaceBudget deletes the persisted budget for key and inserts records in
// one transaction. Concurrent replacements of one key are last-commit-wins.
func (s *Service) ReplaceBudget(ctx context.Context, key BudgetKey, records []BudgetRecord, prov Provenance) (ImportOutcome, error) {
	if err := key.Validate(); err != nil {
		return ImportOutcome{}, err
	}
	outcome := ImportOutcome{
		Key:      key,
		ImportID: prov.ImportID,
		Inserted: map[MetricSeries]int{SeriesQuantity: 0, SeriesRevenue: 0, SeriesMargin: 0},
	}

	// Advisory only: runs outside the write transaction and may be stale.
	summary, err := s.repo.BudgetSummary(ctx, key)
	if err != nil {
		s.logger.Warn("budget summary", slog.String("key", key.String()), slog.Any("error", err))
	} else {
		outcome.ExistingCount = summary.RowCount
		outcome.LastImport = summary.LastImport
	}

	if prov.ImportedAt.IsZero() {
		prov.ImportedAt = s.now().UTC()
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deleted, err := tx.DeleteBudget(ctx, key)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertBudget(ctx, key, records, prov, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		outcome.Deleted = deleted
		outcome.Inserted[SeriesQuantity] = inserted
		return nil
	})
	if err != nil {
		s.logger.Error("replace budget", slog.String("key", key.String()), slog.Any("error", err))
		return ImportOutcome{}, ErrPersistence
	}
	s.logger.Info("budget replaced",
		slog.String("key", key.String()),
		slog.String("import_id", prov.ImportID),
		slog.Int64("deleted", outcome.Deleted),
		slog.Int("inserted", outcome.Inserted[SeriesQuantity]))
	s.invalidate(ctx)

	book, err := s.ResolvePricing(ctx, key.Division, PricingYear(key.Year))
	if err != nil {
		s.logger.Warn("resolve pricing", slog.String("key", key.String()), slog.Any("error", err))
		outcome.Errors = append(outcome.Errors, "pricing unavailable; revenue and margin totals omitted")
		book = NewPriceBook(key.Division, PricingYear(key.Year), nil)
	}
	outcome.Totals = book.Totals(records)
	return outcome, nil
}

// BuildSheet assembles the actual-vs-budget table for export.
func (s *Service) BuildSheet(ctx context.Context, key BudgetKey) (Sheet, error) {
	if err := key.Validate(); err != nil {
		return Sheet{}, err
	}
	var (
		actual []SheetLine
		budget []SheetLine
		book   *PriceBook
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		actual, err = s.repo.ActualQuantities(gctx, key.Division, key.SalesRep, PricingYear(key.Year))
		return err
	})
	g.Go(func() error {
		var err error
		budget, err = s.repo.BudgetLines(gctx, key)
		return err
	})
	g.Go(func() error {
		var err error
		book, err = s.ResolvePricing(gctx, key.Division, PricingYear(key.Year))
		return err
	})
	if err := g.Wait(); err != nil {
		return Sheet{}, err
	}
	return AssembleSheet(key, actual, budget, book.Records, s.now().UTC()), nil
}

// invalidate fires cache invalidation without blocking or failing the caller.
func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.InvalidateTimeout)
	run := func() {
		defer cancel()
		if err := s.invalidator.InvalidateBudgets(ctx); err != nil {
			s.logger.Warn("invalidate budget cache", slog.Any("error", err))
		}
	}
	if s.cfg.SyncInvalidate {
		run()
		return
	}
	go run()
}
