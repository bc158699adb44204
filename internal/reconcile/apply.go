package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"cnote.dev/go/cnote/internal/ledger"
)

// Apply persists plan to store: categories, then transactions, then rates.
// Stores implementing ledger.BatchStore receive the plan as one atomic
// batch. Every error is wrapped with ErrMergeFailed.
func Apply(ctx context.Context, store ledger.Store, plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("%w: no plan", ErrMergeFailed)
	}
	if bs, ok := store.(ledger.BatchStore); ok {
		b := ledger.Batch{Categories: plan.Categories, Transactions: plan.Transactions, Rates: plan.Rates}
		if err := bs.ApplyBatch(ctx, b); err != nil {
			return fmt.Errorf("%w: %v", ErrMergeFailed, err)
		}
		return nil
	}
	for _, c := range plan.Categories {
		if err := store.AddCategory(ctx, c); err != nil {
			return fmt.Errorf("%w: add category %s: %v", ErrMergeFailed, c.Name, err)
		}
	}
	for _, t := range plan.Transactions {
		if err := store.AddTransaction(ctx, t); err != nil {
			return fmt.Errorf("%w: add transaction %s: %v", ErrMergeFailed, t.ID, err)
		}
	}
	for _, r := range plan.Rates {
		if err := store.SetExchangeRate(ctx, r.From, r.To, r.Rate); err != nil {
			return fmt.Errorf("%w: set rate %s: %v", ErrMergeFailed, r.Key(), err)
		}
	}
	return nil
}

// Reconcile loads local state from store, merges remote into it and applies
// the result. Failures are reported in the returned SyncResult.
func Reconcile(ctx context.Context, store ledger.Store, remote *ledger.Snapshot, logger *slog.Logger) ledger.SyncResult {
	if logger == nil {
		logger = slog.Default()
	}

	local, err := LoadLocal(ctx, store)
	if err != nil {
		return ledger.FailedResult(fmt.Errorf("%w: %v", ErrMergeFailed, err))
	}

	plan, result := Merge(local, remote)
	if !result.IsSuccess {
		return result
	}
	if plan.BaseCurrencyDiffers {
		logger.Info("Peer uses a different base currency, keeping local",
			"local", local.BaseCurrency, "remote", plan.RemoteBaseCurrency)
	}

	if err := Apply(ctx, store, plan); err != nil {
		return ledger.FailedResult(err)
	}

	logger.Info("Merged snapshot",
		"package", remote.PackageID,
		"transactions_added", result.TransactionsAdded,
		"transactions_duplicated", result.TransactionsDuplicated,
		"categories_added", result.CategoriesAdded,
		"categories_duplicated", result.CategoriesDuplicated,
		"fallbacks", plan.FallbacksCreated,
		"rates", result.ExchangeRatesSynced,
	)
	return result
}
