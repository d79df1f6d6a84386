package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pyindex/pyindexd/internal/errs"
)

// txnIdleBound is the default idle window after which an abandoned
// transaction is rolled back (spec §4.1: "A transaction abandoned for
// longer than a configurable idle bound is rolled back").
const txnIdleBound = 30 * time.Second

// openTxn tracks one in-flight *sql.Tx owned by the Engine, keyed by
// the transaction_id handed back to the broker client. Nested begin is
// rejected by the broker layer, not here: each transaction_id maps to
// exactly one *sql.Tx for its lifetime.
type openTxn struct {
	tx       *sql.Tx
	lastUsed time.Time
}

// txnTable is the Engine's bookkeeping of open transactions. It is
// only ever touched from the Engine's single writer goroutine (via
// Do), so it needs no locking of its own beyond the mutex used by the
// idle reaper, which runs on a separate timer goroutine and submits
// its rollback decisions back through the same queue.
type txnTable struct {
	mu   sync.Mutex
	open map[string]*openTxn
}

func newTxnTable() *txnTable {
	return &txnTable{open: make(map[string]*openTxn)}
}

// BeginTransaction starts a new transaction and returns its id.
func (e *Engine) BeginTransaction(ctx context.Context) (string, error) {
	val, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		tx, err := db.Begin()
		if err != nil {
			return nil, errs.Wrap(errs.StorageError, "beginning transaction", err)
		}
		id := uuid.New().String()
		e.txns.mu.Lock()
		e.txns.open[id] = &openTxn{tx: tx, lastUsed: time.Now()}
		e.txns.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// Commit commits the named transaction.
func (e *Engine) Commit(ctx context.Context, transactionID string) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		e.txns.mu.Lock()
		ot, ok := e.txns.open[transactionID]
		if ok {
			delete(e.txns.open, transactionID)
		}
		e.txns.mu.Unlock()
		if !ok {
			return nil, errs.New(errs.StorageError, "unknown transaction_id "+transactionID)
		}
		if err := ot.tx.Commit(); err != nil {
			return nil, errs.Wrap(errs.StorageError, "committing transaction", err)
		}
		return nil, nil
	})
	return err
}

// Rollback rolls back the named transaction.
func (e *Engine) Rollback(ctx context.Context, transactionID string) error {
	_, err := e.Do(ctx, func(db *sql.DB) (interface{}, error) {
		e.txns.mu.Lock()
		ot, ok := e.txns.open[transactionID]
		if ok {
			delete(e.txns.open, transactionID)
		}
		e.txns.mu.Unlock()
		if !ok {
			return nil, errs.New(errs.StorageError, "unknown transaction_id "+transactionID)
		}
		if err := ot.tx.Rollback(); err != nil {
			return nil, errs.Wrap(errs.StorageError, "rolling back transaction", err)
		}
		return nil, nil
	})
	return err
}

// txFor returns the *sql.Tx for transactionID, touching its lastUsed
// timestamp, or an error if it is unknown. Must be called from inside
// the writer goroutine (i.e. from within a Do callback).
func (e *Engine) txFor(transactionID string) (*sql.Tx, error) {
	e.txns.mu.Lock()
	defer e.txns.mu.Unlock()
	ot, ok := e.txns.open[transactionID]
	if !ok {
		return nil, errs.New(errs.StorageError, "unknown transaction_id "+transactionID)
	}
	ot.lastUsed = time.Now()
	return ot.tx, nil
}

// reapIdleTransactions runs on a ticker owned by Open and rolls back
// any transaction that has sat idle past txnIdleBound.
func (e *Engine) reapIdleTransactions() {
	ticker := time.NewTicker(txnIdleBound / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			var stale []string
			now := time.Now()
			e.txns.mu.Lock()
			for id, ot := range e.txns.open {
				if now.Sub(ot.lastUsed) > txnIdleBound {
					stale = append(stale, id)
				}
			}
			e.txns.mu.Unlock()
			for _, id := range stale {
				e.log.Warnf("rolling back idle transaction %s", id)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = e.Rollback(ctx, id)
				cancel()
			}
		case <-e.quit:
			return
		}
	}
}
