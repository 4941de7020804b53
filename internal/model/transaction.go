package model

import (
	"errors"
	"fmt"
	"sync"
)

// Transaction is the guard returned by BeginTransaction.
type Transaction struct {
	item *DataItem
	once sync.Once
	err  error
}

// End leaves the transaction. Only the first call has an effect; the error
// of the deferred write or cache spill, if any, is returned every time.
func (t *Transaction) End() error {
	t.once.Do(func() { t.err = t.item.endTransaction() })
	return t.err
}

// BeginTransaction enters the transaction state used during live
// acquisition: writes to the persistent context are delayed, the storage
// cache is suspended and every source's buffer is kept resident. Calls nest;
// the state is left when the last guard ends, and at that point the item is
// written once if it changed since entry or was never written.
func (d *DataItem) BeginTransaction() *Transaction {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	d.txCount++
	if d.txCount == 1 {
		d.enterTransactionState()
	}
	return &Transaction{item: d}
}

// InTransactionState reports whether a transaction is open.
func (d *DataItem) InTransactionState() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.inTransaction
}

func (d *DataItem) endTransaction() error {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	d.txCount--
	if d.txCount < 0 {
		d.txCount = 0
		invariant(false, "data item %s: transaction ended more often than begun", d.UUID())
	}
	if d.txCount > 0 {
		return nil
	}
	return d.exitTransactionState()
}

func (d *DataItem) enterTransactionState() {
	d.stateMu.Lock()
	d.inTransaction = true
	sc := d.storageCache
	d.stateMu.Unlock()

	d.enterWriteDelay()
	if sc != nil {
		sc.SuspendCache()
	}
	for _, s := range d.DataSources() {
		d.pin(s)
	}
}

// exitTransactionState undoes enterTransactionState in reverse order. The
// deferred write happens before the buffers are released so resident data
// is still there to be written.
func (d *DataItem) exitTransactionState() error {
	d.stateMu.Lock()
	d.inTransaction = false
	sc := d.storageCache
	d.stateMu.Unlock()

	var errs []error
	if sc != nil {
		if _, err := sc.SpillCache(); err != nil {
			errs = append(errs, fmt.Errorf("spill cache: %w", err))
		}
	}
	if err := d.exitWriteDelay(); err != nil {
		errs = append(errs, err)
	}
	for _, s := range d.DataSources() {
		d.unpin(s)
	}
	return errors.Join(errs...)
}

func (d *DataItem) enterWriteDelay() {
	d.stateMu.Lock()
	d.writeDelayModified = d.ModifiedCount()
	ctx := d.context
	d.stateMu.Unlock()
	if ctx == nil {
		return
	}
	if st := ctx.PersistentStorageFor(d); st != nil {
		st.SetWriteDelayed(true)
	}
}

func (d *DataItem) exitWriteDelay() error {
	d.stateMu.Lock()
	ctx := d.context
	d.stateMu.Unlock()
	if ctx == nil {
		return nil
	}
	if st := ctx.PersistentStorageFor(d); st != nil {
		st.SetWriteDelayed(false)
	}
	d.stateMu.Lock()
	write := d.pendingWrite || d.ModifiedCount() > d.writeDelayModified
	d.pendingWrite = false
	d.stateMu.Unlock()
	if !write {
		return nil
	}
	if err := ctx.WriteDataItem(d); err != nil {
		d.logger().Error("deferred write failed", "item", d.UUID(), "error", err)
		return fmt.Errorf("write data item %s: %w", d.UUID(), err)
	}
	return nil
}

// pin keeps a source's buffer resident for the rest of the transaction.
func (d *DataItem) pin(s *BufferedDataSource) {
	if _, err := s.IncrementDataRefCount(); err != nil {
		d.logger().Warn("keep buffer resident failed", "item", d.UUID(), "source", s.UUID(), "error", err)
		return
	}
	d.stateMu.Lock()
	w := d.wiring[s]
	if w != nil && !w.pinned {
		w.pinned = true
		w = nil
	}
	d.stateMu.Unlock()
	if w != nil {
		s.DecrementDataRefCount()
	}
}

func (d *DataItem) unpin(s *BufferedDataSource) {
	d.stateMu.Lock()
	w := d.wiring[s]
	pinned := w != nil && w.pinned
	if pinned {
		w.pinned = false
	}
	d.stateMu.Unlock()
	if pinned {
		s.DecrementDataRefCount()
	}
}
