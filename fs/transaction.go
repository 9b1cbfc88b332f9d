package fs

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// TxStatus tracks an explicit transaction's lifecycle.
type TxStatus string

const (
	TxActive     TxStatus = "active"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled_back"
)

// TxLogEntry is an in-memory record of one explicit transaction, kept for
// debugging.
type TxLogEntry struct {
	ID      int64    `json:"id"`
	Status  TxStatus `json:"status"`
	StartMs int64    `json:"startMs"`
	EndMs   int64    `json:"endMs,omitempty"`
}

const txLogCap = 100

// BeginTransaction opens an explicit transaction, or a nested savepoint when
// one is already open. Change events are buffered until the outermost
// commit.
func (f *Filesystem) BeginTransaction() error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if f.tx == nil {
		tx, err := f.metadata.db.Begin()
		if err != nil {
			return err
		}
		f.tx = tx
		f.txDepth = 1
		f.txEvents = nil
		f.appendTxLog(TxLogEntry{ID: f.nextTxID(), Status: TxActive, StartMs: nowMs()})
		return nil
	}

	f.savepointSeq++
	name := fmt.Sprintf("sp_user_%d", f.savepointSeq)
	if _, err := f.tx.Exec("SAVEPOINT " + name); err != nil {
		return err
	}
	f.savepoints = append(f.savepoints, name)
	f.savepointMarks = append(f.savepointMarks, len(f.txEvents))
	f.txDepth++
	return nil
}

// Commit releases the innermost savepoint, or commits the whole transaction
// at depth one and emits the buffered change events.
func (f *Filesystem) Commit() error {
	if err := f.enter(); err != nil {
		return err
	}

	if f.tx == nil {
		f.mu.Unlock()
		return errInvalid("no transaction in progress", "")
	}

	if f.txDepth > 1 {
		name := f.savepoints[len(f.savepoints)-1]
		f.savepoints = f.savepoints[:len(f.savepoints)-1]
		f.savepointMarks = f.savepointMarks[:len(f.savepointMarks)-1]
		f.txDepth--
		_, err := f.tx.Exec("RELEASE " + name)
		f.mu.Unlock()
		return err
	}

	err := f.tx.Commit()
	events := f.txEvents
	f.resetTxState(err == nil, TxCommitted)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.publish(events)
	f.cleanup.maybeRunBackground()
	return nil
}

// Rollback undoes the innermost savepoint, or aborts the whole transaction
// at depth one and discards all buffered events.
func (f *Filesystem) Rollback() error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if f.tx == nil {
		return errInvalid("no transaction in progress", "")
	}

	if f.txDepth > 1 {
		name := f.savepoints[len(f.savepoints)-1]
		f.savepoints = f.savepoints[:len(f.savepoints)-1]
		// events queued under the abandoned savepoint must not surface at
		// the outer commit
		mark := f.savepointMarks[len(f.savepointMarks)-1]
		f.savepointMarks = f.savepointMarks[:len(f.savepointMarks)-1]
		f.txEvents = f.txEvents[:mark]
		f.txDepth--
		if _, err := f.tx.Exec("ROLLBACK TO " + name); err != nil {
			return err
		}
		_, err := f.tx.Exec("RELEASE " + name)
		return err
	}

	err := f.tx.Rollback()
	f.resetTxState(true, TxRolledBack)
	return err
}

// resetTxState clears transaction bookkeeping. The depth and savepoint
// counters return to zero even after a failed commit, matching
// rollback-on-open recovery.
func (f *Filesystem) resetTxState(ok bool, status TxStatus) {
	f.tx = nil
	f.txDepth = 0
	f.savepoints = nil
	f.savepointMarks = nil
	f.txEvents = nil
	if n := len(f.txLog); n > 0 && f.txLog[n-1].Status == TxActive {
		if !ok {
			status = TxRolledBack
		}
		f.txLog[n-1].Status = status
		f.txLog[n-1].EndMs = nowMs()
	}
}

// InTransaction reports whether an explicit transaction is open.
func (f *Filesystem) InTransaction() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tx != nil
}

// TransactionLog returns a copy of the recent transaction records.
func (f *Filesystem) TransactionLog() []TxLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TxLogEntry, len(f.txLog))
	copy(out, f.txLog)
	return out
}

func (f *Filesystem) appendTxLog(entry TxLogEntry) {
	f.txLog = append(f.txLog, entry)
	if len(f.txLog) > txLogCap {
		f.txLog = f.txLog[len(f.txLog)-txLogCap:]
	}
	log.Trace().Int64("txID", entry.ID).Msg("Transaction started.")
}

func (f *Filesystem) nextTxID() int64 {
	f.txSeq++
	return f.txSeq
}
