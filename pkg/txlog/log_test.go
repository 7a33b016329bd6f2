package txlog

import (
	"testing"
	"time"
)

func openTestLog(t *testing.T, dir string, opts Options) *LogicalLog {
	t.Helper()
	l, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open logical log: %v", err)
	}
	return l
}

func commitTx(t *testing.T, l *LogicalLog, local, txID, epoch uint64, commands ...[]byte) {
	t.Helper()
	if err := l.AppendStart(local); err != nil {
		t.Fatal(err)
	}
	for _, c := range commands {
		if err := l.AppendCommand(local, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.AppendPrepare(local); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendCommit(local, CommitPayload{TxID: txID, Epoch: epoch, Timestamp: time.Now().UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendDone(local); err != nil {
		t.Fatal(err)
	}
}

func TestLogicalLog_ExtractCommitted(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})
	defer l.Close()

	commitTx(t, l, 1, 1, 1, []byte("cmd-a"))
	commitTx(t, l, 2, 2, 1, []byte("cmd-b"), []byte("cmd-c"))

	txs, err := l.Extract(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Fatalf("Expected 2 committed txs, got %d", len(txs))
	}
	if txs[0].TxID != 1 || txs[1].TxID != 2 {
		t.Errorf("Extract out of order: %d, %d", txs[0].TxID, txs[1].TxID)
	}
	if len(txs[1].Commands) != 2 {
		t.Errorf("Expected 2 commands in tx 2, got %d", len(txs[1].Commands))
	}

	// Extraction is exclusive of fromTxID.
	txs, err = l.Extract(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].TxID != 2 {
		t.Errorf("Extract(1) should return only tx 2, got %+v", txs)
	}
}

func TestLogicalLog_MasterEpochFor(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})

	commitTx(t, l, 1, 1, 3, []byte("x"))
	l.Close()

	// The epoch index is rebuilt from the files on reopen.
	l2 := openTestLog(t, dir, Options{})
	defer l2.Close()

	epoch, err := l2.MasterEpochFor(1)
	if err != nil {
		t.Fatal(err)
	}
	if epoch != 3 {
		t.Errorf("Expected epoch 3, got %d", epoch)
	}

	if _, err := l2.MasterEpochFor(99); err == nil {
		t.Error("Expected ErrUnknownTx for unknown tx")
	}

	// Tx 0 is the empty-store baseline.
	epoch, err = l2.MasterEpochFor(0)
	if err != nil || epoch != 0 {
		t.Errorf("Expected baseline epoch 0, got %d, %v", epoch, err)
	}
}

func TestLogicalLog_RotationRetainsHistory(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{RotateSize: 1, KeepLogs: true})
	defer l.Close()

	// Tiny rotate bound: every tx triggers a rotation at DONE.
	commitTx(t, l, 1, 1, 1, []byte("a"))
	commitTx(t, l, 2, 2, 1, []byte("b"))

	if v := l.Version(); v != 3 {
		t.Errorf("Expected version 3 after two rotations, got %d", v)
	}

	// History must still be extractable across retained files.
	txs, err := l.Extract(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Fatalf("Expected 2 txs across retained files, got %d", len(txs))
	}
}

func TestLogicalLog_RotationWithoutRetention(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{RotateSize: 1, KeepLogs: false})
	defer l.Close()

	commitTx(t, l, 1, 1, 1, []byte("a"))

	files, err := l.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Errorf("Expected only the active file, got %v", files)
	}
}

func TestLogicalLog_Prune(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{RotateSize: 1, KeepLogs: true})
	defer l.Close()

	commitTx(t, l, 1, 1, 1, []byte("a"))
	commitTx(t, l, 2, 2, 1, []byte("b"))

	if err := l.Prune(1); err != nil {
		t.Fatal(err)
	}

	txs, err := l.Extract(0)
	if err != nil {
		t.Fatal(err)
	}
	// Tx 1's retained file is gone; tx 2 must survive.
	if len(txs) != 1 || txs[0].TxID != 2 {
		t.Errorf("Prune removed too much or too little: %+v", txs)
	}
}

func TestRecovery_ReplaysCommittedWithoutDone(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})

	// Committed but crashed before DONE.
	if err := l.AppendStart(7); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendCommand(7, []byte("redo-me")); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendPrepare(7); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendCommit(7, CommitPayload{TxID: 5, Epoch: 2}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l2 := openTestLog(t, dir, Options{})
	defer l2.Close()

	var replayed []uint64
	stats, err := l2.Recover(func(txID, epoch uint64, commands [][]byte) error {
		replayed = append(replayed, txID)
		if epoch != 2 {
			t.Errorf("Expected epoch 2, got %d", epoch)
		}
		if len(commands) != 1 || string(commands[0]) != "redo-me" {
			t.Errorf("Wrong commands replayed: %v", commands)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Replayed != 1 || len(replayed) != 1 || replayed[0] != 5 {
		t.Errorf("Expected tx 5 replayed once, got %v (stats %+v)", replayed, stats)
	}

	// A second recovery sees the rewritten DONE and replays nothing.
	stats, err = l2.Recover(func(txID, epoch uint64, commands [][]byte) error {
		t.Errorf("Unexpected replay of tx %d", txID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Replayed != 0 {
		t.Errorf("Expected no replays, got %d", stats.Replayed)
	}
}

func TestRecovery_DiscardsPreparedWithoutCommit(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})

	if err := l.AppendStart(3); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendCommand(3, []byte("never-committed")); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendPrepare(3); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l2 := openTestLog(t, dir, Options{})
	defer l2.Close()

	stats, err := l2.Recover(func(txID, epoch uint64, commands [][]byte) error {
		t.Errorf("Dangling tx replayed as %d", txID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if stats.Discarded != 1 {
		t.Errorf("Expected 1 discarded tx, got %d", stats.Discarded)
	}

	// The dangling entries are gone from the file.
	txs, err := l2.Extract(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 0 {
		t.Errorf("Expected empty log after recovery, got %+v", txs)
	}
}

func TestRecovery_RolledBackIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{})

	if err := l.AppendStart(4); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendPrepare(4); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendRollback(4); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l2 := openTestLog(t, dir, Options{})
	defer l2.Close()

	_, err := l2.Recover(func(txID, epoch uint64, commands [][]byte) error {
		t.Errorf("Rolled-back tx replayed as %d", txID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
