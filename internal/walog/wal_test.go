package walog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/galdrdb/galdrdb/internal/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestWal(t *testing.T) (*Wal, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")
	w, err := Open(path, 4096, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestCommitTxAppliesAllFramesOnRecovery(t *testing.T) {
	w, path := openTestWal(t)

	w.BeginTx(1)
	require.NoError(t, w.AppendFrame(ChangeTypePage, []byte("page-a")))
	require.NoError(t, w.AppendFrame(ChangeTypePage, []byte("page-b")))
	require.NoError(t, w.CommitTx())
	require.NoError(t, w.Close())

	w2, err := Open(path, 4096, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	var applied [][]byte
	n, err := w2.Recover(func(f Frame) error {
		applied = append(applied, f.Payload)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, [][]byte{[]byte("page-a"), []byte("page-b")}, applied)
}

func TestAbortTxDiscardsFrames(t *testing.T) {
	w, path := openTestWal(t)

	w.BeginTx(1)
	require.NoError(t, w.AppendFrame(ChangeTypePage, []byte("lost")))
	w.AbortTx()
	require.NoError(t, w.Close())

	w2, err := Open(path, 4096, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	n, err := w2.Recover(func(Frame) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRecoveryDiscardsTrailingUncommittedRun(t *testing.T) {
	w, path := openTestWal(t)

	w.BeginTx(1)
	require.NoError(t, w.AppendFrame(ChangeTypePage, []byte("committed")))
	require.NoError(t, w.CommitTx())

	// Simulate a crash mid-transaction: frames written but never sealed
	// with a commit_flag, by writing directly instead of via CommitTx.
	w.mu.Lock()
	w.frameCount++
	uncommitted := Frame{FrameNumber: w.frameCount, TxId: 2, ChangeType: ChangeTypePage, CommitFlag: false, Payload: []byte("torn")}
	require.NoError(t, w.writeFrame(uncommitted))
	w.mu.Unlock()
	require.NoError(t, w.Close())

	w2, err := Open(path, 4096, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	var applied [][]byte
	n, err := w2.Recover(func(f Frame) error {
		applied = append(applied, f.Payload)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, [][]byte{[]byte("committed")}, applied)
}

func TestCheckpointAppliesAndTruncates(t *testing.T) {
	w, _ := openTestWal(t)

	w.BeginTx(1)
	require.NoError(t, w.AppendFrame(ChangeTypeMetadata, []byte("meta")))
	require.NoError(t, w.CommitTx())
	require.Equal(t, uint64(1), w.FrameCount())

	var applied int
	require.NoError(t, w.Checkpoint(func(Frame) error { applied++; return nil }))
	require.Equal(t, 1, applied)
	require.Equal(t, uint64(0), w.FrameCount())
}

func TestCorruptFrameFailsRecoveryWithRecoveryFailed(t *testing.T) {
	w, path := openTestWal(t)

	w.BeginTx(1)
	require.NoError(t, w.AppendFrame(ChangeTypePage, []byte("page")))
	require.NoError(t, w.CommitTx())
	require.NoError(t, w.Close())

	// Corrupt a byte in the frame payload region, after the header.
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(headerSize+frameHeaderSize+1))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path, 4096, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	_, err = w2.Recover(func(Frame) error { return nil })
	require.Error(t, err)
	var recErr *common.RecoveryFailed
	require.ErrorAs(t, err, &recErr)
}
