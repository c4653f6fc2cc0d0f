package peer

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevil1324/P2P/pkg/logger"
	"github.com/nevil1324/P2P/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer is a whole peer wired together the way the CLI does it: shared
// index, seeder, download engine and leecher on one tracker connection.
type testPeer struct {
	index     *SharedPieceIndex
	downloads *Downloads
	seeder    *Seeder
	leecher   *Leecher
}

func newTestPeer(t *testing.T, trackerAddr string, seed int64) *testPeer {
	t.Helper()
	idx := NewSharedPieceIndex()
	downloads := NewDownloads()

	seeder := NewSeeder("127.0.0.1:0", idx, logger.Nop())
	require.NoError(t, seeder.Start())
	t.Cleanup(seeder.Stop)

	engine := NewEngine(idx, downloads, seed, logger.Nop())
	leecher := NewLeecher(seeder.Addr(), idx, downloads, engine, logger.Nop())
	require.NoError(t, leecher.ConnectTracker(trackerAddr))
	t.Cleanup(leecher.Close)

	return &testPeer{index: idx, downloads: downloads, seeder: seeder, leecher: leecher}
}

func waitForState(t *testing.T, downloads *Downloads, fileName, groupName string, want DownloadState) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, entry := range downloads.List() {
			if entry.FileName == fileName && entry.GroupName == groupName && entry.State == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("download of %s in %s never reached %s", fileName, groupName, want)
}

// TestTwoPeerDownload runs the full flow over real sockets: A registers and
// seeds a file, B joins the group and pulls it piece by piece.
func TestTwoPeerDownload(t *testing.T) {
	tr := tracker.New("127.0.0.1:0", "e2e-secret", time.Hour, logger.Nop())
	require.NoError(t, tr.Start())
	defer tr.Stop()

	peerA := newTestPeer(t, tr.Addr(), 1)
	peerB := newTestPeer(t, tr.Addr(), 2)

	data := make([]byte, 3500)
	rand.New(rand.NewSource(11)).Read(data)
	srcPath := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(srcPath, data, 0644))

	require.NoError(t, peerA.leecher.Execute("create_user alice pw1"))
	require.NoError(t, peerA.leecher.Execute("login alice pw1"))
	require.NoError(t, peerA.leecher.Execute("create_group study"))
	require.NoError(t, peerA.leecher.Execute(fmt.Sprintf("upload_file %s study", srcPath)))

	require.NoError(t, peerB.leecher.Execute("create_user bob pw2"))
	require.NoError(t, peerB.leecher.Execute("login bob pw2"))
	require.NoError(t, peerB.leecher.Execute("join_group study"))
	require.NoError(t, peerA.leecher.Execute("accept_request study bob"))

	destPath := filepath.Join(t.TempDir(), "report-copy.pdf")
	require.NoError(t, peerB.leecher.Execute(fmt.Sprintf("download_file report.pdf study %s", destPath)))

	waitForState(t, peerB.downloads, "report.pdf", "study", StateDownloaded)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Equal(t, []int{1, 2, 3, 4}, peerB.index.AvailablePieces(destPath))
}

func TestDownloadRequiresMembership(t *testing.T) {
	tr := tracker.New("127.0.0.1:0", "e2e-secret", time.Hour, logger.Nop())
	require.NoError(t, tr.Start())
	defer tr.Stop()

	peerA := newTestPeer(t, tr.Addr(), 1)
	peerB := newTestPeer(t, tr.Addr(), 2)

	srcPath := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(srcPath, make([]byte, 100), 0644))

	require.NoError(t, peerA.leecher.Execute("create_user alice pw1"))
	require.NoError(t, peerA.leecher.Execute("login alice pw1"))
	require.NoError(t, peerA.leecher.Execute("create_group private"))
	require.NoError(t, peerA.leecher.Execute(fmt.Sprintf("upload_file %s private", srcPath)))

	require.NoError(t, peerB.leecher.Execute("create_user eve pw2"))
	require.NoError(t, peerB.leecher.Execute("login eve pw2"))

	dest := filepath.Join(t.TempDir(), "stolen.bin")
	err := peerB.leecher.Execute(fmt.Sprintf("download_file f.bin private %s", dest))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a participant")
}

func TestStopShareWithdrawsSeeding(t *testing.T) {
	tr := tracker.New("127.0.0.1:0", "e2e-secret", time.Hour, logger.Nop())
	require.NoError(t, tr.Start())
	defer tr.Stop()

	peerA := newTestPeer(t, tr.Addr(), 1)

	srcPath := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(srcPath, make([]byte, 2048), 0644))

	require.NoError(t, peerA.leecher.Execute("create_user alice pw1"))
	require.NoError(t, peerA.leecher.Execute("login alice pw1"))
	require.NoError(t, peerA.leecher.Execute("create_group g"))
	require.NoError(t, peerA.leecher.Execute(fmt.Sprintf("upload_file %s g", srcPath)))
	assert.Equal(t, []int{1, 2}, peerA.index.AvailablePieces(srcPath))

	require.NoError(t, peerA.leecher.Execute("stop_share g f.bin"))

	// The registry entry is gone on the tracker and the local index no
	// longer serves the file.
	dest := filepath.Join(t.TempDir(), "copy.bin")
	err := peerA.leecher.Execute(fmt.Sprintf("download_file f.bin g %s", dest))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, "", peerA.index.FilePath("f.bin", "g"))
}
