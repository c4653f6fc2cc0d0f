package peer

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/nevil1324/P2P/pkg/hashing"
	"github.com/nevil1324/P2P/pkg/monitor"
	"github.com/nevil1324/P2P/pkg/pool"
	"github.com/nevil1324/P2P/pkg/proto"
	"github.com/nevil1324/P2P/pkg/wire"
	"go.uber.org/zap"
)

// DownloadWorkers bounds the number of concurrent piece fetches per file.
const DownloadWorkers = 10

// DownloadPlan is everything the engine needs to pull one file: the tracker
// metadata plus the destination chosen by the user.
type DownloadPlan struct {
	FileName  string
	GroupName string
	DestPath  string
	Size      int64
	Hashes    []string // hash vector: [whole-file, piece1..pieceN]
	Seeders   []string // advertised endpoints
}

// Engine downloads files piece by piece: probe every advertiser for
// availability, fan the fetches out over a fixed worker pool, verify each
// piece against its hash, and publish verified pieces to the shared index so
// the local seeder serves them while the download is still running.
type Engine struct {
	index     *SharedPieceIndex
	downloads *Downloads
	log       *zap.SugaredLogger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine builds an engine. The RNG seed fixes the sequence of random
// draws used for per-piece seeder selection. Pool workers take those draws
// in scheduling order and candidate lists follow probe completion order, so
// a fixed seed does not fix which seeder serves which piece.
func NewEngine(index *SharedPieceIndex, downloads *Downloads, seed int64, log *zap.SugaredLogger) *Engine {
	return &Engine{
		index:     index,
		downloads: downloads,
		log:       log,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// pieceJob fetches one piece on a pool worker.
type pieceJob struct {
	engine     *Engine
	plan       *DownloadPlan
	dest       *os.File
	piece      int
	candidates []string
}

func (j *pieceJob) Execute() error {
	return j.engine.fetchPiece(j)
}

// Run executes the whole plan and blocks until the pool drains. The caller
// decides whether to run it in the background.
func (e *Engine) Run(plan DownloadPlan) error {
	pieceCount := hashing.PieceCount(plan.Size)
	if len(plan.Hashes) != pieceCount+1 {
		return proto.Errf(proto.KindConsistency, "hash vector has %d entries, want %d", len(plan.Hashes), pieceCount+1)
	}

	e.downloads.Set(plan.FileName, plan.GroupName, StateDownloading)
	e.log.Infof("[Downloader] starting: file=%s group=%s size=%d pieces=%d seeders=%d",
		plan.FileName, plan.GroupName, plan.Size, pieceCount, len(plan.Seeders))

	// Probe. Every advertiser is asked concurrently which pieces it holds;
	// seeders that fail to answer are simply excluded.
	candidates := e.probeSeeders(&plan, pieceCount)

	dest, err := os.OpenFile(plan.DestPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		e.downloads.Set(plan.FileName, plan.GroupName, StateFailed)
		return proto.Errf(proto.KindIO, "create %s: %v", plan.DestPath, err)
	}
	defer dest.Close()

	// Publish the path mapping up front: pieces become seedable one by one
	// as they commit.
	e.index.AddFilePath(plan.FileName, plan.GroupName, plan.DestPath)

	workers := pool.NewWorkerPool(DownloadWorkers)
	workers.Start()
	go func() {
		for piece := 1; piece <= pieceCount; piece++ {
			workers.Submit(&pieceJob{
				engine:     e,
				plan:       &plan,
				dest:       dest,
				piece:      piece,
				candidates: candidates[piece],
			})
		}
		workers.Stop()
	}()

	failed := 0
	for result := range workers.Results() {
		job := result.Job.(*pieceJob)
		if result.Err != nil {
			failed++
			e.log.Errorf("[Downloader] piece failed: file=%s piece=%d err=%v", plan.FileName, job.piece, result.Err)
		}
	}
	<-workers.Done()

	if failed > 0 {
		e.downloads.Set(plan.FileName, plan.GroupName, StateFailed)
		return proto.Errf(proto.KindConsistency, "download incomplete: %d/%d pieces failed", failed, pieceCount)
	}

	if err := dest.Sync(); err != nil {
		e.downloads.Set(plan.FileName, plan.GroupName, StateFailed)
		return proto.Errf(proto.KindIO, "sync %s: %v", plan.DestPath, err)
	}

	e.downloads.Set(plan.FileName, plan.GroupName, StateDownloaded)
	e.log.Infof("[Downloader] complete: file=%s group=%s dest=%s", plan.FileName, plan.GroupName, plan.DestPath)
	return nil
}

// probeSeeders asks every advertised endpoint for its available pieces and
// builds the per-piece candidate sets. Indices outside [1, pieceCount] are
// ignored.
func (e *Engine) probeSeeders(plan *DownloadPlan, pieceCount int) map[int][]string {
	type probeResult struct {
		endpoint string
		pieces   []int
	}

	resultCh := make(chan probeResult, len(plan.Seeders))
	var wg sync.WaitGroup
	for _, endpoint := range plan.Seeders {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			pieces, err := e.queryPieceInfo(endpoint, plan.FileName, plan.GroupName)
			if err != nil {
				e.log.Warnf("[Downloader] probe failed: seeder=%s err=%v", endpoint, err)
				return
			}
			resultCh <- probeResult{endpoint: endpoint, pieces: pieces}
		}(endpoint)
	}
	wg.Wait()
	close(resultCh)

	candidates := make(map[int][]string, pieceCount)
	for result := range resultCh {
		for _, piece := range result.pieces {
			if piece < 1 || piece > pieceCount {
				continue
			}
			candidates[piece] = append(candidates[piece], result.endpoint)
		}
	}
	return candidates
}

func (e *Engine) queryPieceInfo(endpoint, fileName, groupName string) ([]int, error) {
	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial seeder %s: %w", endpoint, err)
	}
	defer conn.Close()

	command := fmt.Sprintf("%s %s %s", proto.CmdGivePieceInfo, fileName, groupName)
	resp, err := wire.Request(conn, []byte(command))
	if err != nil {
		return nil, err
	}
	payload, err := proto.ParseResponse(resp)
	if err != nil {
		return nil, err
	}

	var pieces []int
	for _, field := range proto.Fields(string(payload)) {
		piece, err := strconv.Atoi(field)
		if err != nil {
			return nil, proto.Errf(proto.KindConsistency, "seeder %s sent bad piece index %q", endpoint, field)
		}
		pieces = append(pieces, piece)
	}
	return pieces, nil
}

// fetchPiece pulls one piece, retrying across the candidate set. The seeder
// for each attempt is chosen uniformly at random among the remaining
// candidates; the randomisation is the whole load-spreading policy, so no
// preference for well-stocked peers.
func (e *Engine) fetchPiece(job *pieceJob) error {
	if len(job.candidates) == 0 {
		return proto.Errf(proto.KindConsistency, "no seeder holds piece %d", job.piece)
	}

	remaining := append([]string(nil), job.candidates...)
	for len(remaining) > 0 {
		i := e.pick(len(remaining))
		endpoint := remaining[i]
		remaining = append(remaining[:i], remaining[i+1:]...)

		data, err := e.requestPiece(endpoint, job.plan, job.piece)
		if err != nil {
			e.log.Warnf("[Downloader] fetch failed: seeder=%s piece=%d err=%v", endpoint, job.piece, err)
			continue
		}

		if got := hashing.PieceHash(data); got != job.plan.Hashes[job.piece] {
			e.log.Warnf("[Downloader] hash mismatch: seeder=%s piece=%d", endpoint, job.piece)
			continue
		}

		// Write-then-publish: the bytes must be on disk before the piece
		// appears in the index, or the seeder could serve stale data.
		offset := int64(job.piece-1) * proto.PieceSize
		if _, err := job.dest.WriteAt(data, offset); err != nil {
			return proto.Errf(proto.KindIO, "write piece %d: %v", job.piece, err)
		}
		e.index.AddPiece(job.plan.DestPath, job.piece)

		monitor.RecordDownload(len(data))
		e.log.Infof("[Downloader] piece done: file=%s piece=%d seeder=%s bytes=%d",
			job.plan.FileName, job.piece, endpoint, len(data))
		return nil
	}
	return proto.Errf(proto.KindConsistency, "piece %d failed on every candidate", job.piece)
}

func (e *Engine) requestPiece(endpoint string, plan *DownloadPlan, piece int) ([]byte, error) {
	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial seeder %s: %w", endpoint, err)
	}
	defer conn.Close()

	command := fmt.Sprintf("%s %s %s %d", proto.CmdGivePiece, plan.FileName, plan.GroupName, piece)
	resp, err := wire.Request(conn, []byte(command))
	if err != nil {
		return nil, err
	}
	return proto.ParseResponse(resp)
}

func (e *Engine) pick(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}
