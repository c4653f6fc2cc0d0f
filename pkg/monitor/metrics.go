package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics counts piece traffic for one peer process: what the seeder served
// and what the download engine pulled in.
type Metrics struct {
	PiecesServed     atomic.Int64
	BytesServed      atomic.Int64
	PiecesDownloaded atomic.Int64
	BytesDownloaded  atomic.Int64

	start time.Time
}

// Global is the process-wide metrics instance.
var Global = &Metrics{start: time.Now()}

// RecordServe counts one piece served by the seeder.
func RecordServe(bytes int) {
	Global.PiecesServed.Add(1)
	Global.BytesServed.Add(int64(bytes))
}

// RecordDownload counts one verified piece received by the download engine.
func RecordDownload(bytes int) {
	Global.PiecesDownloaded.Add(1)
	Global.BytesDownloaded.Add(int64(bytes))
}

// LogPeriodic logs runtime and transfer counters at the given interval.
// Runs until the process exits.
func LogPeriodic(log *zap.SugaredLogger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		log.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | PiecesServed=%d | BytesServed=%d | PiecesDownloaded=%d | BytesDownloaded=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			Global.PiecesServed.Load(),
			Global.BytesServed.Load(),
			Global.PiecesDownloaded.Load(),
			Global.BytesDownloaded.Load(),
		)
	}
}
