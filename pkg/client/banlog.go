package client

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Sternrassler/manga-cache/pkg/clock"
)

// banTimeLayout is the timestamp format of ban alert lines.
const banTimeLayout = "2006-01-02 15:04:05"

// BanLogConfig configures the rotating ban alert file.
type BanLogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// BanLog appends one line per blocked attempt:
//
//	2024-03-10 15:04:05 - 403 Forbidden on /42
type BanLog struct {
	mu    sync.Mutex
	w     io.Writer
	clock clock.Clock
	count atomic.Int64
}

// NewBanLog writes alerts to w.
func NewBanLog(w io.Writer, clk clock.Clock) *BanLog {
	if clk == nil {
		clk = clock.New()
	}
	return &BanLog{w: w, clock: clk}
}

// OpenBanLog writes alerts to a size-rotated file. The returned closer
// releases the file.
func OpenBanLog(cfg BanLogConfig, clk clock.Clock) (*BanLog, io.Closer) {
	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return NewBanLog(lj, clk), lj
}

// Record appends an alert for status on resource.
func (b *BanLog) Record(status int, resource string) error {
	line := fmt.Sprintf("%s - %d %s on %s\n",
		b.clock.Now().Format(banTimeLayout), status, http.StatusText(status), resource)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.count.Add(1)
	if _, err := io.WriteString(b.w, line); err != nil {
		return fmt.Errorf("write ban alert: %w", err)
	}
	return nil
}

// Count returns the number of alerts recorded since start.
func (b *BanLog) Count() int64 {
	return b.count.Load()
}
