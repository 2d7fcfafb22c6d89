// Package bandwidth implements BandwidthTracker: per-torrent and global
// token buckets for upload/download, plus EWMA speed samples, per
// spec.md §4.9.
package bandwidth

import (
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

// Limiter is a single token bucket. A rate of zero or negative means
// unlimited: Allow always returns true.
type Limiter struct {
	rate   int64 // bytes/sec; <=0 means unlimited
	bucket *rate.Limiter
}

// NewLimiter builds a token bucket refilled at ratePerSec bytes/sec,
// capped at 2x that amount, per spec.md §4.9.
func NewLimiter(ratePerSec int64) *Limiter {
	l := &Limiter{rate: ratePerSec}
	if ratePerSec > 0 {
		l.bucket = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec*2))
	}
	return l
}

// SetRate changes the limiter's rate; a non-positive value disables
// limiting entirely.
func (l *Limiter) SetRate(ratePerSec int64) {
	l.rate = ratePerSec
	if ratePerSec <= 0 {
		l.bucket = nil
		return
	}
	if l.bucket == nil {
		l.bucket = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec*2))
		return
	}
	l.bucket.SetLimit(rate.Limit(ratePerSec))
	l.bucket.SetBurst(int(ratePerSec * 2))
}

// Unlimited reports whether this bucket currently imposes no limit.
func (l *Limiter) Unlimited() bool { return l.bucket == nil }

// Allow reports whether n bytes may be sent/received right now without
// blocking, consuming the tokens if so. Used by the per-tick round-robin
// scheduler (spec.md §4.9 "a peer whose torrent or global bucket is
// empty is skipped this tick").
func (l *Limiter) Allow(n int) bool {
	if l.bucket == nil {
		return true
	}
	return l.bucket.AllowN(time.Now(), n)
}

// Tracker bundles upload and download limiters plus EWMA speed samples
// for one scope (a single torrent, or the whole engine).
type Tracker struct {
	Upload   *Limiter
	Download *Limiter

	uploadSpeed   metrics.EWMA
	downloadSpeed metrics.EWMA

	samples      []Sample
	sampleWindow int
}

// Sample is one second of upload/download totals, feeding the rolling
// buffer UI graphs read from (spec.md §4.9).
type Sample struct {
	At       time.Time
	Uploaded int64
	Downloaded int64
}

// New builds a Tracker with the given byte/sec rate limits (0 or
// negative disables limiting on that direction) and a rolling sample
// buffer of windowSize seconds.
func New(uploadRate, downloadRate int64, windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = 60
	}
	return &Tracker{
		Upload:        NewLimiter(uploadRate),
		Download:      NewLimiter(downloadRate),
		uploadSpeed:   metrics.NewEWMA(alphaToDecay(0.2)),
		downloadSpeed: metrics.NewEWMA(alphaToDecay(0.2)),
		sampleWindow:  windowSize,
	}
}

// alphaToDecay converts spec.md's "rate = alpha*instant + (1-alpha)*rate"
// EWMA formula into go-metrics' decay-per-tick-second parameterization
// (rcrowley/go-metrics' EWMA already applies exactly this recurrence on
// each Tick(), so the alpha value is passed straight through).
func alphaToDecay(alpha float64) float64 { return alpha }

// CreditUpload records n bytes sent, feeding the upload EWMA.
func (t *Tracker) CreditUpload(n int64) {
	t.uploadSpeed.Update(n)
}

// CreditDownload records n bytes received.
func (t *Tracker) CreditDownload(n int64) {
	t.downloadSpeed.Update(n)
}

// Tick advances both EWMAs by one second and appends a rolling sample.
// Called once per second (spec.md §4.9 tick).
func (t *Tracker) Tick(uploaded, downloaded int64) {
	t.uploadSpeed.Tick()
	t.downloadSpeed.Tick()
	t.samples = append(t.samples, Sample{At: time.Now(), Uploaded: uploaded, Downloaded: downloaded})
	if len(t.samples) > t.sampleWindow {
		t.samples = t.samples[len(t.samples)-t.sampleWindow:]
	}
}

// UploadRate returns the current smoothed upload speed in bytes/sec.
func (t *Tracker) UploadRate() int64 { return int64(t.uploadSpeed.Rate()) }

// DownloadRate returns the current smoothed download speed in bytes/sec.
func (t *Tracker) DownloadRate() int64 { return int64(t.downloadSpeed.Rate()) }

// Samples returns a copy of the rolling sample buffer.
func (t *Tracker) Samples() []Sample {
	out := make([]Sample, len(t.samples))
	copy(out, t.samples)
	return out
}
