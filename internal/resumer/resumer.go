// Package resumer defines the resume-checkpoint contract: persisting a
// torrent's verified-piece bitfield and cumulative byte counters so a
// restarted Engine can skip ContentStorage checking for pieces already
// verified on disk (SPEC_FULL.md "Resume checkpoint"). ContentStorage's
// own verify pass remains authoritative; this is only a hint.
package resumer

import "time"

// Stats is the cumulative byte-counter portion of a checkpoint.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is everything needed to reconstruct a Torrent's runtime state
// without re-running metadata acquisition or checking.
type Spec struct {
	InfoHash  []byte
	Dest      string
	Port      int
	Name      string
	Trackers  [][]string
	Info      []byte // raw bencoded info dict, empty for magnet-only
	Bitfield  []byte // wire BITFIELD form, empty if not yet checked
	Started   bool
	CreatedAt time.Time
	Stats
}

// Resumer is implemented by internal/resumer/boltdbresumer.Resumer; kept
// as an interface so Torrent can be built and tested without a real
// boltdb file.
type Resumer interface {
	Read() (*Spec, error)
	Write(*Spec) error
	WriteBitfield(b []byte) error
	WriteStats(s Stats) error
	WriteStarted(started bool) error
}
