package jstorrent

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable spec.md calls out by name. Durations are plain
// integers (matching the teacher's style) whose unit is named by the field
// suffix (Sec, Min, Ms); each user converts them to time.Duration.
type Config struct {
	Port uint16

	Encryption struct {
		DisableOutgoing bool `yaml:"disable_outgoing"`
		ForceOutgoing   bool `yaml:"force_outgoing"`
		ForceIncoming   bool `yaml:"force_incoming"`
	}

	// Peer connection (spec.md §4.3).
	PipelineDepthStart int `yaml:"pipeline_depth_start"`
	MaxPipelineDepth   int `yaml:"max_pipeline_depth"`
	RequestTimeoutSec  int `yaml:"request_timeout_sec"`
	PeerKeepAliveSec   int `yaml:"peer_keep_alive_sec"`
	PeerIdleTimeoutSec int `yaml:"peer_idle_timeout_sec"`
	MaxOutgoingPieces  int `yaml:"max_outgoing_pieces"`
	HandshakeBanMin    int `yaml:"handshake_ban_min"`
	BackoffBaseSec     int `yaml:"backoff_base_sec"`
	BackoffCapMin      int `yaml:"backoff_cap_min"`

	// ActivePieces (spec.md §4.5).
	MaxActivePieces  int `yaml:"max_active_pieces"`
	MaxPieceFailures int `yaml:"max_piece_failures"`

	// Torrent (spec.md §4.10).
	MaxPeersPerTorrent int `yaml:"max_peers_per_torrent"`
	UploadSlots        int `yaml:"upload_slots"`
	ChokeIntervalSec   int `yaml:"choke_interval_sec"`
	OptimisticUnchokeSec int `yaml:"optimistic_unchoke_sec"`
	PEXEnabled         bool `yaml:"pex_enabled"`

	// Bandwidth (spec.md §4.9).
	TickMs             int     `yaml:"tick_ms"`
	SpeedSampleWindow  int     `yaml:"speed_sample_window"`
	EWMAAlpha          float64 `yaml:"ewma_alpha"`
	SendHighWaterBytes int64   `yaml:"send_high_water_bytes"`
	SendLowWaterBytes  int64   `yaml:"send_low_water_bytes"`
	MaxOpenFileHandles int     `yaml:"max_open_file_handles"`

	// Engine-wide rate caps shared by every torrent (spec.md §4.9); zero
	// or negative means unlimited, same convention as bandwidth.Limiter.
	GlobalUploadRateBytes   int64 `yaml:"global_upload_rate_bytes"`
	GlobalDownloadRateBytes int64 `yaml:"global_download_rate_bytes"`

	// Tracker (spec.md §4.7-4.8).
	TrackerMinIntervalSec int `yaml:"tracker_min_interval_sec"`
	TrackerStoppedCapSec  int `yaml:"tracker_stopped_cap_sec"`
	UDPRetryBaseSec       int `yaml:"udp_retry_base_sec"`
	UDPRetryMaxAttempts   int `yaml:"udp_retry_max_attempts"`

	// Data directory and resume DB, host-relative paths ("~" expanded by
	// engine.New via go-homedir).
	DataDir  string `yaml:"data_dir"`
	ResumeDB string `yaml:"resume_db"`
}

// DefaultConfig mirrors the values spec.md states explicitly, the way the
// teacher's DefaultConfig package var did for the smaller original field
// set. LoadConfig starts from it, so a field the YAML file omits keeps
// the value given here.
var DefaultConfig = Config{
	Port: 6881,

	PipelineDepthStart: 4,
	MaxPipelineDepth:   64,
	RequestTimeoutSec:  30,
	PeerKeepAliveSec:   120,
	PeerIdleTimeoutSec: 120,
	MaxOutgoingPieces:  8,
	HandshakeBanMin:    10,
	BackoffBaseSec:     30,
	BackoffCapMin:      30,

	MaxActivePieces:  200,
	MaxPieceFailures: 3,

	MaxPeersPerTorrent:   50,
	UploadSlots:          4,
	ChokeIntervalSec:     10,
	OptimisticUnchokeSec: 30,
	PEXEnabled:           false,

	TickMs:             10,
	SpeedSampleWindow:  60,
	EWMAAlpha:          0.2,
	SendHighWaterBytes: 2 * 1024 * 1024,
	SendLowWaterBytes:  512 * 1024,
	MaxOpenFileHandles: 64,

	GlobalUploadRateBytes:   0,
	GlobalDownloadRateBytes: 0,

	TrackerMinIntervalSec: 60,
	TrackerStoppedCapSec:  5,
	UDPRetryBaseSec:       15,
	UDPRetryMaxAttempts:   8,

	DataDir:  "~/.jstorrent",
	ResumeDB: "~/.jstorrent/resume.db",
}

// LoadConfig reads filename as YAML on top of DefaultConfig; a missing
// file is not an error, matching the teacher's LoadConfig shape.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}
