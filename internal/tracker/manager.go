package tracker

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kzahel/jstorrent-sub016/internal/ports"
)

// udpAddrFromURL resolves a "udp://host:port[/path]" tracker URL into a
// dial address; the path component is ignored for UDP (spec.md §6).
func udpAddrFromURL(trackerURL string) (*net.UDPAddr, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	return net.ResolveUDPAddr("udp", u.Host)
}

// Status reports a tracker's last-known health for UI/debugging
// (spec.md §4.7 "Trackers expose getStats()").
type Status int

const (
	StatusIdle Status = iota
	StatusAnnouncing
	StatusWorking
	StatusError
)

// Stats is the per-tracker snapshot spec.md §4.7 calls out.
type Stats struct {
	URL          string
	Type         string // "http" or "udp"
	Status       Status
	Interval     int
	Seeders      int32
	Leechers     int32
	LastError    string
	NextAnnounce time.Time
}

// tier is one announce-list tier: an ordered list of tracker URLs tried
// in order until one succeeds, per spec.md §4.8.
type tier struct {
	urls []string
}

// promote moves url to the front of the tier, the BEP 12 "working URL
// wins next time" rule.
func (t *tier) promote(url string) {
	for i, u := range t.urls {
		if u == url {
			if i == 0 {
				return
			}
			copy(t.urls[1:i+1], t.urls[0:i])
			t.urls[0] = url
			return
		}
	}
}

// oneTracker is the per-URL announce state TrackerManager schedules
// independently once it has succeeded at least once (spec.md §4.8 "Each
// successful tracker is announced independently on its own interval").
type oneTracker struct {
	url          string
	kind         string // "http" or "udp"
	stats        Stats
	backoff      backoff.BackOff
	nextAnnounce time.Time
}

// Manager implements TrackerManager: tier/backoff policy for one
// torrent's announce list, fanning Started out to every tier in
// parallel and promoting whichever URL answers first within its tier.
type Manager struct {
	http *HTTPClient
	udp  udpDialer

	tiers    []*tier
	byURL    map[string]*oneTracker
	minInterval time.Duration
	stoppedCap  time.Duration
}

// udpDialer abstracts resolving+dialing a UDP tracker endpoint so
// Manager doesn't need a live ports.UdpSocket per URL up front.
type udpDialer interface {
	Dial(ctx context.Context, hostport string) (*UDPClient, func(), error)
}

// New builds a Manager for the given announce tiers (as returned by
// metainfo.MetaInfo.GetTrackers), using http for HTTP(S) trackers and
// udp (may be nil if the host doesn't support UDP trackers) for UDP
// ones.
func New(tiers [][]string, httpClient ports.HttpClient, udp udpDialer, minIntervalSec, stoppedCapSec int) *Manager {
	m := &Manager{
		http:        NewHTTPClient(httpClient),
		udp:         udp,
		byURL:       make(map[string]*oneTracker),
		minInterval: time.Duration(minIntervalSec) * time.Second,
		stoppedCap:  time.Duration(stoppedCapSec) * time.Second,
	}
	for _, urls := range tiers {
		if len(urls) == 0 {
			continue
		}
		tr := &tier{urls: append([]string(nil), urls...)}
		m.tiers = append(m.tiers, tr)
		for _, u := range urls {
			m.byURL[u] = &oneTracker{url: u, kind: schemeKind(u)}
		}
	}
	return m
}

func schemeKind(url string) string {
	if len(url) >= 4 && url[:4] == "udp:" {
		return "udp"
	}
	return "http"
}

// AnnounceAll announces event to every tier in parallel, trying URLs
// within a tier in order until one succeeds (spec.md §4.8). It returns
// one outcome per tier once every tier has finished; the caller feeds
// the peer addresses to Torrent.
func (m *Manager) AnnounceAll(ctx context.Context, t Torrent, event Event) []AnnounceOutcome {
	outcomes := make(chan AnnounceOutcome, len(m.tiers))
	for _, tr := range m.tiers {
		go func(tr *tier) {
			outcomes <- m.announceTier(ctx, tr, t, event)
		}(tr)
	}
	var results []AnnounceOutcome
	for range m.tiers {
		results = append(results, <-outcomes)
	}
	close(outcomes)
	return results
}

// AnnounceOutcome is one tier's result.
type AnnounceOutcome struct {
	URL    string
	Result AnnounceResult
	Err    error
}

func (m *Manager) announceTier(ctx context.Context, tr *tier, t Torrent, event Event) AnnounceOutcome {
	var lastErr error
	for _, url := range tr.urls {
		res, err := m.announceOne(ctx, url, t, event)
		ot := m.byURL[url]
		if err != nil {
			lastErr = err
			ot.stats.Status = StatusError
			ot.stats.LastError = err.Error()
			// Schedule the retry at the backoff curve's next delay
			// (spec.md §7 TrackerError: "schedule retry at
			// max(interval, 60 s)"), giving up the tier-order race to
			// the next URL for this round but still capping how soon
			// this URL itself is retried.
			if ot.backoff == nil {
				ot.backoff = newTrackerBackoff(m.minInterval)
			}
			delay := ot.backoff.NextBackOff()
			if delay == backoff.Stop {
				delay = m.minInterval
			}
			ot.nextAnnounce = time.Now().Add(delay)
			ot.stats.NextAnnounce = ot.nextAnnounce
			continue
		}
		tr.promote(url)
		ot.backoff = nil
		ot.stats.Status = StatusWorking
		ot.stats.LastError = ""
		ot.stats.Interval = intervalOrMin(res.Interval, m.minInterval)
		ot.stats.Seeders = res.Seeders
		ot.stats.Leechers = res.Leechers
		ot.nextAnnounce = time.Now().Add(time.Duration(ot.stats.Interval) * time.Second)
		ot.stats.NextAnnounce = ot.nextAnnounce
		return AnnounceOutcome{URL: url, Result: res}
	}
	return AnnounceOutcome{Err: lastErr}
}

func (m *Manager) announceOne(ctx context.Context, url string, t Torrent, event Event) (AnnounceResult, error) {
	switch schemeKind(url) {
	case "udp":
		if m.udp == nil {
			return AnnounceResult{}, errNoUDPSupport
		}
		client, release, err := m.udp.Dial(ctx, url)
		if err != nil {
			return AnnounceResult{}, err
		}
		defer release()
		addr, err := udpAddrFromURL(url)
		if err != nil {
			return AnnounceResult{}, err
		}
		return client.Announce(ctx, addr, t, event)
	default:
		return m.http.Announce(ctx, url, t, event)
	}
}

// Stopped best-effort announces "stopped" to every tracker that has
// ever succeeded, capped at stoppedCap total (spec.md §4.8 "fire and
// forget, 5 s cap").
func (m *Manager) Stopped(t Torrent) {
	ctx, cancel := context.WithTimeout(context.Background(), m.stoppedCap)
	defer cancel()
	done := make(chan struct{})
	go func() {
		for url, ot := range m.byURL {
			if ot.stats.Status != StatusWorking {
				continue
			}
			_, _ = m.announceOne(ctx, url, t, EventStopped)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Get returns the current Stats snapshot for every tracker, in tier
// order (spec.md §4.7 getStats()).
func (m *Manager) Get() []Stats {
	var out []Stats
	for _, tr := range m.tiers {
		for _, url := range tr.urls {
			out = append(out, m.byURL[url].stats)
		}
	}
	return out
}

// AnyDue reports whether at least one tracker (success or backed-off
// failure) is due for its own independent periodic re-announce
// (spec.md §4.8 "Each successful tracker is announced independently on
// its own interval").
func (m *Manager) AnyDue(now time.Time) bool {
	for _, ot := range m.byURL {
		if ot.stats.Status != StatusIdle && !ot.nextAnnounce.After(now) {
			return true
		}
	}
	return false
}

// newTrackerBackoff builds the exponential curve used to reschedule a
// failing tracker (HTTP or UDP), floored at minInterval (spec.md §7).
func newTrackerBackoff(minInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minInterval
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

func intervalOrMin(interval int, min time.Duration) int {
	minSec := int(min / time.Second)
	if interval < minSec {
		return minSec
	}
	return interval
}

var errNoUDPSupport = &managerError{"tracker: no udp socket factory configured"}

type managerError struct{ msg string }

func (e *managerError) Error() string { return e.msg }
