// Package boltdbresumer implements resumer.Resumer on top of a boltdb
// file, one sub-bucket per torrent id, grounded on the teacher's own use
// of `bolt.Open` / `boltdbresumer.New` / `res.Read()` in session.go.
package boltdbresumer

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/kzahel/jstorrent-sub016/internal/bencode"
	"github.com/kzahel/jstorrent-sub016/internal/resumer"
)

var (
	keyInfoHash  = []byte("info_hash")
	keyDest      = []byte("dest")
	keyPort      = []byte("port")
	keyName      = []byte("name")
	keyTrackers  = []byte("trackers")
	keyInfo      = []byte("info")
	keyBitfield  = []byte("bitfield")
	keyStarted   = []byte("started")
	keyCreatedAt = []byte("created_at")
	keyStats     = []byte("stats")
)

// wireStats mirrors resumer.Stats with a bencode-friendly duration field.
type wireStats struct {
	BytesDownloaded int64 `bencode:"d"`
	BytesUploaded   int64 `bencode:"u"`
	BytesWasted     int64 `bencode:"w"`
	SeededForSec    int64 `bencode:"s"`
}

// wireTrackers flattens the tier list for bencode, which has no native
// notion of a list-of-lists-of-strings beyond nested Lists; a struct
// keeps the shape explicit.
type wireTrackers struct {
	Tiers [][]string `bencode:"tiers"`
}

// Resumer persists one torrent's checkpoint under bucket/id in db.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	id     []byte
}

// New opens (creating if absent) the sub-bucket bucket/id for torrent
// id's checkpoint.
func New(db *bolt.DB, bucket, id []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, id: id}, nil
}

func (r *Resumer) view(fn func(b *bolt.Bucket) error) error {
	return r.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(r.bucket)
		if root == nil {
			return nil
		}
		b := root.Bucket(r.id)
		if b == nil {
			return nil
		}
		return fn(b)
	})
}

func (r *Resumer) update(fn func(b *bolt.Bucket) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(r.bucket)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists(r.id)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

// Read loads the checkpoint currently stored for this torrent id. A
// never-written field simply decodes to its zero value.
func (r *Resumer) Read() (*resumer.Spec, error) {
	spec := &resumer.Spec{}
	err := r.view(func(b *bolt.Bucket) error {
		spec.InfoHash = cloneBytes(b.Get(keyInfoHash))
		spec.Dest = string(b.Get(keyDest))
		spec.Name = string(b.Get(keyName))
		spec.Info = cloneBytes(b.Get(keyInfo))
		spec.Bitfield = cloneBytes(b.Get(keyBitfield))
		spec.Started = len(b.Get(keyStarted)) == 1 && b.Get(keyStarted)[0] == 1

		if v := b.Get(keyPort); len(v) > 0 {
			var port int64
			if err := bencode.Unmarshal(v, &port); err != nil {
				return err
			}
			spec.Port = int(port)
		}
		if v := b.Get(keyTrackers); len(v) > 0 {
			var wt wireTrackers
			if err := bencode.Unmarshal(v, &wt); err != nil {
				return err
			}
			spec.Trackers = wt.Tiers
		}
		if v := b.Get(keyCreatedAt); len(v) > 0 {
			var unix int64
			if err := bencode.Unmarshal(v, &unix); err != nil {
				return err
			}
			spec.CreatedAt = time.Unix(unix, 0).UTC()
		}
		if v := b.Get(keyStats); len(v) > 0 {
			var ws wireStats
			if err := bencode.Unmarshal(v, &ws); err != nil {
				return err
			}
			spec.Stats = resumer.Stats{
				BytesDownloaded: ws.BytesDownloaded,
				BytesUploaded:   ws.BytesUploaded,
				BytesWasted:     ws.BytesWasted,
				SeededFor:       time.Duration(ws.SeededForSec) * time.Second,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Write stores the full checkpoint, overwriting any previous value.
func (r *Resumer) Write(spec *resumer.Spec) error {
	return r.update(func(b *bolt.Bucket) error {
		if err := b.Put(keyInfoHash, spec.InfoHash); err != nil {
			return err
		}
		if err := b.Put(keyDest, []byte(spec.Dest)); err != nil {
			return err
		}
		if err := b.Put(keyName, []byte(spec.Name)); err != nil {
			return err
		}
		if err := b.Put(keyInfo, spec.Info); err != nil {
			return err
		}
		if err := b.Put(keyBitfield, spec.Bitfield); err != nil {
			return err
		}
		portB, err := bencode.Marshal(int64(spec.Port))
		if err != nil {
			return err
		}
		if err := b.Put(keyPort, portB); err != nil {
			return err
		}
		trackersB, err := bencode.Marshal(wireTrackers{Tiers: spec.Trackers})
		if err != nil {
			return err
		}
		if err := b.Put(keyTrackers, trackersB); err != nil {
			return err
		}
		createdB, err := bencode.Marshal(spec.CreatedAt.Unix())
		if err != nil {
			return err
		}
		if err := b.Put(keyCreatedAt, createdB); err != nil {
			return err
		}
		return r.writeStatsLocked(b, spec.Stats)
	})
}

// WriteBitfield persists only the verified-piece bitfield, the
// highest-frequency write (spec.md §4.5 "HAVE broadcast is issued only
// after the successful storage write"; the checkpoint follows the same
// commit).
func (r *Resumer) WriteBitfield(bf []byte) error {
	return r.update(func(b *bolt.Bucket) error {
		return b.Put(keyBitfield, bf)
	})
}

// WriteStats persists the cumulative byte counters.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	return r.update(func(b *bolt.Bucket) error {
		return r.writeStatsLocked(b, s)
	})
}

func (r *Resumer) writeStatsLocked(b *bolt.Bucket, s resumer.Stats) error {
	ws := wireStats{
		BytesDownloaded: s.BytesDownloaded,
		BytesUploaded:   s.BytesUploaded,
		BytesWasted:     s.BytesWasted,
		SeededForSec:    int64(s.SeededFor / time.Second),
	}
	statsB, err := bencode.Marshal(ws)
	if err != nil {
		return err
	}
	return b.Put(keyStats, statsB)
}

// WriteStarted persists whether the torrent should auto-start on the
// next Engine launch.
func (r *Resumer) WriteStarted(started bool) error {
	return r.update(func(b *bolt.Bucket) error {
		v := byte(0)
		if started {
			v = 1
		}
		return b.Put(keyStarted, []byte{v})
	})
}

// Delete removes the torrent's entire checkpoint sub-bucket.
func Delete(db *bolt.DB, bucket, id []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucket)
		if root == nil {
			return nil
		}
		return root.DeleteBucket(id)
	})
}

// List returns every torrent id currently checkpointed under bucket.
func List(db *bolt.DB, bucket []byte) ([][]byte, error) {
	var ids [][]byte
	err := db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				// not a sub-bucket
				return nil
			}
			id := make([]byte, len(k))
			copy(id, k)
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}
