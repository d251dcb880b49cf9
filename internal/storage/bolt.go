package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

// BoltStore persists leases in a single bucket keyed by hardware address.
// Each record is prefixed with its last access time so idle expiry survives
// restarts. bolt serialises write transactions, which gives per-key atomicity.
type BoltStore struct {
	db   *bolt.DB
	idle time.Duration
	now  func() time.Time
}

var leaseBucket = []byte("leases_by_hwaddr")

const boltTouchDivisor = 16

func NewBoltStore(dbPath string, idle time.Duration, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(leaseBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	o := applyOptions(opts)
	return &BoltStore{db: db, idle: idle, now: o.now}, nil
}

func boltKey(hw dhcp.HardwareAddress) []byte {
	key, _ := hw.MarshalBinary()
	return key
}

func encodeRecord(l *Lease, accessed time.Time) ([]byte, error) {
	data, err := serializeLease(l)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(out, uint64(accessed.UnixNano()))
	return append(out, data...), nil
}

func decodeRecord(data []byte) (*Lease, time.Time, error) {
	if len(data) < 8 {
		return nil, time.Time{}, fmt.Errorf("lease record too short: %d bytes", len(data))
	}
	accessed := time.Unix(0, int64(binary.BigEndian.Uint64(data[:8])))
	l, err := deserializeLease(data[8:])
	return l, accessed, err
}

// load reads the live lease for key inside tx, deleting it when idle. Deletion
// only happens on writable transactions.
func (s *BoltStore) load(b *bolt.Bucket, key []byte, now time.Time) (*Lease, error) {
	data := b.Get(key)
	if data == nil {
		return nil, nil
	}
	l, accessed, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	if idleExpired(accessed, now, s.idle) {
		if b.Tx().Writable() {
			if err := b.Delete(key); err != nil {
				return nil, err
			}
			recordEvictions(1)
		}
		return nil, nil
	}
	return l, nil
}

func (s *BoltStore) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(leaseBucket)
	if b == nil {
		return nil, errors.New("missing lease bucket in DB")
	}
	return b, nil
}

// Get reads in a shared View transaction and only takes the write lock when
// the access stamp is older than idle/boltTouchDivisor, or the entry has to
// be evicted. An entry can therefore go idle up to that slack early.
func (s *BoltStore) Get(hw dhcp.HardwareAddress) (*Lease, error) {
	var (
		lease *Lease
		touch bool
	)
	key := boltKey(hw)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data := b.Get(key)
		if data == nil {
			return nil
		}
		l, accessed, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if s.idle > 0 && s.now().Sub(accessed) >= s.idle/boltTouchDivisor {
			touch = true
			return nil
		}
		lease = l
		return nil
	})
	if err != nil || !touch {
		return lease, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		now := s.now()
		l, err := s.load(b, key, now)
		if err != nil || l == nil {
			return err
		}
		data, err := encodeRecord(l, now)
		if err != nil {
			return err
		}
		lease = l
		return b.Put(key, data)
	})
	return lease, err
}

func (s *BoltStore) Peek(hw dhcp.HardwareAddress) (*Lease, error) {
	var lease *Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		lease, err = s.load(b, boltKey(hw), s.now())
		return err
	})
	return lease, err
}

func (s *BoltStore) Put(lease *Lease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data, err := encodeRecord(lease, s.now())
		if err != nil {
			return err
		}
		return b.Put(boltKey(lease.HardwareAddr), data)
	})
}

func (s *BoltStore) Create(lease *Lease) (*Lease, error) {
	var existing *Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		now := s.now()
		key := boltKey(lease.HardwareAddr)
		existing, err = s.load(b, key, now)
		if err != nil || existing != nil {
			return err
		}
		data, err := encodeRecord(lease, now)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *BoltStore) Remove(hw dhcp.HardwareAddress) (*Lease, error) {
	return s.RemoveIf(hw, func(*Lease) bool { return true })
}

func (s *BoltStore) RemoveIf(hw dhcp.HardwareAddress, match func(*Lease) bool) (*Lease, error) {
	var removed *Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		key := boltKey(hw)
		l, err := s.load(b, key, s.now())
		if err != nil || l == nil || !match(l.Clone()) {
			return err
		}
		removed = l
		return b.Delete(key)
	})
	return removed, err
}

func (s *BoltStore) Update(hw dhcp.HardwareAddress, fn func(*Lease) bool) (*Lease, error) {
	var updated *Lease
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		now := s.now()
		key := boltKey(hw)
		l, err := s.load(b, key, now)
		if err != nil || l == nil || !fn(l) {
			return err
		}
		l.HardwareAddr = hw
		data, err := encodeRecord(l, now)
		if err != nil {
			return err
		}
		updated = l
		return b.Put(key, data)
	})
	return updated.Clone(), err
}

func (s *BoltStore) List() ([]*Lease, error) {
	var leases []*Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		now := s.now()
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			l, accessed, err := decodeRecord(v)
			if err != nil {
				continue
			}
			if !idleExpired(accessed, now, s.idle) {
				leases = append(leases, l)
			}
		}
		return nil
	})
	return leases, err
}

func (s *BoltStore) Sweep() (int, error) {
	evicted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		now := s.now()
		var stale [][]byte
		err = b.ForEach(func(k, v []byte) error {
			_, accessed, err := decodeRecord(v)
			if err != nil || idleExpired(accessed, now, s.idle) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		evicted = len(stale)
		return nil
	})
	if err == nil {
		recordEvictions(evicted)
	}
	return evicted, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
