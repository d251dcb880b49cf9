package storage

import (
	"database/sql"
	"net"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

// SqliteStore keeps leases in a single table keyed by hardware address. The
// pool is limited to one connection, so transactions never hit SQLITE_BUSY
// and each operation is atomic.
type SqliteStore struct {
	db   *sql.DB
	idle time.Duration
	now  func() time.Time
}

func NewSqliteStore(path string, idle time.Duration, opts ...Option) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	err = createTable(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	o := applyOptions(opts)
	return &SqliteStore{db: db, idle: idle, now: o.now}, nil
}

func createTable(db *sql.DB) error {
	query := `CREATE TABLE IF NOT EXISTS leases (
    hwkey TEXT NOT NULL PRIMARY KEY,
    client_ip TEXT NOT NULL,
    state INTEGER NOT NULL,
    expires INTEGER NOT NULL,
    options BLOB,
    accessed_at INTEGER NOT NULL
	);
	`

	_, err := db.Exec(query)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(row rowScanner) (*Lease, time.Time, error) {
	var (
		hwkey, ip string
		state     int
		expires   int64
		options   []byte
		accessed  int64
	)
	if err := row.Scan(&hwkey, &ip, &state, &expires, &options, &accessed); err != nil {
		return nil, time.Time{}, err
	}

	hw, err := dhcp.ParseHardwareAddress(hwkey)
	if err != nil {
		return nil, time.Time{}, err
	}
	opts, err := decodeOptions(options)
	if err != nil {
		return nil, time.Time{}, err
	}
	return &Lease{
		HardwareAddr: hw,
		ClientAddr:   net.ParseIP(ip).To4(),
		State:        State(state),
		Expires:      expires,
		Options:      opts,
	}, time.Unix(0, accessed), nil
}

const selectLease = `SELECT hwkey, client_ip, state, expires, options, accessed_at FROM leases`

// load reads the live lease for hw within tx, deleting it if idle.
func (s *SqliteStore) load(tx *sql.Tx, hw dhcp.HardwareAddress, now time.Time) (*Lease, error) {
	l, accessed, err := scanLease(tx.QueryRow(selectLease+` WHERE hwkey = ?;`, hw.Key()))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if idleExpired(accessed, now, s.idle) {
		if _, err := tx.Exec(`DELETE FROM leases WHERE hwkey = ?;`, hw.Key()); err != nil {
			return nil, err
		}
		recordEvictions(1)
		return nil, nil
	}
	return l, nil
}

func (s *SqliteStore) save(tx *sql.Tx, l *Lease, now time.Time) error {
	opts, err := encodeOptions(l.Options)
	if err != nil {
		return err
	}
	query := `INSERT INTO leases (hwkey, client_ip, state, expires, options, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hwkey) DO UPDATE SET client_ip = excluded.client_ip, state = excluded.state,
		expires = excluded.expires, options = excluded.options, accessed_at = excluded.accessed_at;
	`
	_, err = tx.Exec(query, l.HardwareAddr.Key(), l.ClientAddr.String(), int(l.State), l.Expires, opts, now.UnixNano())
	return err
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *SqliteStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) Get(hw dhcp.HardwareAddress) (*Lease, error) {
	var lease *Lease
	err := s.inTx(func(tx *sql.Tx) error {
		now := s.now()
		l, err := s.load(tx, hw, now)
		if err != nil || l == nil {
			return err
		}
		_, err = tx.Exec(`UPDATE leases SET accessed_at = ? WHERE hwkey = ?;`, now.UnixNano(), hw.Key())
		lease = l
		return err
	})
	return lease, err
}

func (s *SqliteStore) Peek(hw dhcp.HardwareAddress) (*Lease, error) {
	l, accessed, err := scanLease(s.db.QueryRow(selectLease+` WHERE hwkey = ?;`, hw.Key()))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if idleExpired(accessed, s.now(), s.idle) {
		return nil, nil
	}
	return l, nil
}

func (s *SqliteStore) Put(lease *Lease) error {
	return s.inTx(func(tx *sql.Tx) error {
		return s.save(tx, lease, s.now())
	})
}

func (s *SqliteStore) Create(lease *Lease) (*Lease, error) {
	var existing *Lease
	err := s.inTx(func(tx *sql.Tx) error {
		now := s.now()
		var err error
		existing, err = s.load(tx, lease.HardwareAddr, now)
		if err != nil || existing != nil {
			return err
		}
		return s.save(tx, lease, now)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *SqliteStore) Remove(hw dhcp.HardwareAddress) (*Lease, error) {
	return s.RemoveIf(hw, func(*Lease) bool { return true })
}

func (s *SqliteStore) RemoveIf(hw dhcp.HardwareAddress, match func(*Lease) bool) (*Lease, error) {
	var removed *Lease
	err := s.inTx(func(tx *sql.Tx) error {
		l, err := s.load(tx, hw, s.now())
		if err != nil || l == nil || !match(l.Clone()) {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM leases WHERE hwkey = ?;`, hw.Key()); err != nil {
			return err
		}
		removed = l
		return nil
	})
	return removed, err
}

func (s *SqliteStore) Update(hw dhcp.HardwareAddress, fn func(*Lease) bool) (*Lease, error) {
	var updated *Lease
	err := s.inTx(func(tx *sql.Tx) error {
		now := s.now()
		l, err := s.load(tx, hw, now)
		if err != nil || l == nil || !fn(l) {
			return err
		}
		l.HardwareAddr = hw
		if err := s.save(tx, l, now); err != nil {
			return err
		}
		updated = l
		return nil
	})
	return updated.Clone(), err
}

func (s *SqliteStore) List() ([]*Lease, error) {
	var leases []*Lease

	rows, err := s.db.Query(selectLease + `;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.now()
	for rows.Next() {
		l, accessed, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		if !idleExpired(accessed, now, s.idle) {
			leases = append(leases, l)
		}
	}

	return leases, rows.Err()
}

func (s *SqliteStore) Sweep() (int, error) {
	if s.idle <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.idle).UnixNano()
	res, err := s.db.Exec(`DELETE FROM leases WHERE accessed_at < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	recordEvictions(int(n))
	return int(n), nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
