package lease

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/umegbewe/dhcplease/internal/bitmap"
	"github.com/umegbewe/dhcplease/internal/metrics"
	"github.com/umegbewe/dhcplease/pkg/dhcp"
)

var ErrPoolExhausted = errors.New("no available lease")

// slot records who an allocated address belongs to. A slot with no holder and
// a hold deadline is quarantined (declined or answering ARP).
type slot struct {
	holder  dhcp.HardwareAddress
	pending bool
	until   time.Time
}

// Pool tracks which addresses in a contiguous range are handed out. The
// bitmap is the fast path; holders are re-checked against the lease store
// only when the bitmap looks full, so addresses whose lease was evicted are
// reclaimed lazily.
type Pool struct {
	name    string
	start   net.IP
	end     net.IP
	mutex   sync.Mutex
	used    *bitmap.Bitmap
	slots   []slot
	nextIdx int
	total   int
	now     func() time.Time
}

// HeldFunc reports whether hw still holds ip according to the lease store.
type HeldFunc func(hw dhcp.HardwareAddress, ip net.IP) bool

func NewPool(name string, start, end net.IP) (*Pool, error) {
	startIP, endIP := start.To4(), end.To4()
	if startIP == nil || endIP == nil {
		return nil, errors.New("invalid ip range")
	}

	startIPInt := ipToUint32(startIP)
	endIPInt := ipToUint32(endIP)
	if endIPInt < startIPInt {
		return nil, errors.New("end IP must be >= start IP")
	}

	total := int(endIPInt - startIPInt + 1)
	p := &Pool{
		name:  name,
		start: startIP,
		end:   endIP,
		used:  bitmap.BitMap(total),
		slots: make([]slot, total),
		total: total,
		now:   time.Now,
	}
	p.updateMetrics()
	return p, nil
}

func (p *Pool) offset(ip net.IP) (int, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, false
	}
	v, s := ipToUint32(ip4), ipToUint32(p.start)
	if v < s || v > ipToUint32(p.end) {
		return 0, false
	}
	return int(v - s), true
}

func (p *Pool) Contains(ip net.IP) bool {
	_, ok := p.offset(ip)
	return ok
}

// Allocate reserves an address for hw. preferred is used when it lies in the
// pool and is free; otherwise the next free address after the last one handed
// out is taken. The reservation stays pending until Confirm or Release.
func (p *Pool) Allocate(hw dhcp.HardwareAddress, preferred net.IP, held HeldFunc) (net.IP, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	defer p.updateMetrics()

	now := p.now()
	if off, ok := p.offset(preferred); ok && p.takeable(off, hw, held, now) {
		return p.take(off, hw), nil
	}

	freeOffset := p.used.FindNextClearBit(p.nextIdx)
	if freeOffset == -1 {
		if p.reclaim(held, now) == 0 {
			return nil, ErrPoolExhausted
		}
		freeOffset = p.used.FindNextClearBit(p.nextIdx)
	}
	if freeOffset == -1 {
		return nil, ErrPoolExhausted
	}

	return p.take(freeOffset, hw), nil
}

func (p *Pool) take(off int, hw dhcp.HardwareAddress) net.IP {
	p.used.Set(off)
	p.slots[off] = slot{holder: hw, pending: true}
	p.nextIdx = (off + 1) % p.total
	return offsetToIP(p.start, off)
}

// takeable reports whether off can be handed to hw, clearing it when its
// previous owner is gone.
func (p *Pool) takeable(off int, hw dhcp.HardwareAddress, held HeldFunc, now time.Time) bool {
	if !p.used.IsSet(off) {
		return true
	}
	s := p.slots[off]
	if s.holder == hw {
		return true
	}
	if p.stale(off, held, now) {
		p.free(off)
		return true
	}
	return false
}

func (p *Pool) stale(off int, held HeldFunc, now time.Time) bool {
	s := p.slots[off]
	if s.pending {
		return false
	}
	if s.holder.IsZero() {
		return !now.Before(s.until)
	}
	return held != nil && !held(s.holder, offsetToIP(p.start, off))
}

// reclaim frees every address whose holder no longer leases it and every
// quarantine that has run out.
func (p *Pool) reclaim(held HeldFunc, now time.Time) int {
	freed := 0
	for off := 0; off < p.total; off++ {
		if p.used.IsSet(off) && p.stale(off, held, now) {
			p.free(off)
			freed++
		}
	}
	if freed > 0 {
		metrics.LeaseReclaims.Add(float64(freed))
	}
	return freed
}

func (p *Pool) free(off int) {
	p.used.Clear(off)
	p.slots[off] = slot{}
}

// Confirm marks the reservation of ip by hw as backed by a stored lease.
func (p *Pool) Confirm(hw dhcp.HardwareAddress, ip net.IP) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if off, ok := p.offset(ip); ok && p.slots[off].holder == hw {
		p.slots[off].pending = false
	}
}

// Claim records an existing lease, used when seeding from a persistent store.
func (p *Pool) Claim(hw dhcp.HardwareAddress, ip net.IP) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	defer p.updateMetrics()

	off, ok := p.offset(ip)
	if !ok {
		return false
	}
	p.used.Set(off)
	p.slots[off] = slot{holder: hw}
	return true
}

// Release frees ip if hw holds it.
func (p *Pool) Release(hw dhcp.HardwareAddress, ip net.IP) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	defer p.updateMetrics()

	if off, ok := p.offset(ip); ok && p.slots[off].holder == hw {
		p.free(off)
	}
}

// Quarantine keeps ip out of circulation for d regardless of its holder.
func (p *Pool) Quarantine(ip net.IP, d time.Duration) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	defer p.updateMetrics()

	if off, ok := p.offset(ip); ok {
		p.used.Set(off)
		p.slots[off] = slot{until: p.now().Add(d)}
	}
}

// Available is the number of addresses not currently reserved.
func (p *Pool) Available() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.total - p.used.Count()
}

func (p *Pool) Size() int {
	return p.total
}

func (p *Pool) updateMetrics() {
	allocated := p.used.Count()
	metrics.AvailableLeases.WithLabelValues(p.name).Set(float64(p.total - allocated))
	metrics.ActiveLeases.WithLabelValues(p.name).Set(float64(allocated))
}
