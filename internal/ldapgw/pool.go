package ldapgw

import (
	"fmt"
	"net"
	"sync"
	"time"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/letsencrypt/icao-pkd/internal/log"
	"github.com/letsencrypt/icao-pkd/internal/pkderrors"
)

// conn is the subset of *ldap.Conn the gateway depends on, so tests can
// substitute a fake bound directory (SPEC_FULL.md §9 "Polymorphism of
// providers" applied to the transport, not just the capability set).
type conn interface {
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(*ldap.AddRequest) error
	Del(*ldap.DelRequest) error
	Close() error
	IsClosing() bool
}

// Config is the connection pool's dial/bind/sizing configuration, sourced
// from the LDAP_* environment variables of spec.md §6.
type Config struct {
	Host             string
	Port             int
	BindDN           string
	BindPassword     string
	NetworkTimeout   time.Duration
	PoolSize         int
	AcquireTimeout   time.Duration
}

func (c Config) addr() string {
	return fmt.Sprintf("ldap://%s:%d", c.Host, c.Port)
}

// dialFunc is overridden in tests to avoid a real network dial.
type dialFunc func(cfg Config) (conn, error)

func defaultDial(cfg Config) (conn, error) {
	l, err := ldap.DialURL(cfg.addr(), ldap.DialWithDialer(&net.Dialer{Timeout: cfg.NetworkTimeout}))
	if err != nil {
		return nil, err
	}
	l.SetTimeout(cfg.NetworkTimeout)
	if err := l.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Pool is a fixed-capacity pool of bound LDAP handles with RAII-style
// scoped acquisition (spec.md §4.3 "Connection pool"): `Get` blocks up to
// `AcquireTimeout` for a free handle, `Handle.Release` returns it; unhealthy
// handles are discarded and transparently re-bound on next acquisition.
type Pool struct {
	cfg  Config
	dial dialFunc
	log  log.Logger

	mu    sync.Mutex
	idle  []conn
	count int // not updated; capacity is enforced by free
	free  chan struct{}
}

// NewPool constructs an empty pool; handles are dialed lazily on first
// acquisition, matching the teacher's lazy-connect idiom in sa/database.go.
func NewPool(cfg Config, logger log.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	free := make(chan struct{}, cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		free <- struct{}{}
	}
	return &Pool{cfg: cfg, dial: defaultDial, log: logger, free: free}
}

// Handle is a scoped LDAP connection acquired from a Pool. Callers must call
// Release exactly once, on every exit path including error returns, per
// spec.md §9 "Scoped acquisition" — there is no finalizer safety net.
type Handle struct {
	pool *Pool
	conn conn
}

// Get acquires a handle, waiting up to cfg.AcquireTimeout for pool capacity
// (spec.md §4.3, §5 "Database connection pool... on timeout the operation
// fails with POOL_EXHAUSTED" — the same discipline applies to the LDAP
// pool per §5 "(b) LDAP connection pool — same discipline").
func (p *Pool) Get() (*Handle, error) {
	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-p.free:
	case <-time.After(timeout):
		return nil, pkderrors.PoolExhaustedError("ldap pool: no handle available after %s", timeout)
	}

	c, err := p.takeOrDial()
	if err != nil {
		p.free <- struct{}{}
		return nil, pkderrors.LDAPUnreachableError("ldap pool: dial/bind failed: %v", err)
	}
	return &Handle{pool: p, conn: c}, nil
}

func (p *Pool) takeOrDial() (conn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		if c.IsClosing() {
			return p.dial(p.cfg)
		}
		return c, nil
	}
	p.mu.Unlock()
	return p.dial(p.cfg)
}

// Release returns the handle's connection to the pool. A connection that
// errored in a way suggesting it is no longer healthy should be discarded
// instead of recycled by calling ReleaseBroken.
func (h *Handle) Release() {
	h.pool.mu.Lock()
	h.pool.idle = append(h.pool.idle, h.conn)
	h.pool.mu.Unlock()
	h.pool.free <- struct{}{}
}

// ReleaseBroken discards the connection (closing it) rather than recycling
// it, and frees the pool slot so a fresh handle can be dialed next time.
func (h *Handle) ReleaseBroken() {
	_ = h.conn.Close()
	h.pool.free <- struct{}{}
}
