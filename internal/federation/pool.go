package federation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/fedquery/fedquery/internal/observability"
)

// PoolConfig controls the bounded DuckDB session pool.
type PoolConfig struct {
	MaxConnections    int
	MinConnections    int
	ConnectionTimeout time.Duration
	MonitorInterval   time.Duration
	EnableHTTPFS      bool
	Extensions        []string
}

// NativeSession is one exclusive DuckDB session. Each pooled connection owns
// an isolated in-memory database instance, so attached catalogs never leak
// between connections.
type NativeSession interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

// connContext records which sources and views are attached to a connection
// and when. It lives inside the connection wrapper and is only mutated by
// whichever caller currently holds the connection on loan.
type connContext struct {
	tenantID        string
	projectID       string
	datasetID       string
	sourcesAttached map[string]struct{}
	tablesAttached  map[string]struct{}
	lastAttach      time.Time
}

// PooledConn is an opaque handle to one native session. Owned by the pool
// while idle, on loan to exactly one caller while in use.
type PooledConn struct {
	id      int64
	session NativeSession
	ctx     connContext
}

func (c *PooledConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.session.ExecContext(ctx, query, args...)
}

func (c *PooledConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.session.QueryContext(ctx, query, args...)
}

func (c *PooledConn) matchesScope(scope Scope) bool {
	if len(c.ctx.sourcesAttached) == 0 {
		return false
	}
	if scope.DatasetID != "" {
		return c.ctx.datasetID == scope.DatasetID && c.ctx.projectID == scope.ProjectID
	}
	return scope.ProjectID != "" && c.ctx.projectID == scope.ProjectID
}

func (c *PooledConn) resetContext() {
	c.ctx = connContext{}
}

// Pool owns a bounded set of native sessions behind a buffered channel.
// Acquire blocks on the channel up to ConnectionTimeout; a background monitor
// restores the MinConnections floor after discards.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	idle        chan *PooledConn
	live        int
	nextID      int64
	monitorStop context.CancelFunc
	monitorDone chan struct{}

	// openSession is swapped out by tests; production uses DuckDB.
	openSession func(ctx context.Context) (NativeSession, error)
}

func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	pool := &Pool{cfg: cfg, logger: logger}
	pool.openSession = func(ctx context.Context) (NativeSession, error) {
		return openDuckDBSession(ctx, cfg)
	}
	return pool
}

// Initialize pre-creates MinConnections sessions and starts the monitor.
// Calling it twice is a no-op. Session creation failure is fatal and leaves
// the pool uninitialized.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if p.cfg.MaxConnections <= 0 {
		return fmt.Errorf("pool max connections must be positive, got %d", p.cfg.MaxConnections)
	}
	if p.cfg.MinConnections < 0 || p.cfg.MinConnections > p.cfg.MaxConnections {
		return fmt.Errorf("pool min connections %d out of range [0, %d]", p.cfg.MinConnections, p.cfg.MaxConnections)
	}

	idle := make(chan *PooledConn, p.cfg.MaxConnections)
	for i := 0; i < p.cfg.MinConnections; i++ {
		conn, err := p.createConn(ctx)
		if err != nil {
			for len(idle) > 0 {
				p.closeConnLocked(<-idle)
			}
			return fmt.Errorf("initialize pool: %w", err)
		}
		idle <- conn
	}

	p.idle = idle
	p.initialized = true

	monitorCtx, cancel := context.WithCancel(context.Background())
	p.monitorStop = cancel
	p.monitorDone = make(chan struct{})
	go p.monitor(monitorCtx)

	observability.SetPoolIdle(len(p.idle))
	return nil
}

// Shutdown stops the monitor, closes every pooled session, and leaves the
// pool re-initializable. Connections currently on loan are not reclaimed;
// their Release finds a closed pool and discards them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	p.initialized = false
	idle := p.idle
	p.idle = nil
	stop := p.monitorStop
	done := p.monitorDone
	p.mu.Unlock()

	stop()
	<-done

	for {
		select {
		case conn := <-idle:
			p.mu.Lock()
			p.closeConnLocked(conn)
			p.mu.Unlock()
		default:
			observability.SetPoolIdle(0)
			return
		}
	}
}

func (p *Pool) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Stats never blocks.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return PoolStats{}
	}
	return PoolStats{
		Initialized:    true,
		CurrentIdle:    len(p.idle),
		MaxConnections: p.cfg.MaxConnections,
		MinConnections: p.cfg.MinConnections,
	}
}

// Acquire returns an exclusive connection. With reuse set, an idle connection
// whose context already matches scope is preferred; the scan is linear over
// the idle set, which stays small by configuration. Otherwise the caller
// blocks on the idle queue up to ConnectionTimeout and gets ErrPoolTimeout on
// expiry.
func (p *Pool) Acquire(ctx context.Context, scope Scope, reuse bool) (*PooledConn, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, ErrNotInitialized
	}
	idle := p.idle
	p.mu.Unlock()

	start := time.Now()
	defer func() { observability.ObservePoolAcquireWait(time.Since(start)) }()

	if reuse && (scope.ProjectID != "" || scope.DatasetID != "") {
		if conn := p.findReusable(idle, scope); conn != nil {
			return conn, nil
		}
	}

	timeout := p.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-idle:
		observability.SetPoolIdle(len(idle))
		return conn, nil
	case <-timer.C:
		observability.IncPoolAcquireTimeout()
		return nil, fmt.Errorf("%w after %s", ErrPoolTimeout, timeout)
	case <-ctx.Done():
		observability.IncPoolAcquireTimeout()
		return nil, fmt.Errorf("%w: %s", ErrPoolTimeout, ctx.Err())
	}
}

// findReusable drains up to the current idle count looking for a scope match,
// returning non-matching connections to the queue. Best effort: concurrent
// acquirers may shuffle the queue underneath us.
func (p *Pool) findReusable(idle chan *PooledConn, scope Scope) *PooledConn {
	var found *PooledConn
	for i := len(idle); i > 0; i-- {
		select {
		case conn := <-idle:
			if found == nil && conn.matchesScope(scope) {
				found = conn
				continue
			}
			idle <- conn
		default:
			observability.SetPoolIdle(len(idle))
			return found
		}
	}
	observability.SetPoolIdle(len(idle))
	return found
}

// Release rolls back any uncommitted native state and returns the connection
// to the pool. If the rollback fails the session is corrupted and is closed
// instead of re-entering circulation. With reuse unset the cached attachment
// context is cleared first.
func (p *Pool) Release(conn *PooledConn, reuse bool) {
	if conn == nil {
		return
	}

	rollbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(rollbackCtx, "ROLLBACK"); err != nil && !isNoTransactionError(err) {
		p.logger.Warn("discarding connection after failed rollback",
			slog.Int64("conn_id", conn.id),
			slog.Any("error", err),
		)
		p.discard(conn)
		return
	}

	if !reuse {
		conn.resetContext()
	}

	p.mu.Lock()
	if !p.initialized {
		p.closeConnLocked(conn)
		p.mu.Unlock()
		return
	}
	idle := p.idle
	p.mu.Unlock()

	select {
	case idle <- conn:
		observability.SetPoolIdle(len(idle))
	default:
		// Queue full; only possible if the monitor overfilled. Drop it.
		p.discard(conn)
	}
}

func (p *Pool) discard(conn *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeConnLocked(conn)
	observability.IncPoolConnDiscarded()
}

func (p *Pool) closeConnLocked(conn *PooledConn) {
	if err := conn.session.Close(); err != nil {
		p.logger.Warn("closing pooled connection failed",
			slog.Int64("conn_id", conn.id),
			slog.Any("error", err),
		)
	}
	p.live--
}

func (p *Pool) createConn(ctx context.Context) (*PooledConn, error) {
	session, err := p.openSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open native session: %w", err)
	}
	p.nextID++
	p.live++
	observability.IncPoolConnCreated()
	return &PooledConn{id: p.nextID, session: session}, nil
}

// monitor restores the MinConnections floor after connections are lost to
// discard-on-error, never exceeding MaxConnections live sessions.
func (p *Pool) monitor(ctx context.Context) {
	defer close(p.monitorDone)

	interval := p.cfg.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.replenish(ctx)
		}
	}
}

func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	idle := p.idle
	needed := p.cfg.MinConnections - len(idle)
	if headroom := p.cfg.MaxConnections - p.live; needed > headroom {
		needed = headroom
	}
	p.mu.Unlock()

	for i := 0; i < needed; i++ {
		p.mu.Lock()
		conn, err := p.createConn(ctx)
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn("pool replenish failed", slog.Any("error", err))
			return
		}
		select {
		case idle <- conn:
		default:
			p.discard(conn)
			return
		}
	}
	if needed > 0 {
		observability.SetPoolIdle(len(idle))
		p.logger.Debug("pool replenished", slog.Int("created", needed))
	}
}

// isNoTransactionError recognizes DuckDB's complaint about a rollback with no
// open transaction, which is the common case for a connection that only ran
// reads.
func isNoTransactionError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no transaction")
}

// duckSession pins a single *sql.Conn on a dedicated in-memory database so
// ATTACH state is session-local and sequential.
type duckSession struct {
	db   *sql.DB
	conn *sql.Conn
}

func openDuckDBSession(ctx context.Context, cfg PoolConfig) (NativeSession, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pin duckdb connection: %w", err)
	}

	session := &duckSession{db: db, conn: conn}
	if err := session.loadExtensions(ctx, cfg); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

func (s *duckSession) loadExtensions(ctx context.Context, cfg PoolConfig) error {
	extensions := []string{"sqlite"}
	if cfg.EnableHTTPFS {
		extensions = append(extensions, "httpfs")
	}
	extensions = append(extensions, cfg.Extensions...)

	seen := make(map[string]struct{}, len(extensions))
	for _, extension := range extensions {
		extension = strings.TrimSpace(extension)
		if extension == "" {
			continue
		}
		if _, ok := seen[extension]; ok {
			continue
		}
		seen[extension] = struct{}{}
		if !identPattern.MatchString(extension) {
			return fmt.Errorf("invalid extension name %q", extension)
		}
		stmt := fmt.Sprintf("INSTALL %s; LOAD %s;", extension, extension)
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("load extension %s: %w", extension, err)
		}
	}
	return nil
}

func (s *duckSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *duckSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *duckSession) Close() error {
	connErr := s.conn.Close()
	dbErr := s.db.Close()
	if connErr != nil {
		return connErr
	}
	return dbErr
}
