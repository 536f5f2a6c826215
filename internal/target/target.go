// Package target opens sessions against the external databases tasks run on.
package target

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "github.com/trinodb/trino-go-client/trino"

	"github.com/dreadew/taskiq-scheduler/internal/job"
	"github.com/dreadew/taskiq-scheduler/internal/retry"
	"github.com/dreadew/taskiq-scheduler/internal/validate"
)

// Session runs the statements of one execution. Transactional targets commit
// once at the end; Trino runs every statement on its own.
type Session interface {
	Exec(ctx context.Context, stmt string) error
	Run(ctx context.Context, stmt string) (job.StatementResult, error)
	Commit() error
	Rollback() error
}

// Connector opens sessions by DSN.
type Connector interface {
	Open(ctx context.Context, dsn string) (Session, error)
}

// Driver is a resolved target DSN.
type Driver struct {
	Name          string
	DSN           string
	Transactional bool
}

// Resolve maps a submitted DSN onto a database/sql driver.
func Resolve(raw string) (Driver, error) {
	d, err := validate.ParseDSN(raw)
	if err != nil {
		return Driver{}, err
	}
	switch {
	case strings.Contains(d.Scheme, "postgres"):
		u := *d.URL
		u.Scheme = "postgres"
		return Driver{Name: "pgx", DSN: u.String(), Transactional: true}, nil
	case d.Scheme == "trino":
		dsn, err := trinoDSN(d.URL)
		if err != nil {
			return Driver{}, err
		}
		return Driver{Name: "trino", DSN: dsn}, nil
	case d.Scheme == "sqlite" || d.Scheme == "sqlite3":
		path := d.URL.Opaque
		if path == "" {
			path = d.URL.Host + d.URL.Path
		}
		if path == "" {
			return Driver{}, fmt.Errorf("%w: sqlite target needs a path", validate.ErrInvalidDSN)
		}
		return Driver{Name: "sqlite3", DSN: path, Transactional: true}, nil
	default:
		return Driver{}, fmt.Errorf("%w: unsupported database type %q", validate.ErrInvalidDSN, d.Scheme)
	}
}

// trinoDSN turns trino://host:port/catalog/schema?user=..&password=.. into the
// trino-go-client form. Host, port and user are required.
func trinoDSN(u *url.URL) (string, error) {
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("%w: trino dsn needs host and port", validate.ErrInvalidDSN)
	}
	q := u.Query()
	user := q.Get("user")
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	if user == "" {
		return "", fmt.Errorf("%w: trino dsn needs user", validate.ErrInvalidDSN)
	}
	password := q.Get("password")
	if password == "" && u.User != nil {
		password, _ = u.User.Password()
	}

	out := url.URL{Scheme: "http", Host: u.Host}
	if password != "" || strings.EqualFold(q.Get("SSL"), "true") || q.Get("http_scheme") == "https" {
		out.Scheme = "https"
	}
	if password != "" {
		out.User = url.UserPassword(user, password)
	} else {
		out.User = url.User(user)
	}
	params := url.Values{}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 && parts[0] != "" {
		params.Set("catalog", parts[0])
	}
	if len(parts) > 1 && parts[1] != "" {
		params.Set("schema", parts[1])
	}
	for _, k := range []string{"catalog", "schema", "source"} {
		if v := q.Get(k); v != "" {
			params.Set(k, v)
		}
	}
	if params.Get("source") == "" {
		params.Set("source", "queuectl")
	}
	out.RawQuery = params.Encode()
	return out.String(), nil
}

type Options struct {
	// CacheSize bounds the number of open connection pools.
	CacheSize int
	// MaxRows caps the rows kept per query result; RowCount still counts all.
	MaxRows int
	Logger  *slog.Logger
}

// Pool keeps one *sql.DB per DSN in an LRU cache. An evicted pool is closed
// once its last open session ends.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
}

// entry is guarded by Pool.mu.
type entry struct {
	dsn     string
	db      *sql.DB
	refs    int
	evicted bool
}

var _ Connector = (*Pool)(nil)

func NewPool(opts Options) (*Pool, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 25
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 10000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool{opts: opts, logger: opts.Logger.With("component", "target")}
	// the callback runs inside Add and Purge, which hold p.mu
	cache, err := lru.NewWithEvict[string, *entry](opts.CacheSize, func(_ string, e *entry) {
		e.evicted = true
		p.closeIdle(e)
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// acquire returns the cached pool for dsn with its session count raised.
func (p *Pool) acquire(dsn string) (*entry, Driver, error) {
	drv, err := Resolve(dsn)
	if err != nil {
		return nil, Driver{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache.Get(dsn); ok {
		e.refs++
		return e, drv, nil
	}
	db, err := sql.Open(drv.Name, drv.DSN)
	if err != nil {
		return nil, Driver{}, errors.Wrap(err, "open target")
	}
	e := &entry{dsn: dsn, db: db, refs: 1}
	p.cache.Add(dsn, e)
	p.logger.Info("target pool opened", "driver", drv.Name, "dsn", validate.Redact(dsn))
	return e, drv, nil
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	p.closeIdle(e)
}

func (p *Pool) closeIdle(e *entry) {
	if !e.evicted || e.refs > 0 {
		return
	}
	p.logger.Debug("closing evicted target pool", "dsn", validate.Redact(e.dsn))
	_ = e.db.Close()
}

// Open returns a session; connection failures come back classified as
// retry.TransientError.
func (p *Pool) Open(ctx context.Context, dsn string) (Session, error) {
	e, drv, err := p.acquire(dsn)
	if err != nil {
		return nil, err
	}
	if err := e.db.PingContext(ctx); err != nil {
		p.release(e)
		return nil, errors.Wrap(retry.Classify(err), "connect to target")
	}
	done := func() { p.release(e) }
	if !drv.Transactional {
		return &session{q: e.db, maxRows: p.opts.MaxRows, done: done}, nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		p.release(e)
		return nil, errors.Wrap(retry.Classify(err), "begin target transaction")
	}
	return &session{q: tx, tx: tx, maxRows: p.opts.MaxRows, done: done}, nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
	return nil
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// session hands its pool back on the first Commit or Rollback.
type session struct {
	q       queryer
	tx      *sql.Tx
	maxRows int

	done     func()
	doneOnce sync.Once
}

func (s *session) end() {
	if s.done != nil {
		s.doneOnce.Do(s.done)
	}
}

func (s *session) Exec(ctx context.Context, stmt string) error {
	if _, err := s.q.ExecContext(ctx, trimStatement(stmt)); err != nil {
		return errors.Wrap(retry.Classify(err), "exec")
	}
	return nil
}

// Run executes stmt. Row-returning statements collect columns and rows;
// anything else reports rows affected.
func (s *session) Run(ctx context.Context, stmt string) (job.StatementResult, error) {
	res := job.StatementResult{Query: stmt, Rows: [][]any{}}
	stmt = trimStatement(stmt)
	if !returnsRows(stmt) {
		r, err := s.q.ExecContext(ctx, stmt)
		if err != nil {
			return res, errors.Wrap(retry.Classify(err), "exec")
		}
		if n, err := r.RowsAffected(); err == nil && n > 0 {
			res.RowCount = n
		}
		return res, nil
	}

	rows, err := s.q.QueryContext(ctx, stmt)
	if err != nil {
		return res, errors.Wrap(retry.Classify(err), "query")
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return res, errors.Wrap(err, "columns")
	}
	res.Columns = cols
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return res, errors.Wrap(err, "scan")
		}
		res.RowCount++
		if len(res.Rows) < s.maxRows {
			for i, v := range vals {
				if b, ok := v.([]byte); ok {
					vals[i] = string(b)
				}
			}
			res.Rows = append(res.Rows, vals)
		}
	}
	if err := rows.Err(); err != nil {
		return res, errors.Wrap(retry.Classify(err), "rows")
	}
	return res, nil
}

func (s *session) Commit() error {
	defer s.end()
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return errors.Wrap(retry.Classify(err), "commit")
	}
	return nil
}

func (s *session) Rollback() error {
	defer s.end()
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// trimStatement drops trailing semicolons; Trino rejects them.
func trimStatement(stmt string) string {
	return strings.TrimRight(strings.TrimSpace(stmt), "; \t\n")
}

var rowKeywords = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "VALUES", "EXPLAIN", "TABLE"}

func returnsRows(stmt string) bool {
	s := strings.ToUpper(validate.Clean(stmt))
	for _, kw := range rowKeywords {
		if strings.HasPrefix(s, kw) && (len(s) == len(kw) || !isWordChar(s[len(kw)])) {
			return true
		}
	}
	return false
}

func isWordChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
