// Package index stores decoded certificate and domain records in a local
// SQLite database, registering the custom scalar functions the domain
// search surface needs on top of what SQL alone provides.
package index

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"modernc.org/sqlite"

	"ctmon.dev/internal/dbhash"
)

const schema = `
CREATE TABLE IF NOT EXISTS certs (
	leaf_hash  BLOB PRIMARY KEY,
	extra_hash BLOB NOT NULL,
	ts         INTEGER NOT NULL,
	not_before INTEGER NOT NULL,
	not_after  INTEGER NOT NULL,
	is_precert INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS log_entries (
	log_id     TEXT NOT NULL,
	log_id_num INTEGER NOT NULL,
	leaf_index INTEGER NOT NULL,
	leaf_hash  BLOB NOT NULL,
	ts         INTEGER NOT NULL,
	PRIMARY KEY (log_id, leaf_index)
);
CREATE INDEX IF NOT EXISTS idx_log_entries_leaf_hash ON log_entries(leaf_hash);

CREATE TABLE IF NOT EXISTS domains (
	leaf_hash BLOB NOT NULL,
	domain    TEXT NOT NULL,
	domain_rev TEXT NOT NULL,
	UNIQUE (leaf_hash, domain)
);
CREATE INDEX IF NOT EXISTS idx_domains_leaf_hash ON domains(leaf_hash);
CREATE INDEX IF NOT EXISTS idx_domains_domain_rev ON domains(domain_rev);
`

var registerFunctionsOnce sync.Once

// registerFunctions installs the regex and domrev scalar functions on the
// modernc.org/sqlite driver. It must run before the first sql.Open using
// this driver, since registration is process-global, not per-connection.
func registerFunctions() {
	registerFunctionsOnce.Do(func() {
		must(sqlite.RegisterDeterministicScalarFunction("regex", 2, sqlRegex))
		must(sqlite.RegisterDeterministicScalarFunction("domrev", 1, sqlDomRev))
	})
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("index: registering sqlite function: %v", err))
	}
}

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

// sqlRegex implements the two-argument `regex(pattern, value)` SQL
// function used to filter domains, matching case-insensitively.
func sqlRegex(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("regex: pattern must be a string")
	}
	value, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("regex: value must be a string")
	}

	regexCacheMu.Lock()
	re, cached := regexCache[pattern]
	regexCacheMu.Unlock()
	if !cached {
		compiled, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("regex: %w", err)
		}
		regexCacheMu.Lock()
		regexCache[pattern] = compiled
		regexCacheMu.Unlock()
		re = compiled
	}
	return re.MatchString(value), nil
}

// sqlDomRev implements the single-argument `domrev(domain)` SQL function:
// email addresses pass through unchanged, and every other value has its
// dot-separated labels reversed, so an index on domrev(domain) makes
// suffix queries ("everything under example.com") into prefix queries.
func sqlDomRev(ctx *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	dom, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("domrev: argument must be a string")
	}
	return domRev(dom), nil
}

func domRev(dom string) string {
	if strings.Contains(dom, "@") {
		return dom
	}
	labels := strings.Split(dom, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, ".")
}

// Index is a handle to the certificate database.
type Index struct {
	db *sql.DB

	insertCertStmt   *sql.Stmt
	insertDomainStmt *sql.Stmt
	insertEntryStmt  *sql.Stmt
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema and scalar functions are in place.
func Open(path string) (*Index, error) {
	registerFunctions()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	// SQLite only tolerates a single writer; the supervisor serializes all
	// writes through one *Index per process, so a single connection is
	// both sufficient and avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create schema: %w", err)
	}

	idx := &Index{db: db}
	if idx.insertCertStmt, err = db.Prepare(
		`INSERT OR IGNORE INTO certs (leaf_hash, extra_hash, ts, not_before, not_after, is_precert) VALUES (?, ?, ?, ?, ?, ?)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: prepare cert insert: %w", err)
	}
	if idx.insertDomainStmt, err = db.Prepare(
		`INSERT OR IGNORE INTO domains (leaf_hash, domain, domain_rev) VALUES (?, ?, ?)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: prepare domain insert: %w", err)
	}
	if idx.insertEntryStmt, err = db.Prepare(
		`INSERT OR IGNORE INTO log_entries (log_id, log_id_num, leaf_index, leaf_hash, ts) VALUES (?, ?, ?, ?, ?)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: prepare entry insert: %w", err)
	}
	return idx, nil
}

// Close releases the database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Record is a single decoded log entry ready for insertion.
type Record struct {
	LogID     string
	LogIDNum  uint32
	LeafIndex uint64
	LeafHash  dbhash.Hash
	ExtraHash dbhash.Hash
	Timestamp int64
	NotBefore int64
	NotAfter  int64
	IsPrecert bool
	Domains   []string
}

// InsertBatch writes a batch of records inside a single transaction. Cert
// and domain rows are inserted with INSERT OR IGNORE, since the same
// certificate commonly appears in more than one log (and the same domain
// commonly repeats across a certificate's SAN list and across re-observed
// certificates) and both are keyed by content hash; a re-observed
// certificate under a different log still gets its own log_entries row.
func (idx *Index) InsertBatch(ctx context.Context, records []Record) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin transaction: %w", err)
	}
	defer tx.Rollback()

	certStmt := tx.StmtContext(ctx, idx.insertCertStmt)
	domainStmt := tx.StmtContext(ctx, idx.insertDomainStmt)
	entryStmt := tx.StmtContext(ctx, idx.insertEntryStmt)

	for _, r := range records {
		isPrecert := 0
		if r.IsPrecert {
			isPrecert = 1
		}
		if _, err := certStmt.ExecContext(ctx, r.LeafHash[:], r.ExtraHash[:], r.Timestamp, r.NotBefore, r.NotAfter, isPrecert); err != nil {
			return fmt.Errorf("index: insert cert: %w", err)
		}
		if _, err := entryStmt.ExecContext(ctx, r.LogID, r.LogIDNum, r.LeafIndex, r.LeafHash[:], r.Timestamp); err != nil {
			return fmt.Errorf("index: insert log entry: %w", err)
		}
		for _, dom := range dedupe(r.Domains) {
			if _, err := domainStmt.ExecContext(ctx, r.LeafHash[:], dom, domRev(dom)); err != nil {
				return fmt.Errorf("index: insert domain: %w", err)
			}
		}
	}
	return tx.Commit()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// HasCert reports whether a certificate with the given leaf hash has
// already been indexed, so callers can skip redundant domain-extraction
// work on re-observed certificates.
func (idx *Index) HasCert(ctx context.Context, leafHash dbhash.Hash) (bool, error) {
	var exists int
	err := idx.db.QueryRowContext(ctx, `SELECT 1 FROM certs WHERE leaf_hash = ?`, leafHash[:]).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("index: has cert: %w", err)
	}
	return true, nil
}

// DomainsUnderSuffix returns every distinct domain on record at or below
// suffix (e.g. suffix "example.com" matches "example.com" and
// "www.example.com"), using the domain_rev index as a prefix scan.
func (idx *Index) DomainsUnderSuffix(ctx context.Context, suffix string) ([]string, error) {
	// '/' is the byte after '.', so [rev+".", rev+"/") holds exactly the
	// names with one or more extra labels below suffix.
	rev := domRev(suffix)
	rows, err := idx.db.QueryContext(ctx,
		`SELECT DISTINCT domain FROM domains WHERE domain_rev = ? OR (domain_rev >= ? AND domain_rev < ?) ORDER BY domain_rev`,
		rev, rev+".", rev+"/",
	)
	if err != nil {
		return nil, fmt.Errorf("index: domains under suffix: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dom string
		if err := rows.Scan(&dom); err != nil {
			return nil, fmt.Errorf("index: domains under suffix: %w", err)
		}
		out = append(out, dom)
	}
	return out, rows.Err()
}
