// Package sqlite implements store.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"semcache/crypto"
	"semcache/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT 'free',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	key_hash TEXT NOT NULL UNIQUE,
	state TEXT NOT NULL DEFAULT 'active',
	created_at INTEGER NOT NULL,
	revoked_at INTEGER
);
CREATE TABLE IF NOT EXISTS cache_entries (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	context_digest TEXT NOT NULL DEFAULT '',
	target_model TEXT NOT NULL,
	prompt TEXT NOT NULL,
	response TEXT NOT NULL,
	vector BLOB NOT NULL,
	embedding_tag TEXT NOT NULL,
	enc_version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_accessed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_partition
	ON cache_entries(project_id, context_digest, target_model, embedding_tag);
CREATE TABLE IF NOT EXISTS provider_credentials (
	project_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	secret TEXT NOT NULL,
	enc_version INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (project_id, provider)
);
CREATE TABLE IF NOT EXISTS usage_records (
	project_id TEXT NOT NULL,
	period TEXT NOT NULL,
	queries INTEGER NOT NULL DEFAULT 0,
	hits INTEGER NOT NULL DEFAULT 0,
	misses INTEGER NOT NULL DEFAULT 0,
	cost_saved REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, period)
);
`

// Store implements store.Store. Text fields go through the cipher on the
// way in and out; vectors are stored as raw little-endian float32 blobs.
type Store struct {
	db     *sql.DB
	cipher *crypto.Cipher
	sb     sq.StatementBuilderType
}

// Open opens (or creates) the database at path. Use ":memory:" for tests.
func Open(path string, cipher *crypto.Cipher) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("fail to open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("fail to create schema: %w", err)
	}
	return &Store{db: db, cipher: cipher, sb: sq.StatementBuilder}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProject(ctx context.Context, p *store.Project) error {
	query, args, err := s.sb.Insert("projects").
		Columns("id", "name", "tier", "created_at").
		Values(p.ID, p.Name, p.Tier, p.CreatedAt.UnixNano()).
		ToSql()
	if err != nil {
		return fmt.Errorf("fail to build insert project: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fail to insert project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	query, args, err := s.sb.Select("id", "name", "tier", "created_at").
		From("projects").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build select project: %w", err)
	}
	var p store.Project
	var created int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Name, &p.Tier, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail to select project: %w", err)
	}
	p.CreatedAt = time.Unix(0, created)
	return &p, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k *store.APIKey) error {
	query, args, err := s.sb.Insert("api_keys").
		Columns("id", "project_id", "key_hash", "state", "created_at").
		Values(k.ID, k.ProjectID, k.Hash, k.State, k.CreatedAt.UnixNano()).
		ToSql()
	if err != nil {
		return fmt.Errorf("fail to build insert api key: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fail to insert api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error) {
	query, args, err := s.sb.Select("id", "project_id", "key_hash", "state", "created_at", "revoked_at").
		From("api_keys").Where(sq.Eq{"key_hash": hash}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build select api key: %w", err)
	}
	var k store.APIKey
	var created int64
	var revoked sql.NullInt64
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&k.ID, &k.ProjectID, &k.Hash, &k.State, &created, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail to select api key: %w", err)
	}
	k.CreatedAt = time.Unix(0, created)
	if revoked.Valid {
		t := time.Unix(0, revoked.Int64)
		k.RevokedAt = &t
	}
	return &k, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	query, args, err := s.sb.Update("api_keys").
		Set("state", store.KeyStateRevoked).
		Set("revoked_at", at.UnixNano()).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("fail to build revoke api key: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fail to revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) InsertEntry(ctx context.Context, e *store.CacheEntry) error {
	prompt, ver, err := s.cipher.Encrypt(e.Prompt)
	if err != nil {
		return fmt.Errorf("fail to encrypt prompt: %w", err)
	}
	response, _, err := s.cipher.Encrypt(e.Response)
	if err != nil {
		return fmt.Errorf("fail to encrypt response: %w", err)
	}
	// Context text is encrypted like prompt and response; the digest column
	// carries the equality-matchable form.
	contextText, _, err := s.cipher.Encrypt(e.Partition.Context)
	if err != nil {
		return fmt.Errorf("fail to encrypt context: %w", err)
	}
	e.EncVersion = ver

	query, args, err := s.sb.Insert("cache_entries").
		Columns("id", "project_id", "context", "context_digest", "target_model", "prompt", "response",
			"vector", "embedding_tag", "enc_version", "created_at", "last_accessed").
		Values(e.ID, e.Partition.ProjectID, contextText, e.Partition.ContextDigest(), e.Partition.TargetModel,
			prompt, response, encodeVector(e.Vector), e.EmbeddingTag, e.EncVersion,
			e.CreatedAt.UnixNano(), e.LastAccessed.UnixNano()).
		ToSql()
	if err != nil {
		return fmt.Errorf("fail to build insert entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fail to insert entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*store.CacheEntry, error) {
	query, args, err := s.entrySelect().Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build select entry: %w", err)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	e, err := s.scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

func (s *Store) DeleteEntry(ctx context.Context, projectID, id string) error {
	query, args, err := s.sb.Delete("cache_entries").
		Where(sq.Eq{"id": id, "project_id": projectID}).ToSql()
	if err != nil {
		return fmt.Errorf("fail to build delete entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("fail to delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TouchEntry(ctx context.Context, id string, at time.Time) error {
	query, args, err := s.sb.Update("cache_entries").
		Set("last_accessed", at.UnixNano()).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("fail to build touch entry: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fail to touch entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, part store.Partition, embeddingTag string) ([]*store.CacheEntry, error) {
	query, args, err := s.entrySelect().
		Where(sq.Eq{
			"project_id":     part.ProjectID,
			"context_digest": part.ContextDigest(),
			"target_model":   part.TargetModel,
			"embedding_tag":  embeddingTag,
		}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build list entries: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fail to list entries: %w", err)
	}
	defer rows.Close()

	var out []*store.CacheEntry
	for rows.Next() {
		e, err := s.scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ExpiredEntries(ctx context.Context, cutoff time.Time) ([]store.EntryRef, error) {
	query, args, err := s.sb.Select("id", "project_id", "context", "target_model", "enc_version").
		From("cache_entries").
		Where(sq.Lt{"created_at": cutoff.UnixNano()}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build expired entries: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fail to list expired entries: %w", err)
	}
	defer rows.Close()

	var refs []store.EntryRef
	for rows.Next() {
		var ref store.EntryRef
		var ver int
		if err := rows.Scan(&ref.ID, &ref.Partition.ProjectID, &ref.Partition.Context, &ref.Partition.TargetModel, &ver); err != nil {
			return nil, fmt.Errorf("fail to scan expired entry: %w", err)
		}
		ref.Partition.Context, err = s.cipher.Decrypt(ref.Partition.Context, ver)
		if err != nil {
			return nil, fmt.Errorf("fail to decrypt context: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *Store) AllVectors(ctx context.Context) ([]store.VectorRecord, error) {
	query, args, err := s.sb.Select("id", "project_id", "context", "target_model", "vector", "embedding_tag", "enc_version", "created_at").
		From("cache_entries").ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build select vectors: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fail to select vectors: %w", err)
	}
	defer rows.Close()

	var out []store.VectorRecord
	for rows.Next() {
		var r store.VectorRecord
		var blob []byte
		var ver int
		var created int64
		err := rows.Scan(&r.ID, &r.Partition.ProjectID, &r.Partition.Context, &r.Partition.TargetModel,
			&blob, &r.EmbeddingTag, &ver, &created)
		if err != nil {
			return nil, fmt.Errorf("fail to scan vector: %w", err)
		}
		r.Partition.Context, err = s.cipher.Decrypt(r.Partition.Context, ver)
		if err != nil {
			return nil, fmt.Errorf("fail to decrypt context: %w", err)
		}
		r.Vector = decodeVector(blob)
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PutCredential(ctx context.Context, c *store.ProviderCredential) error {
	secret, ver, err := s.cipher.Encrypt(c.Secret)
	if err != nil {
		return fmt.Errorf("fail to encrypt credential: %w", err)
	}
	c.EncVersion = ver
	query, args, err := s.sb.Insert("provider_credentials").
		Columns("project_id", "provider", "secret", "enc_version", "updated_at").
		Values(c.ProjectID, c.Provider, secret, ver, c.UpdatedAt.UnixNano()).
		Suffix("ON CONFLICT(project_id, provider) DO UPDATE SET secret=excluded.secret, enc_version=excluded.enc_version, updated_at=excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("fail to build put credential: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fail to put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, projectID, provider string) (*store.ProviderCredential, error) {
	query, args, err := s.sb.Select("project_id", "provider", "secret", "enc_version", "updated_at").
		From("provider_credentials").
		Where(sq.Eq{"project_id": projectID, "provider": provider}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build select credential: %w", err)
	}
	var c store.ProviderCredential
	var updated int64
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&c.ProjectID, &c.Provider, &c.Secret, &c.EncVersion, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail to select credential: %w", err)
	}
	c.Secret, err = s.cipher.Decrypt(c.Secret, c.EncVersion)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt credential: %w", err)
	}
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

func (s *Store) AddUsage(ctx context.Context, projectID, period string, hit bool, costSaved float64) error {
	hits, misses := 0, 1
	if hit {
		hits, misses = 1, 0
	}
	// Upsert keyed on (project, period); a new month starts a fresh row,
	// which is the quota reset.
	query := `INSERT INTO usage_records (project_id, period, queries, hits, misses, cost_saved)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(project_id, period) DO UPDATE SET
			queries = queries + 1,
			hits = hits + excluded.hits,
			misses = misses + excluded.misses,
			cost_saved = cost_saved + excluded.cost_saved`
	if _, err := s.db.ExecContext(ctx, query, projectID, period, hits, misses, costSaved); err != nil {
		return fmt.Errorf("fail to add usage: %w", err)
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, projectID, period string) (*store.Usage, error) {
	query, args, err := s.sb.Select("queries", "hits", "misses", "cost_saved").
		From("usage_records").
		Where(sq.Eq{"project_id": projectID, "period": period}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("fail to build select usage: %w", err)
	}
	u := &store.Usage{ProjectID: projectID, Period: period}
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&u.Queries, &u.Hits, &u.Misses, &u.CostSaved)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet this month means zero usage, not an error.
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fail to select usage: %w", err)
	}
	return u, nil
}

func (s *Store) entrySelect() sq.SelectBuilder {
	return s.sb.Select("id", "project_id", "context", "target_model", "prompt", "response",
		"vector", "embedding_tag", "enc_version", "created_at", "last_accessed").
		From("cache_entries")
}

func (s *Store) scanEntry(scan func(dest ...any) error) (*store.CacheEntry, error) {
	var e store.CacheEntry
	var blob []byte
	var created, accessed int64
	err := scan(&e.ID, &e.Partition.ProjectID, &e.Partition.Context, &e.Partition.TargetModel,
		&e.Prompt, &e.Response, &blob, &e.EmbeddingTag, &e.EncVersion, &created, &accessed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("fail to scan entry: %w", err)
	}
	e.Prompt, err = s.cipher.Decrypt(e.Prompt, e.EncVersion)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt prompt: %w", err)
	}
	e.Response, err = s.cipher.Decrypt(e.Response, e.EncVersion)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt response: %w", err)
	}
	e.Partition.Context, err = s.cipher.Decrypt(e.Partition.Context, e.EncVersion)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt context: %w", err)
	}
	e.Vector = decodeVector(blob)
	e.CreatedAt = time.Unix(0, created)
	e.LastAccessed = time.Unix(0, accessed)
	return &e, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
