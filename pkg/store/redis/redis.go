// Package redis stores the cache index and result sections in Redis, for
// deployments where several processes share one cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/justdata/reportcache/pkg/models"
	"github.com/justdata/reportcache/pkg/sections"
)

// Config configures the Redis backend.
type Config struct {
	URL      string `yaml:"url" env:"URL"`
	Password string `yaml:"password" env:"PASSWORD"`
	// Prefix namespaces every key. Defaults to "rc".
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// Compress enables zstd for section payloads of at least CompressMinBytes.
	Compress         bool `yaml:"compress" env:"COMPRESS"`
	CompressMinBytes int  `yaml:"compress_min_bytes" env:"COMPRESS_MIN_BYTES"`
}

// Store implements index.Store and sections.Backend.
type Store struct {
	client   *redis.Client
	prefix   string
	minBytes int
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// New connects to the Redis server named by cfg.URL.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("connect", err)
	}
	s, err := NewFromClient(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, cfg Config) (*Store, error) {
	s := &Store{client: client, prefix: cfg.Prefix, minBytes: cfg.CompressMinBytes}
	if s.prefix == "" {
		s.prefix = "rc"
	}
	if s.minBytes <= 0 {
		s.minBytes = 1024
	}
	// Payloads written by a compressing peer must stay readable, so the
	// decoder always exists.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s.decoder = dec
	if cfg.Compress {
		s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	return s, nil
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the client and codec resources.
func (s *Store) Close() error {
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	s.decoder.Close()
	return s.client.Close()
}

func (s *Store) entryKey(fp models.Fingerprint) string { return s.prefix + ":entry:" + string(fp) }
func (s *Store) touchKey(fp models.Fingerprint) string { return s.prefix + ":touch:" + string(fp) }
func (s *Store) sectionsKey(id string) string          { return s.prefix + ":sections:" + id }

// storedEntry is the immutable part of a cache entry. Access metadata lives in
// a separate hash so touches never rewrite the entry.
type storedEntry struct {
	ResultID       string    `json:"result_id"`
	AppName        string    `json:"app_name"`
	RulesetVersion int       `json:"ruleset_version"`
	ComputeCost    float64   `json:"compute_cost"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	fieldCount = "count"
	fieldLast  = "last"
)

// GetEntry returns the entry for fp, or nil if there is none. An entry that
// cannot be decoded is reported as models.ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, fp models.Fingerprint) (*models.CacheEntry, error) {
	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, s.entryKey(fp))
	touch := pipe.HGetAll(ctx, s.touchKey(fp))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("get entry", err)
	}

	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get entry", err)
	}
	e, err := decodeEntry(fp, data)
	if err != nil {
		return nil, err
	}
	applyTouch(&e, touch.Val())
	return &e, nil
}

func decodeEntry(fp models.Fingerprint, data []byte) (models.CacheEntry, error) {
	var se storedEntry
	if err := json.Unmarshal(data, &se); err != nil {
		return models.CacheEntry{}, corrupt("entry "+fp.Short(), err)
	}
	return models.CacheEntry{
		Fingerprint:    fp,
		ResultID:       se.ResultID,
		AppName:        se.AppName,
		RulesetVersion: se.RulesetVersion,
		ComputeCost:    se.ComputeCost,
		CreatedAt:      se.CreatedAt,
		LastAccessedAt: se.CreatedAt,
	}, nil
}

func applyTouch(e *models.CacheEntry, fields map[string]string) {
	if n, err := strconv.ParseInt(fields[fieldCount], 10, 64); err == nil {
		e.AccessCount = n
	}
	if ns, err := strconv.ParseInt(fields[fieldLast], 10, 64); err == nil {
		e.LastAccessedAt = time.Unix(0, ns).UTC()
	}
}

// InsertEntry stores e with SETNX and returns whichever entry is stored.
func (s *Store) InsertEntry(ctx context.Context, e models.CacheEntry) (models.CacheEntry, bool, error) {
	data, err := json.Marshal(storedEntry{
		ResultID:       e.ResultID,
		AppName:        e.AppName,
		RulesetVersion: e.RulesetVersion,
		ComputeCost:    e.ComputeCost,
		CreatedAt:      e.CreatedAt.UTC(),
	})
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("encode entry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.entryKey(e.Fingerprint), data, 0).Result()
	if err != nil {
		return models.CacheEntry{}, false, unavailable("insert entry", err)
	}
	if ok {
		return e, true, nil
	}
	existing, err := s.GetEntry(ctx, e.Fingerprint)
	if err != nil {
		return models.CacheEntry{}, false, err
	}
	if existing == nil {
		return models.CacheEntry{}, false, unavailable("insert entry", errors.New("entry vanished after conflict"))
	}
	return *existing, false, nil
}

// TouchEntry bumps the access counter and last access time. Touching an
// unknown fingerprint is a no-op.
func (s *Store) TouchEntry(ctx context.Context, fp models.Fingerprint, at time.Time) error {
	n, err := s.client.Exists(ctx, s.entryKey(fp)).Result()
	if err != nil {
		return unavailable("touch entry", err)
	}
	if n == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, s.touchKey(fp), fieldCount, 1)
	pipe.HSet(ctx, s.touchKey(fp), fieldLast, at.UnixNano())
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("touch entry", err)
	}
	return nil
}

// scanEntries calls fn for every readable stored entry.
func (s *Store) scanEntries(ctx context.Context, fn func(models.CacheEntry) error) error {
	prefix := s.prefix + ":entry:"
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fp := models.Fingerprint(iter.Val()[len(prefix):])
		e, err := s.GetEntry(ctx, fp)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if e == nil {
			continue
		}
		if err := fn(*e); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("scan entries", err)
	}
	return nil
}

// DeleteEntries removes entries matching opts.
func (s *Store) DeleteEntries(ctx context.Context, opts models.InvalidateOpts) (int64, error) {
	var doomed []models.Fingerprint
	match := func(e models.CacheEntry) error {
		if opts.AppName != "" && e.AppName != opts.AppName {
			return nil
		}
		if !opts.Before.IsZero() && !e.CreatedAt.Before(opts.Before) {
			return nil
		}
		doomed = append(doomed, e.Fingerprint)
		return nil
	}

	if opts.Fingerprint != "" {
		e, err := s.GetEntry(ctx, opts.Fingerprint)
		switch {
		case errors.Is(err, models.ErrNotFound):
			// Unreadable entries can only be matched by fingerprint alone.
			if opts.AppName == "" && opts.Before.IsZero() {
				doomed = append(doomed, opts.Fingerprint)
			}
		case err != nil:
			return 0, err
		case e != nil:
			_ = match(*e)
		}
	} else if err := s.scanEntries(ctx, match); err != nil {
		return 0, err
	}

	if len(doomed) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, 2*len(doomed))
	for _, fp := range doomed {
		keys = append(keys, s.entryKey(fp), s.touchKey(fp))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, unavailable("delete entries", err)
	}
	return int64(len(doomed)), nil
}

// EntryStats counts entries and sums their access counts.
func (s *Store) EntryStats(ctx context.Context) (models.CacheStats, error) {
	var st models.CacheStats
	err := s.scanEntries(ctx, func(e models.CacheEntry) error {
		st.Entries++
		st.Accesses += e.AccessCount
		return nil
	})
	return st, err
}

// storedSection is the hash value for one section.
type storedSection struct {
	Type         models.SectionType `json:"type"`
	Category     string             `json:"category,omitempty"`
	DisplayOrder int                `json:"order"`
	CreatedAt    time.Time          `json:"created_at"`
	Compressed   bool               `json:"z,omitempty"`
	Payload      []byte             `json:"payload"`
}

// PutSections writes each section with HSETNX in one transaction.
func (s *Store) PutSections(ctx context.Context, secs []sections.StoredSection) (int, error) {
	pipe := s.client.TxPipeline()
	cmds := make([]*redis.BoolCmd, 0, len(secs))
	for _, sec := range secs {
		data, err := s.encodeSection(sec)
		if err != nil {
			return 0, err
		}
		cmds = append(cmds, pipe.HSetNX(ctx, s.sectionsKey(sec.ResultID), sec.Name, data))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("put sections", err)
	}
	written := 0
	for _, c := range cmds {
		if c.Val() {
			written++
		}
	}
	return written, nil
}

func (s *Store) encodeSection(sec sections.StoredSection) ([]byte, error) {
	st := storedSection{
		Type:         sec.Type,
		Category:     sec.Category,
		DisplayOrder: sec.DisplayOrder,
		CreatedAt:    sec.CreatedAt.UTC(),
		Payload:      sec.Payload,
	}
	if s.encoder != nil && len(sec.Payload) >= s.minBytes {
		if z := s.encoder.EncodeAll(sec.Payload, nil); len(z) < len(sec.Payload) {
			st.Payload = z
			st.Compressed = true
		}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode section %q: %w", sec.Name, err)
	}
	return data, nil
}

// GetSections returns every section stored for resultID. Ordering is left to
// the caller. A section that cannot be decoded makes the whole result
// models.ErrNotFound so it gets recomputed.
func (s *Store) GetSections(ctx context.Context, resultID string) ([]sections.StoredSection, error) {
	fields, err := s.client.HGetAll(ctx, s.sectionsKey(resultID)).Result()
	if err != nil {
		return nil, unavailable("get sections", err)
	}
	out := make([]sections.StoredSection, 0, len(fields))
	for name, raw := range fields {
		var st storedSection
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, corrupt(fmt.Sprintf("section %q of %s", name, resultID), err)
		}
		payload := st.Payload
		if st.Compressed {
			payload, err = s.decoder.DecodeAll(st.Payload, nil)
			if err != nil {
				return nil, corrupt(fmt.Sprintf("section %q of %s", name, resultID), err)
			}
		}
		out = append(out, sections.StoredSection{
			ResultID:     resultID,
			Name:         name,
			Type:         st.Type,
			Category:     st.Category,
			Payload:      payload,
			DisplayOrder: st.DisplayOrder,
			CreatedAt:    st.CreatedAt,
		})
	}
	return out, nil
}

func corrupt(what string, err error) error {
	return fmt.Errorf("redis: corrupt %s: %w: %w", what, models.ErrNotFound, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, models.ErrStorageUnavailable, err)
}
