// Package r2 provides R2Bucket backends: a directory on the local disk and
// any S3-compatible object store.
package r2

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/cryguy/worker/v3/internal/core"
)

// MaxObjectSize is the largest object a bucket accepts.
const MaxObjectSize = 128 * 1024 * 1024 // 128 MB

// MaxKeySize is the longest object key accepted, in bytes.
const MaxKeySize = 1024

const defaultContentType = "application/octet-stream"

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: object key must not be empty", core.ErrInvalidKey)
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: object key exceeds %d bytes", core.ErrInvalidKey, MaxKeySize)
	}
	return nil
}

func validatePut(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(data) > MaxObjectSize {
		return fmt.Errorf("%w: object is %d bytes (max %d)", core.ErrValueTooLarge, len(data), MaxObjectSize)
	}
	return nil
}

// FSBucket stores each object as two files inside a directory: the body
// and a JSON sidecar holding its metadata. File names are the SHA-256 of
// the key so arbitrary keys never touch the path.
type FSBucket struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

var _ core.R2Bucket = (*FSBucket)(nil)

type fsMeta struct {
	Key            string            `json:"key"`
	Size           int64             `json:"size"`
	ContentType    string            `json:"contentType"`
	ETag           string            `json:"etag"`
	Uploaded       time.Time         `json:"uploaded"`
	CustomMetadata map[string]string `json:"customMetadata,omitempty"`
}

func (m *fsMeta) object() *core.R2Object {
	return &core.R2Object{
		Key:            m.Key,
		Size:           m.Size,
		ContentType:    m.ContentType,
		ETag:           m.ETag,
		LastModified:   m.Uploaded,
		CustomMetadata: m.CustomMetadata,
	}
}

// NewFSBucket returns a bucket rooted at dir, creating it if needed.
func NewFSBucket(dir string) (*FSBucket, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating R2 directory: %w", err)
	}
	return &FSBucket{dir: dir, now: time.Now}, nil
}

func (b *FSBucket) paths(key string) (body, meta string) {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(b.dir, name+".bin"), filepath.Join(b.dir, name+".json")
}

func (b *FSBucket) readMeta(key string) (*fsMeta, error) {
	_, metaPath := b.paths(key)
	data, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("R2 head: %w", err)
	}
	var m fsMeta
	if err := sonic.ConfigStd.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("R2 head: corrupt metadata for %q: %w", key, err)
	}
	return &m, nil
}

func (b *FSBucket) Head(_ context.Context, key string) (*core.R2Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, err := b.readMeta(key)
	if err != nil || m == nil {
		return nil, err
	}
	return m.object(), nil
}

func (b *FSBucket) Get(_ context.Context, key string) (*core.R2ObjectBody, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, err := b.readMeta(key)
	if err != nil || m == nil {
		return nil, err
	}
	bodyPath, _ := b.paths(key)
	data, err := os.ReadFile(bodyPath)
	if err != nil {
		return nil, fmt.Errorf("R2 get: %w", err)
	}
	return &core.R2ObjectBody{R2Object: *m.object(), Body: data}, nil
}

func (b *FSBucket) Put(_ context.Context, key string, data []byte, opts core.R2PutOptions) (*core.R2Object, error) {
	if err := validatePut(key, data); err != nil {
		return nil, err
	}
	sum := md5.Sum(data)
	m := &fsMeta{
		Key:            key,
		Size:           int64(len(data)),
		ContentType:    opts.ContentType,
		ETag:           hex.EncodeToString(sum[:]),
		Uploaded:       b.now().UTC(),
		CustomMetadata: opts.CustomMetadata,
	}
	if m.ContentType == "" {
		m.ContentType = defaultContentType
	}
	metaJSON, err := sonic.ConfigStd.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("R2 put: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	bodyPath, metaPath := b.paths(key)
	if err := writeFileAtomic(bodyPath, data); err != nil {
		return nil, fmt.Errorf("R2 put: %w", err)
	}
	if err := writeFileAtomic(metaPath, metaJSON); err != nil {
		return nil, fmt.Errorf("R2 put: %w", err)
	}
	return m.object(), nil
}

func (b *FSBucket) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}
		bodyPath, metaPath := b.paths(key)
		for _, p := range []string{metaPath, bodyPath} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("R2 delete: %w", err)
			}
		}
	}
	return nil
}

func (b *FSBucket) List(_ context.Context, opts core.R2ListOptions) (*core.R2ListResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("R2 list: %w", err)
	}
	var keys []string
	metas := make(map[string]*fsMeta)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("R2 list: %w", err)
		}
		var m fsMeta
		if err := sonic.ConfigStd.Unmarshal(data, &m); err != nil {
			continue
		}
		if strings.HasPrefix(m.Key, opts.Prefix) {
			keys = append(keys, m.Key)
			metas[m.Key] = &m
		}
	}
	sort.Strings(keys)
	return paginate(keys, metas, opts), nil
}

// paginate applies delimiter grouping, the offset cursor and the limit to
// sorted keys.
func paginate(keys []string, metas map[string]*fsMeta, opts core.R2ListOptions) *core.R2ListResult {
	limit := opts.Limit
	if limit <= 0 || limit > core.DefaultR2ListLimit {
		limit = core.DefaultR2ListLimit
	}
	offset := core.DecodeCursor(opts.Cursor)

	type item struct {
		key    string
		prefix bool
	}
	var items []item
	seen := map[string]bool{}
	for _, key := range keys {
		if metas[key] == nil {
			continue
		}
		if opts.Delimiter != "" {
			rest := key[len(opts.Prefix):]
			if i := strings.Index(rest, opts.Delimiter); i >= 0 {
				p := opts.Prefix + rest[:i+len(opts.Delimiter)]
				if !seen[p] {
					seen[p] = true
					items = append(items, item{key: p, prefix: true})
				}
				continue
			}
		}
		items = append(items, item{key: key})
	}

	result := &core.R2ListResult{Objects: []core.R2Object{}, DelimitedPrefixes: []string{}}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end < len(items) {
		result.Truncated = true
		result.Cursor = core.EncodeCursor(end)
	} else {
		end = len(items)
	}
	for _, it := range items[offset:end] {
		if it.prefix {
			result.DelimitedPrefixes = append(result.DelimitedPrefixes, it.key)
			continue
		}
		result.Objects = append(result.Objects, *metas[it.key].object())
	}
	return result
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
