package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MaxKVValueSize is the maximum size of a KV value (1 MB).
const MaxKVValueSize = 1 << 20

// MaxKVKeySize is the maximum length of a KV key in bytes.
const MaxKVKeySize = 512

// MaxKVMetadataSize is the maximum size of serialized KV metadata.
const MaxKVMetadataSize = 1024

// MinKVExpirationTTL is the smallest accepted expirationTtl in seconds.
const MinKVExpirationTTL = 60

// DefaultKVListLimit is used when a list call does not set a limit.
const DefaultKVListLimit = 1000

// KVValueWithMetadata holds a value and its associated metadata.
type KVValueWithMetadata struct {
	Value    string
	Metadata json.RawMessage
}

// KVPutOptions configures a KV put. Expiration is an absolute unix time in
// seconds; ExpirationTTL is relative to now. Zero means no expiry.
type KVPutOptions struct {
	Expiration    int64
	ExpirationTTL int
	Metadata      json.RawMessage
}

// KVListOptions configures a KV list call.
type KVListOptions struct {
	Prefix string
	Limit  int
	Cursor string
}

// KVListKey is one entry of a list result.
type KVListKey struct {
	Name       string          `json:"name"`
	Expiration int64           `json:"expiration,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// KVListResult holds the result of a List operation with pagination info.
type KVListResult struct {
	Keys         []KVListKey `json:"keys"`
	ListComplete bool        `json:"list_complete"`
	Cursor       string      `json:"cursor,omitempty"` // empty when list is complete
}

// ValidateKVKey rejects empty, oversized and dot-only keys.
func ValidateKVKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidKey)
	}
	if key == "." || key == ".." {
		return fmt.Errorf("%w: key %q is not allowed", ErrInvalidKey, key)
	}
	if len(key) > MaxKVKeySize {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidKey, MaxKVKeySize)
	}
	return nil
}

// ValidateKVPut checks a put against the namespace limits and returns the
// resolved expiry time, or nil for keys that never expire.
func ValidateKVPut(key, value string, opts KVPutOptions, now time.Time) (*time.Time, error) {
	if err := ValidateKVKey(key); err != nil {
		return nil, err
	}
	if len(value) > MaxKVValueSize {
		return nil, fmt.Errorf("%w: value exceeds maximum size of %d bytes", ErrValueTooLarge, MaxKVValueSize)
	}
	if len(opts.Metadata) > 0 {
		if len(opts.Metadata) > MaxKVMetadataSize {
			return nil, fmt.Errorf("%w: metadata exceeds %d bytes", ErrValueTooLarge, MaxKVMetadataSize)
		}
		if !json.Valid(opts.Metadata) {
			return nil, fmt.Errorf("metadata is not valid JSON")
		}
	}
	switch {
	case opts.ExpirationTTL != 0:
		if opts.ExpirationTTL < MinKVExpirationTTL {
			return nil, fmt.Errorf("expirationTtl must be at least %d seconds", MinKVExpirationTTL)
		}
		t := now.Add(time.Duration(opts.ExpirationTTL) * time.Second)
		return &t, nil
	case opts.Expiration != 0:
		t := time.Unix(opts.Expiration, 0)
		if t.Before(now.Add(MinKVExpirationTTL * time.Second)) {
			return nil, fmt.Errorf("expiration must be at least %d seconds in the future", MinKVExpirationTTL)
		}
		return &t, nil
	}
	return nil, nil
}

// DecodeCursor decodes a base64-encoded cursor to an integer offset.
func DecodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(data))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// EncodeCursor encodes an integer offset to a base64 cursor string.
func EncodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// D1Result holds the rows and metadata of one statement.
type D1Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Success bool     `json:"success"`
	Meta    D1Meta   `json:"meta"`
}

// Results returns the rows as column-keyed objects.
func (r *D1Result) Results() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		obj := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(row) {
				obj[col] = row[i]
			}
		}
		out = append(out, obj)
	}
	return out
}

// D1Meta holds metadata about a D1 query execution.
type D1Meta struct {
	ChangedDB   bool    `json:"changed_db"`
	Changes     int64   `json:"changes"`
	LastRowID   int64   `json:"last_row_id"`
	RowsRead    int     `json:"rows_read"`
	RowsWritten int     `json:"rows_written"`
	DurationMS  float64 `json:"duration"`
}

// D1ExecResult is returned by D1Database.Exec.
type D1ExecResult struct {
	Count    int           `json:"count"`
	Duration time.Duration `json:"duration"`
}

// R2Object holds metadata about a stored object.
type R2Object struct {
	Key            string
	Size           int64
	ContentType    string
	ETag           string
	LastModified   time.Time
	CustomMetadata map[string]string
}

// R2ObjectBody is an object together with its contents.
type R2ObjectBody struct {
	R2Object
	Body []byte
}

// R2PutOptions configures an R2 put operation.
type R2PutOptions struct {
	ContentType    string
	CustomMetadata map[string]string
}

// R2ListOptions configures an R2 list operation.
type R2ListOptions struct {
	Prefix    string
	Delimiter string
	Cursor    string
	Limit     int
}

// DefaultR2ListLimit is used when a list call does not set a limit.
const DefaultR2ListLimit = 1000

// R2ListResult holds the result of an R2 list operation.
type R2ListResult struct {
	Objects           []R2Object
	Truncated         bool
	Cursor            string
	DelimitedPrefixes []string
}

// AnalyticsDataPoint is one event written to an analytics dataset.
type AnalyticsDataPoint struct {
	Blobs   []string  `json:"blobs,omitempty"`
	Doubles []float64 `json:"doubles,omitempty"`
	Indexes []string  `json:"indexes,omitempty"`
}

const (
	MaxAnalyticsBlobs      = 20
	MaxAnalyticsDoubles    = 20
	MaxAnalyticsIndexes    = 1
	MaxAnalyticsIndexBytes = 96
	MaxAnalyticsBlobBytes  = 5120
)

// Validate checks the data point against the dataset limits.
func (p AnalyticsDataPoint) Validate() error {
	if len(p.Blobs) > MaxAnalyticsBlobs {
		return fmt.Errorf("%w: at most %d blobs", ErrValueTooLarge, MaxAnalyticsBlobs)
	}
	if len(p.Doubles) > MaxAnalyticsDoubles {
		return fmt.Errorf("%w: at most %d doubles", ErrValueTooLarge, MaxAnalyticsDoubles)
	}
	if len(p.Indexes) > MaxAnalyticsIndexes {
		return fmt.Errorf("%w: at most %d index", ErrValueTooLarge, MaxAnalyticsIndexes)
	}
	for _, idx := range p.Indexes {
		if len(idx) > MaxAnalyticsIndexBytes {
			return fmt.Errorf("%w: index exceeds %d bytes", ErrValueTooLarge, MaxAnalyticsIndexBytes)
		}
	}
	total := 0
	for _, b := range p.Blobs {
		total += len(b)
	}
	if total > MaxAnalyticsBlobBytes {
		return fmt.Errorf("%w: blobs exceed %d bytes", ErrValueTooLarge, MaxAnalyticsBlobBytes)
	}
	return nil
}

// QueueContentType selects how a queue message body is encoded.
type QueueContentType string

const (
	QueueContentJSON  QueueContentType = "json"
	QueueContentText  QueueContentType = "text"
	QueueContentBytes QueueContentType = "bytes"
	QueueContentV8    QueueContentType = "v8"
)

const (
	MaxQueueBatchMessages = 100
	MaxQueueMessageBytes  = 128 * 1024
	MaxQueueDelaySeconds  = 43200
)

// QueueSendOptions configures a single send.
type QueueSendOptions struct {
	ContentType  QueueContentType
	DelaySeconds int
}

// QueueSendRequest is one entry of a batch send.
type QueueSendRequest struct {
	Body         any
	ContentType  QueueContentType
	DelaySeconds int
}

// QueueMessageInput is an already-encoded message handed to a consumer.
type QueueMessageInput struct {
	ID          string
	Timestamp   time.Time
	Body        []byte
	ContentType QueueContentType
	Attempts    int
}

// VectorizeMetric is the distance function of an index.
type VectorizeMetric string

const (
	MetricCosine     VectorizeMetric = "cosine"
	MetricEuclidean  VectorizeMetric = "euclidean"
	MetricDotProduct VectorizeMetric = "dot-product"
)

// VectorizeVector is a stored vector.
type VectorizeVector struct {
	ID        string         `json:"id"`
	Values    []float32      `json:"values"`
	Namespace string         `json:"namespace,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// VectorizeQueryOptions configures a similarity query.
type VectorizeQueryOptions struct {
	TopK           int
	Namespace      string
	ReturnValues   bool
	ReturnMetadata bool
	// Filter matches metadata fields by equality.
	Filter map[string]any
}

const (
	DefaultVectorizeTopK = 5
	MaxVectorizeTopK     = 100
)

// VectorizeMatch is one query hit.
type VectorizeMatch struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Values   []float32      `json:"values,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorizeMatches is the result of a query.
type VectorizeMatches struct {
	Matches []VectorizeMatch `json:"matches"`
	Count   int              `json:"count"`
}

// VectorizeIndexInfo describes an index.
type VectorizeIndexInfo struct {
	Dimensions  int             `json:"dimensions"`
	Metric      VectorizeMetric `json:"metric"`
	VectorCount int             `json:"vectorCount"`
}

// VectorizeMutation reports the IDs touched by a write.
type VectorizeMutation struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}
