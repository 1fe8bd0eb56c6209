package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Fetcher is a handle that accepts requests: the ASSETS binding, service
// bindings and the passthrough origin all implement it.
type Fetcher interface {
	Fetch(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
	return f(ctx, req)
}

// KVNamespace backs a single KV namespace binding.
type KVNamespace interface {
	// Get returns the value for key. ok is false when the key does not
	// exist or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// GetWithMetadata returns nil when the key does not exist.
	GetWithMetadata(ctx context.Context, key string) (*KVValueWithMetadata, error)
	Put(ctx context.Context, key, value string, opts KVPutOptions) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, opts KVListOptions) (*KVListResult, error)
}

// D1Runner executes a single statement. D1Database implementations
// provide it so prepared statements can run without knowing the backend.
type D1Runner interface {
	RunStatement(ctx context.Context, query string, args []any) (*D1Result, error)
}

// D1Database backs a single D1 database binding.
type D1Database interface {
	D1Runner
	Prepare(query string) *D1PreparedStatement
	// Batch runs every statement in one transaction. Either all succeed
	// or none are applied.
	Batch(ctx context.Context, stmts []*D1PreparedStatement) ([]*D1Result, error)
	// Exec runs one or more semicolon-separated statements without bindings.
	Exec(ctx context.Context, query string) (*D1ExecResult, error)
}

// R2Bucket backs an object storage bucket binding.
type R2Bucket interface {
	// Head returns nil when the object does not exist.
	Head(ctx context.Context, key string) (*R2Object, error)
	// Get returns nil when the object does not exist.
	Get(ctx context.Context, key string) (*R2ObjectBody, error)
	Put(ctx context.Context, key string, data []byte, opts R2PutOptions) (*R2Object, error)
	Delete(ctx context.Context, keys ...string) error
	List(ctx context.Context, opts R2ListOptions) (*R2ListResult, error)
}

// Ai runs inference models.
type Ai interface {
	Run(ctx context.Context, model string, input any) (json.RawMessage, error)
}

// AnalyticsEngineDataset accepts data points without waiting for them to
// be persisted.
type AnalyticsEngineDataset interface {
	WriteDataPoint(p AnalyticsDataPoint) error
}

// Queue is the producer side of a queue binding.
type Queue interface {
	Send(ctx context.Context, body any, opts QueueSendOptions) error
	SendBatch(ctx context.Context, msgs []QueueSendRequest) error
}

// VectorizeIndex backs a vector index binding.
type VectorizeIndex interface {
	Describe(ctx context.Context) (*VectorizeIndexInfo, error)
	Insert(ctx context.Context, vectors []VectorizeVector) (*VectorizeMutation, error)
	Upsert(ctx context.Context, vectors []VectorizeVector) (*VectorizeMutation, error)
	Query(ctx context.Context, vector []float32, opts VectorizeQueryOptions) (*VectorizeMatches, error)
	GetByIDs(ctx context.Context, ids []string) ([]VectorizeVector, error)
	DeleteByIDs(ctx context.Context, ids []string) (*VectorizeMutation, error)
}

// Hyperdrive exposes a pooled database connection configuration.
type Hyperdrive interface {
	ConnectionString() string
	Host() string
	Port() int
	User() string
	Password() string
	Database() string
	Connect(ctx context.Context) (*sql.DB, error)
}

// DurableObjectNamespace creates IDs and stubs for one Durable Object class.
type DurableObjectNamespace interface {
	IDFromName(name string) DurableObjectID
	IDFromString(id string) (DurableObjectID, error)
	NewUniqueID() DurableObjectID
	Get(id DurableObjectID) DurableObjectStub
}

// DurableObjectStub forwards requests to a single object instance.
type DurableObjectStub interface {
	ID() DurableObjectID
	Fetch(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error)
}

// DurableObjectID identifies an object within a namespace. Hex is 64
// lower-case hex characters. Name is set only for IDs derived from names.
type DurableObjectID struct {
	Namespace string
	Hex       string
	Name      string
}

func (id DurableObjectID) String() string { return id.Hex }

// Equals reports whether both IDs address the same object.
func (id DurableObjectID) Equals(other DurableObjectID) bool {
	return id.Namespace == other.Namespace && id.Hex == other.Hex
}

// KVPair is a key and its JSON-encoded value from Durable Object storage.
type KVPair struct {
	Key   string
	Value json.RawMessage
}

// DefaultDurableListLimit caps a storage list call that sets no Limit.
const DefaultDurableListLimit = 128

// DurableListOptions configures a storage list call.
type DurableListOptions struct {
	Prefix  string
	Start   string // inclusive
	End     string // exclusive
	Limit   int    // <= 0 means DefaultDurableListLimit
	Reverse bool
}

// DurableObjectStorage is the transactional storage attached to one object.
// Values are stored JSON-encoded.
type DurableObjectStorage interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	GetMulti(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	Put(ctx context.Context, key string, value any) error
	PutMulti(ctx context.Context, entries map[string]any) error
	Delete(ctx context.Context, key string) (bool, error)
	DeleteMulti(ctx context.Context, keys []string) (int, error)
	DeleteAll(ctx context.Context) error
	List(ctx context.Context, opts DurableListOptions) ([]KVPair, error)
	// Transaction runs fn atomically. Returning an error rolls back.
	Transaction(ctx context.Context, fn func(txn DurableObjectStorage) error) error

	GetAlarm(ctx context.Context) (*time.Time, error)
	SetAlarm(ctx context.Context, at time.Time) error
	DeleteAlarm(ctx context.Context) error
}
