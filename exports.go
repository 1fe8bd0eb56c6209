package worker

import (
	"github.com/cryguy/worker/v3/internal/core"
	"github.com/cryguy/worker/v3/internal/queue"
)

// Type aliases re-exporting internal/core types so downstream code
// can use worker.WorkerRequest, worker.Env, etc. without importing
// the internal package directly.

type WorkerRequest = core.WorkerRequest
type WorkerResponse = core.WorkerResponse
type WorkerResult = core.WorkerResult
type LogEntry = core.LogEntry
type Env = core.Env
type Environment = core.Environment
type HostConfig = core.HostConfig
type Fetcher = core.Fetcher
type FetcherFunc = core.FetcherFunc
type WebSocketBridger = core.WebSocketBridger

// Configuration.
type AssetsConfig = core.AssetsConfig
type KVConfig = core.KVConfig
type D1Config = core.D1Config
type R2Config = core.R2Config
type AIConfig = core.AIConfig
type AnalyticsConfig = core.AnalyticsConfig
type DurableObjectConfig = core.DurableObjectConfig
type QueuesConfig = core.QueuesConfig
type QueueProducerConfig = core.QueueProducerConfig
type QueueConsumerConfig = core.QueueConsumerConfig
type ServiceConfig = core.ServiceConfig
type VectorizeConfig = core.VectorizeConfig
type HyperdriveConfig = core.HyperdriveConfig

// Handler contract.
type ExecutionContext = core.ExecutionContext
type FetchEvent = core.FetchEvent
type ResponseFunc = core.ResponseFunc
type Handler = core.Handler
type FetchListener = core.FetchListener
type ScheduledHandler = core.ScheduledHandler
type ScheduledEvent = core.ScheduledEvent
type QueueHandler[T any] = core.QueueHandler[T]
type QueueConsumer = core.QueueConsumer
type QueueDecision = core.QueueDecision
type QueueAction = core.QueueAction
type Message[T any] = core.Message[T]
type MessageBatch[T any] = core.MessageBatch[T]
type RetryOptions = core.RetryOptions
type Handlers = core.Handlers

// Durable Objects.
type DurableObjectHandler = core.DurableObjectHandler
type DurableObjectAlarmer = core.DurableObjectAlarmer
type WebSocketMessageHandler = core.WebSocketMessageHandler
type WebSocketCloseHandler = core.WebSocketCloseHandler
type WebSocketErrorHandler = core.WebSocketErrorHandler
type DurableObjectFactory = core.DurableObjectFactory
type DurableObjectState = core.DurableObjectState
type DurableObjectStorage = core.DurableObjectStorage
type DurableObjectNamespace = core.DurableObjectNamespace
type DurableObjectStub = core.DurableObjectStub
type DurableObjectID = core.DurableObjectID
type DurableListOptions = core.DurableListOptions
type WebSocket = core.WebSocket
type WebSocketMessage = core.WebSocketMessage

// Bindings.
type KVNamespace = core.KVNamespace
type KVValueWithMetadata = core.KVValueWithMetadata
type KVPutOptions = core.KVPutOptions
type KVListOptions = core.KVListOptions
type KVListKey = core.KVListKey
type KVListResult = core.KVListResult
type KVPair = core.KVPair
type D1Database = core.D1Database
type D1PreparedStatement = core.D1PreparedStatement
type D1Result = core.D1Result
type D1Meta = core.D1Meta
type D1ExecResult = core.D1ExecResult
type R2Bucket = core.R2Bucket
type R2Object = core.R2Object
type R2ObjectBody = core.R2ObjectBody
type R2PutOptions = core.R2PutOptions
type R2ListOptions = core.R2ListOptions
type R2ListResult = core.R2ListResult
type Ai = core.Ai
type AnalyticsEngineDataset = core.AnalyticsEngineDataset
type AnalyticsDataPoint = core.AnalyticsDataPoint
type Queue = core.Queue
type QueueSendOptions = core.QueueSendOptions
type QueueSendRequest = core.QueueSendRequest
type QueueMessageInput = core.QueueMessageInput
type QueueContentType = core.QueueContentType
type VectorizeIndex = core.VectorizeIndex
type VectorizeVector = core.VectorizeVector
type VectorizeQueryOptions = core.VectorizeQueryOptions
type VectorizeMatch = core.VectorizeMatch
type VectorizeMatches = core.VectorizeMatches
type VectorizeIndexInfo = core.VectorizeIndexInfo
type VectorizeMutation = core.VectorizeMutation
type VectorizeMetric = core.VectorizeMetric
type Hyperdrive = core.Hyperdrive

// Constants re-exported from core.
const (
	EnvDevelopment = core.EnvDevelopment
	EnvStaging     = core.EnvStaging
	EnvProduction  = core.EnvProduction

	QueueActionAck   = core.QueueActionAck
	QueueActionRetry = core.QueueActionRetry

	QueueContentJSON  = core.QueueContentJSON
	QueueContentText  = core.QueueContentText
	QueueContentBytes = core.QueueContentBytes
	QueueContentV8    = core.QueueContentV8

	MetricCosine     = core.MetricCosine
	MetricEuclidean  = core.MetricEuclidean
	MetricDotProduct = core.MetricDotProduct

	MaxKVValueSize = core.MaxKVValueSize
)

// Errors re-exported from core.
var (
	ErrInvalidEnvironment = core.ErrInvalidEnvironment
	ErrMissingAssets      = core.ErrMissingAssets
	ErrBindingNotFound    = core.ErrBindingNotFound
	ErrNotFound           = core.ErrNotFound
	ErrValueTooLarge      = core.ErrValueTooLarge
	ErrInvalidKey         = core.ErrInvalidKey
	ErrAlreadyResponded   = core.ErrAlreadyResponded
	ErrNoResponse         = core.ErrNoResponse
	ErrNoHandler          = core.ErrNoHandler
	ErrWaitUntilTimeout   = core.ErrWaitUntilTimeout
	ErrBatchTooLarge      = core.ErrBatchTooLarge
	ErrObjectReset        = core.ErrObjectReset
)

// Functions re-exported from core.
var (
	ParseEnvironment  = core.ParseEnvironment
	DefaultHostConfig = core.DefaultHostConfig
	NewResponse       = core.NewResponse
	JSONResponse      = core.JSONResponse
	TextMessage       = core.TextMessage
	BinaryMessage     = core.BinaryMessage
	DecodeCursor      = core.DecodeCursor
	EncodeCursor      = core.EncodeCursor
)

// NewQueueConsumer adapts a typed queue handler for Handlers.Queue.
func NewQueueConsumer[T any](handler QueueHandler[T]) QueueConsumer {
	return queue.NewConsumer(handler)
}
