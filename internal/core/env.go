package core

import "fmt"

// Env holds all bindings passed to the worker as the second argument.
type Env struct {
	Environment Environment

	// Assets serves the static files of the deployment.
	Assets Fetcher

	Vars    map[string]string
	Secrets map[string]string

	// Opt-in bindings; nil means disabled
	KV             map[string]KVNamespace
	D1             map[string]D1Database
	R2             map[string]R2Bucket
	AI             Ai
	Analytics      map[string]AnalyticsEngineDataset
	DurableObjects map[string]DurableObjectNamespace
	Queues         map[string]Queue
	Services       map[string]Fetcher
	Vectorize      map[string]VectorizeIndex
	Hyperdrive     map[string]Hyperdrive
}

// Validate checks the fields every deployment must have.
func (e *Env) Validate() error {
	if e == nil {
		return fmt.Errorf("env must not be nil")
	}
	if !e.Environment.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, string(e.Environment))
	}
	if e.Assets == nil {
		return ErrMissingAssets
	}
	return nil
}

// Var returns a plain variable or secret, secrets taking precedence.
func (e *Env) Var(name string) (string, bool) {
	if v, ok := e.Secrets[name]; ok {
		return v, true
	}
	v, ok := e.Vars[name]
	return v, ok
}

func (e *Env) KVNamespace(name string) (KVNamespace, bool) {
	b, ok := e.KV[name]
	return b, ok && b != nil
}

func (e *Env) Database(name string) (D1Database, bool) {
	b, ok := e.D1[name]
	return b, ok && b != nil
}

func (e *Env) Bucket(name string) (R2Bucket, bool) {
	b, ok := e.R2[name]
	return b, ok && b != nil
}

func (e *Env) Dataset(name string) (AnalyticsEngineDataset, bool) {
	b, ok := e.Analytics[name]
	return b, ok && b != nil
}

func (e *Env) DurableObject(name string) (DurableObjectNamespace, bool) {
	b, ok := e.DurableObjects[name]
	return b, ok && b != nil
}

func (e *Env) Queue(name string) (Queue, bool) {
	b, ok := e.Queues[name]
	return b, ok && b != nil
}

func (e *Env) Service(name string) (Fetcher, bool) {
	b, ok := e.Services[name]
	return b, ok && b != nil
}

func (e *Env) VectorIndex(name string) (VectorizeIndex, bool) {
	b, ok := e.Vectorize[name]
	return b, ok && b != nil
}

func (e *Env) HyperdriveConfig(name string) (Hyperdrive, bool) {
	b, ok := e.Hyperdrive[name]
	return b, ok && b != nil
}
