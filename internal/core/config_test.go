package core

import (
	"strings"
	"testing"
	"time"
)

func TestQueueConsumerConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   QueueConsumerConfig
		want QueueConsumerConfig
	}{
		{"zero", QueueConsumerConfig{Queue: "q"}, QueueConsumerConfig{Queue: "q", MaxBatchSize: 10, MaxBatchTimeout: 5 * time.Second, MaxRetries: 3}},
		{"capped batch", QueueConsumerConfig{MaxBatchSize: 500, MaxBatchTimeout: time.Second, MaxRetries: 1},
			QueueConsumerConfig{MaxBatchSize: 100, MaxBatchTimeout: time.Second, MaxRetries: 1}},
		{"negative retries means none", QueueConsumerConfig{MaxRetries: -1},
			QueueConsumerConfig{MaxBatchSize: 10, MaxBatchTimeout: 5 * time.Second, MaxRetries: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.WithDefaults(); got != tt.want {
				t.Errorf("WithDefaults = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHostConfig_Validate(t *testing.T) {
	base := DefaultHostConfig()
	if err := base.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *HostConfig)
		want   string
	}{
		{"bad environment", func(c *HostConfig) { c.Environment = "live" }, "live"},
		{"unnamed binding", func(c *HostConfig) { c.KV = []KVConfig{{}} }, "without a name"},
		{"duplicate across kinds", func(c *HostConfig) {
			c.KV = []KVConfig{{Binding: "A"}}
			c.R2 = []R2Config{{Binding: "A"}}
		}, `"A" declared as both kv and r2`},
		{"vectorize dimensions", func(c *HostConfig) {
			c.Vectorize = []VectorizeConfig{{Binding: "V"}}
		}, "dimensions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultHostConfig()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
