package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEnvironment(t *testing.T) {
	for _, e := range Environments {
		got, err := ParseEnvironment(string(e))
		if err != nil || got != e {
			t.Errorf("ParseEnvironment(%q) = %q, %v", e, got, err)
		}
	}
	for _, bad := range []string{"", "prod", "Production", " staging", "dev"} {
		if _, err := ParseEnvironment(bad); !errors.Is(err, ErrInvalidEnvironment) {
			t.Errorf("ParseEnvironment(%q) err = %v, want ErrInvalidEnvironment", bad, err)
		}
	}
}

func TestEnvironment_TextRoundTrip(t *testing.T) {
	var cfg struct {
		Mode Environment `json:"mode"`
	}
	if err := json.Unmarshal([]byte(`{"mode":"staging"}`), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cfg.Mode != EnvStaging {
		t.Errorf("mode = %q, want staging", cfg.Mode)
	}
	if err := json.Unmarshal([]byte(`{"mode":"qa"}`), &cfg); !errors.Is(err, ErrInvalidEnvironment) {
		t.Errorf("err = %v, want ErrInvalidEnvironment", err)
	}
	if _, err := json.Marshal(struct{ M Environment }{M: "bogus"}); err == nil {
		t.Error("marshalling an invalid mode should fail")
	}
}

func TestEnvironment_IsDevelopment(t *testing.T) {
	if !EnvDevelopment.IsDevelopment() || EnvStaging.IsDevelopment() || EnvProduction.IsDevelopment() {
		t.Error("only development should report IsDevelopment")
	}
}

func TestEnv_Validate(t *testing.T) {
	assets := FetcherFunc(func(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
		return NewResponse(404, ""), nil
	})
	tests := []struct {
		name string
		env  *Env
		want error
	}{
		{"ok", &Env{Environment: EnvProduction, Assets: assets}, nil},
		{"bad mode", &Env{Environment: "test", Assets: assets}, ErrInvalidEnvironment},
		{"no assets", &Env{Environment: EnvStaging}, ErrMissingAssets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
	var nilEnv *Env
	if err := nilEnv.Validate(); err == nil {
		t.Error("nil env should not validate")
	}
}

func TestEnv_VarPrefersSecrets(t *testing.T) {
	e := &Env{
		Vars:    map[string]string{"A": "var", "B": "plain"},
		Secrets: map[string]string{"A": "secret"},
	}
	if v, _ := e.Var("A"); v != "secret" {
		t.Errorf("A = %q, want secret", v)
	}
	if v, _ := e.Var("B"); v != "plain" {
		t.Errorf("B = %q, want plain", v)
	}
	if _, ok := e.Var("C"); ok {
		t.Error("C should be missing")
	}
}
