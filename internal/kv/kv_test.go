package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/worker/v3/internal/core"
)

func newSQLiteNS(t *testing.T, name string) *SQLiteNamespace {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.sqlite3"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewSQLiteNamespace(db, name)
}

// namespaces returns every backend available in this environment.
func namespaces(t *testing.T) map[string]core.KVNamespace {
	out := map[string]core.KVNamespace{"sqlite": newSQLiteNS(t, "TEST")}
	if url := os.Getenv("REDIS_URL"); url != "" {
		client, err := NewRedisClient(url)
		if err != nil {
			t.Fatalf("NewRedisClient: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		out["redis"] = NewRedisNamespace(client, fmt.Sprintf("test-%d", time.Now().UnixNano()))
	}
	return out
}

func TestKV_PutGetDelete(t *testing.T) {
	for name, ns := range namespaces(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := ns.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("Get(missing) = ok %v err %v", ok, err)
			}
			if err := ns.Put(ctx, "greeting", "hello", core.KVPutOptions{}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			v, ok, err := ns.Get(ctx, "greeting")
			if err != nil || !ok || v != "hello" {
				t.Fatalf("Get = %q, %v, %v; want hello", v, ok, err)
			}
			if err := ns.Put(ctx, "greeting", "bye", core.KVPutOptions{}); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if v, _, _ := ns.Get(ctx, "greeting"); v != "bye" {
				t.Errorf("after overwrite = %q, want bye", v)
			}
			if err := ns.Delete(ctx, "greeting"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := ns.Get(ctx, "greeting"); ok {
				t.Error("key still present after delete")
			}
		})
	}
}

func TestKV_Metadata(t *testing.T) {
	for name, ns := range namespaces(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			meta := []byte(`{"owner":"alice"}`)
			if err := ns.Put(ctx, "doc", "body", core.KVPutOptions{Metadata: meta}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := ns.GetWithMetadata(ctx, "doc")
			if err != nil || got == nil {
				t.Fatalf("GetWithMetadata = %v, %v", got, err)
			}
			if got.Value != "body" || string(got.Metadata) != string(meta) {
				t.Errorf("got %q / %s", got.Value, got.Metadata)
			}
			if miss, err := ns.GetWithMetadata(ctx, "nope"); err != nil || miss != nil {
				t.Errorf("missing key = %v, %v; want nil", miss, err)
			}
		})
	}
}

func TestKV_Limits(t *testing.T) {
	ns := newSQLiteNS(t, "LIMITS")
	ctx := context.Background()

	if err := ns.Put(ctx, "", "x", core.KVPutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("empty key err = %v", err)
	}
	if err := ns.Put(ctx, strings.Repeat("k", core.MaxKVKeySize+1), "x", core.KVPutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Errorf("long key err = %v", err)
	}
	big := strings.Repeat("v", core.MaxKVValueSize+1)
	if err := ns.Put(ctx, "big", big, core.KVPutOptions{}); !errors.Is(err, core.ErrValueTooLarge) {
		t.Errorf("big value err = %v", err)
	}
	if err := ns.Put(ctx, "ttl", "x", core.KVPutOptions{ExpirationTTL: 10}); err == nil {
		t.Error("ttl below minimum accepted")
	}
	if err := ns.Put(ctx, "meta", "x", core.KVPutOptions{Metadata: []byte("{bad")}); err == nil {
		t.Error("invalid metadata accepted")
	}
}

func TestKV_Expiration(t *testing.T) {
	ns := newSQLiteNS(t, "EXP")
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ns.now = func() time.Time { return now }

	if err := ns.Put(ctx, "session", "abc", core.KVPutOptions{ExpirationTTL: 60}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok, _ := ns.Get(ctx, "session"); !ok {
		t.Fatal("key missing before expiry")
	}
	list, err := ns.List(ctx, core.KVListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Keys) != 1 || list.Keys[0].Expiration != now.Add(time.Minute).Unix() {
		t.Errorf("list keys = %+v", list.Keys)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := ns.Get(ctx, "session"); ok {
		t.Error("key visible after expiry")
	}
	list, _ = ns.List(ctx, core.KVListOptions{})
	if len(list.Keys) != 0 {
		t.Errorf("expired key listed: %+v", list.Keys)
	}
}

func TestKV_ListPagination(t *testing.T) {
	for name, ns := range namespaces(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				if err := ns.Put(ctx, fmt.Sprintf("user:%d", i), "v", core.KVPutOptions{}); err != nil {
					t.Fatalf("Put: %v", err)
				}
			}
			if err := ns.Put(ctx, "other", "v", core.KVPutOptions{}); err != nil {
				t.Fatalf("Put: %v", err)
			}

			page1, err := ns.List(ctx, core.KVListOptions{Prefix: "user:", Limit: 3})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(page1.Keys) != 3 || page1.ListComplete || page1.Cursor == "" {
				t.Fatalf("page1 = %+v", page1)
			}
			if page1.Keys[0].Name != "user:0" || page1.Keys[2].Name != "user:2" {
				t.Errorf("page1 order = %+v", page1.Keys)
			}

			page2, err := ns.List(ctx, core.KVListOptions{Prefix: "user:", Limit: 3, Cursor: page1.Cursor})
			if err != nil {
				t.Fatalf("List page2: %v", err)
			}
			if len(page2.Keys) != 2 || !page2.ListComplete || page2.Cursor != "" {
				t.Fatalf("page2 = %+v", page2)
			}
			if page2.Keys[0].Name != "user:3" {
				t.Errorf("page2 first = %q, want user:3", page2.Keys[0].Name)
			}
		})
	}
}

func TestKV_NamespacesAreIsolated(t *testing.T) {
	a := newSQLiteNS(t, "A")
	b := NewSQLiteNamespace(a.db, "B")
	ctx := context.Background()
	if err := a.Put(ctx, "k", "from-a", core.KVPutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Error("namespace B sees namespace A's key")
	}
}

func TestKV_PrefixIsCaseSensitive(t *testing.T) {
	ns := newSQLiteNS(t, "CASE")
	ctx := context.Background()
	_ = ns.Put(ctx, "Apple", "1", core.KVPutOptions{})
	_ = ns.Put(ctx, "apple", "2", core.KVPutOptions{})
	list, err := ns.List(ctx, core.KVListOptions{Prefix: "app"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list.Keys) != 1 || list.Keys[0].Name != "apple" {
		t.Errorf("keys = %+v, want only apple", list.Keys)
	}
}

func TestPurgeExpired(t *testing.T) {
	ns := newSQLiteNS(t, "PURGE")
	ctx := context.Background()
	now := time.Now()
	if err := ns.Put(ctx, "temp", "x", core.KVPutOptions{ExpirationTTL: 60}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := ns.Put(ctx, "keep", "x", core.KVPutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	n, err := PurgeExpired(ctx, ns.db, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Errorf("escapeGlob = %q", got)
	}
}
