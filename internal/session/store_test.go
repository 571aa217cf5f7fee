package session

import (
	"context"
	"database/sql/driver"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"stark-backend/internal/agent"
	"stark-backend/internal/storage/mysql/mysqltest"
	redisstore "stark-backend/internal/storage/redis"
)

func sampleContext(t *testing.T) *agent.Context {
	t.Helper()
	c := agent.NewContext("migrate the billing service")
	steps := []agent.Call{
		&agent.SelectMode{Mode: agent.ModePlan, Reasoning: "scope is known"},
		&agent.AddNote{Note: "keep the old API alive"},
		&agent.CreateTask{ID: "A", Subject: "schema", Description: "add columns"},
		&agent.CreateTask{ID: "B", Subject: "backfill", Description: "copy data", BlockedBy: []string{"A"}},
		&agent.ReadyToPerform{Confirmation: "ok"},
		&agent.StartTask{TaskID: "A"},
	}
	for _, call := range steps {
		if _, err := agent.Apply(c, call); err != nil {
			t.Fatalf("apply %s: %v", call.Tool(), err)
		}
	}
	c.TotalIterations = 3
	c.ModeIterations = 1
	return c
}

func assertSameContext(t *testing.T, want, got *agent.Context) {
	t.Helper()
	if got.Mode != want.Mode || got.TotalIterations != want.TotalIterations || got.ModeIterations != want.ModeIterations {
		t.Fatalf("counters differ: want %s/%d/%d got %s/%d/%d",
			want.Mode, want.TotalIterations, want.ModeIterations, got.Mode, got.TotalIterations, got.ModeIterations)
	}
	if !reflect.DeepEqual(got.Tasks.Tasks(), want.Tasks.Tasks()) {
		t.Fatalf("tasks differ after round trip")
	}
	if !reflect.DeepEqual(got.Scratchpad, want.Scratchpad) || !reflect.DeepEqual(got.Transitions, want.Transitions) {
		t.Fatalf("notes or transitions differ after round trip")
	}
	if got.OriginalRequest != want.OriginalRequest || got.PlanReady != want.PlanReady {
		t.Fatalf("request or flags differ after round trip")
	}
}

func TestStoresRoundTrip(t *testing.T) {
	fileStore, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := SubagentKey("exec-1")
			original := sampleContext(t)

			if _, err := store.LoadContext(ctx, key); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected not found before save, got %v", err)
			}
			if err := store.SaveContext(ctx, key, original); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := store.LoadContext(ctx, key)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			assertSameContext(t, original, loaded)

			loaded.Scratchpad = append(loaded.Scratchpad, "local change")
			again, _ := store.LoadContext(ctx, key)
			if len(again.Scratchpad) != len(original.Scratchpad) {
				t.Fatalf("loaded context shares state with the store")
			}

			if err := store.DeleteContext(ctx, key); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := store.DeleteContext(ctx, key); err != nil {
				t.Fatalf("second delete should be a no-op: %v", err)
			}
			if _, err := store.LoadContext(ctx, key); !errors.Is(err, ErrSessionNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
		})
	}
}

func TestSaveRejectsEmptyKey(t *testing.T) {
	if err := NewMemoryStore().SaveContext(context.Background(), " ", agent.NewContext("x")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestKeys(t *testing.T) {
	if Key(42) != "42" || SubagentKey("abc") != "subagent:abc" {
		t.Fatalf("unexpected keys %q %q", Key(42), SubagentKey("abc"))
	}
}

func TestMySQLStoreRoundTrip(t *testing.T) {
	original := sampleContext(t)
	db, drv := mysqltest.New(t,
		mysqltest.Exec(upsertContextSQL, mysqltest.Result{Affected: 1}),
	)
	store := NewMySQLStore(db)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := store.SaveContext(context.Background(), "42", original); err != nil {
		t.Fatalf("save: %v", err)
	}
	drv.AssertConsumed(t)

	args := drv.Args(0)
	if len(args) != 7 || args[0] != "42" || args[1] != string(agent.ModePerform) || args[6] != int64(1700000000) {
		t.Fatalf("unexpected upsert args: %v", args)
	}
	payload, ok := args[4].(string)
	if !ok {
		t.Fatalf("payload should be a string, got %T", args[4])
	}

	db2, drv2 := mysqltest.New(t,
		mysqltest.Query(selectContextSQL, mysqltest.Rows{
			Columns: []string{"payload"},
			Values:  [][]driver.Value{{payload}},
		}),
		mysqltest.Query(selectContextSQL, mysqltest.Rows{Columns: []string{"payload"}}),
		mysqltest.Exec(deleteContextSQL, mysqltest.Result{Affected: 1}),
	)
	reader := NewMySQLStore(db2)
	loaded, err := reader.LoadContext(context.Background(), "42")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSameContext(t, original, loaded)

	if _, err := reader.LoadContext(context.Background(), "43"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := reader.DeleteContext(context.Background(), "42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	drv2.AssertConsumed(t)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("STARK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STARK_TEST_REDIS_ADDR 未设置，跳过 Redis 集成测试")
	}
	ctx := context.Background()
	client, err := redisstore.NewClient(ctx, redisstore.Config{Address: addr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	store := NewRedisStore(client, WithRedisPrefix("stark:test:"), WithTTL(time.Minute))
	defer store.Close()

	original := sampleContext(t)
	if err := store.SaveContext(ctx, "rt", original); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.LoadContext(ctx, "rt")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSameContext(t, original, loaded)
	if err := store.DeleteContext(ctx, "rt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.LoadContext(ctx, "rt"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
