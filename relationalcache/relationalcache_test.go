package relationalcache

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-relational-cache/cache"
	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/internal/notify"
	"github.com/goliatone/go-relational-cache/internal/worker"
	"github.com/goliatone/go-relational-cache/jit"
	"github.com/goliatone/go-relational-cache/pkg/testsupport"
	"github.com/goliatone/go-relational-cache/sequencer"
	"github.com/goliatone/go-relational-cache/txn"
)

type User struct {
	bun.BaseModel `bun:"table:user"`

	ID     int64  `bun:"id,pk,autoincrement"`
	Name   string `bun:"name"`
	Email  string `bun:"email"`
	Age    int    `bun:"age"`
	TeamID *int64 `bun:"team_id"`
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	src      *testsupport.MemorySource
	identity cache.IdentityCache
	pool     *worker.Pool
	metrics  *Metrics
	users    *RelationalCache[*User]
}

func newHarness(t *testing.T, src *testsupport.MemorySource, configure ...func(*Options[*User])) *harness {
	t.Helper()

	identity, err := cache.NewIdentityCache(cache.DefaultConfig())
	if err != nil {
		t.Fatalf("identity cache: %v", err)
	}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	pool := worker.New(4, quiet)
	t.Cleanup(pool.Wait)

	opts := Options[*User]{
		Keys:         map[string][]string{"email": {"email"}},
		Runner:       pool,
		RetryBackoff: 20 * time.Millisecond,
		Logger:       quiet,
		Metrics:      metrics,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	users, err := NewStruct[User](src, identity, opts, nil)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return &harness{src: src, identity: identity, pool: pool, metrics: metrics, users: users}
}

func seededHarness(t *testing.T, configure ...func(*Options[*User])) *harness {
	t.Helper()
	return newHarness(t, testsupport.SeededSource(t, testsupport.FixturePath("users.json")), configure...)
}

func (h *harness) key(values ...any) string {
	return cache.NewDefaultKeySerializer().SerializeKey(h.users.Entity(), values...)
}

func userNames(users []*User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Name
	}
	return out
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := cv.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func write(t *testing.T, h *harness, fn func(ctx context.Context, tx *txn.Transaction) error) {
	t.Helper()
	ctx := context.Background()
	if err := txn.Run(ctx, h.src, "default", false, func(tx *txn.Transaction) error {
		return fn(ctx, tx)
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	h := seededHarness(t)

	if h.users.Entity() != "user" {
		t.Errorf("expected entity user, got %q", h.users.Entity())
	}
	if diff := cmp.Diff([]string{"id"}, h.users.PrimaryKey()); diff != "" {
		t.Errorf("primary key mismatch (-want +got):\n%s", diff)
	}
	read, wr := h.users.DataSources()
	if read != DefaultDataSource || wr != DefaultDataSource {
		t.Errorf("expected default data sources, got %q/%q", read, wr)
	}
}

func TestNew_DataSourceFallback(t *testing.T) {
	h := seededHarness(t, func(o *Options[*User]) { o.WriteDataSource = "primary" })

	read, wr := h.users.DataSources()
	if read != "primary" || wr != "primary" {
		t.Errorf("expected read to fall back to write, got %q/%q", read, wr)
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	src := testsupport.NewMemorySource()
	identity, err := cache.NewIdentityCache(cache.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts Options[*User]
	}{
		{name: "bad entity", opts: Options[*User]{Entity: "user; drop", Mapper: MustStructMapper[User](nil)}},
		{name: "bad key column", opts: Options[*User]{PrimaryKey: []string{""}, Mapper: MustStructMapper[User](nil)}},
		{name: "no mapper", opts: Options[*User]{}},
		{name: "empty secondary key", opts: Options[*User]{Keys: map[string][]string{"email": nil}, Mapper: MustStructMapper[User](nil)}},
		{name: "bad join", opts: Options[*User]{Joins: []string{"team x"}, Mapper: MustStructMapper[User](nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(src, identity, tt.opts)
			if !errors.Is(err, errors.Descriptor) {
				t.Errorf("expected descriptor error, got %v", err)
			}
		})
	}

	if _, err := New[*User](nil, identity, Options[*User]{Mapper: MustStructMapper[User](nil)}); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := New[*User](src, nil, Options[*User]{Mapper: MustStructMapper[User](nil)}); err == nil {
		t.Error("expected error for nil identity cache")
	}
}

func TestGet_ConcurrentCallsShareOneInstance(t *testing.T) {
	h := seededHarness(t)
	h.src.SetLatency(30 * time.Millisecond)

	const callers = 16
	results := make([]*User, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.users.Get(context.Background(), 1)
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different instance", i)
		}
	}
	if results[0].Name != "carol" || results[0].Age != 41 || results[0].TeamID == nil || *results[0].TeamID != 1 {
		t.Errorf("unexpected entity %+v", results[0])
	}
	if got := h.src.Calls(descriptor.Loader); got != 1 {
		t.Errorf("expected one load, got %d", got)
	}
	if got := counterValue(t, h.metrics.gets, "user"); got != callers {
		t.Errorf("expected %d gets recorded, got %v", callers, got)
	}
	if got := counterValue(t, h.metrics.misses, "user"); got != 1 {
		t.Errorf("expected 1 miss recorded, got %v", got)
	}
}

func TestGet_KeyTypesShareIdentity(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	a, err := h.users.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.users.Get(ctx, int64(2))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected int and int64 keys to resolve to one instance")
	}
}

func TestGet_HeldInstanceSurvivesTTL(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.TTL = 50 * time.Millisecond
	cfg.EvictionInterval = 10 * time.Millisecond
	identity, err := cache.NewIdentityCache(cfg)
	if err != nil {
		t.Fatal(err)
	}
	src := testsupport.SeededSource(t, testsupport.FixturePath("users.json"))
	users, err := NewStruct[User](src, identity, Options[*User]{Logger: quiet}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	held, err := users.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(120 * time.Millisecond)

	again, err := users.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again != held {
		t.Fatal("expected one instance for user 1 across the TTL")
	}
}

func TestGet_NotFound(t *testing.T) {
	h := seededHarness(t)

	_, err := h.users.Get(context.Background(), 99)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.identity.Size() != 0 {
		t.Errorf("expected nothing cached for a miss, got %d entries", h.identity.Size())
	}
}

func TestGet_KeyArity(t *testing.T) {
	h := seededHarness(t)

	for _, key := range [][]any{nil, {1, 2}, {nil}} {
		_, err := h.users.Get(context.Background(), key...)
		var pe *errors.PersistenceError
		if !errors.As(err, &pe) || pe.Op != "get" {
			t.Fatalf("key %v: expected get persistence error, got %v", key, err)
		}
		if !errors.Is(err, errors.Descriptor) {
			t.Errorf("key %v: expected descriptor code, got %v", key, err)
		}
	}
	if h.src.Calls(descriptor.Loader) != 0 {
		t.Error("expected no load for a malformed key")
	}
}

func TestGet_RetriesTransientFailureOnce(t *testing.T) {
	h := seededHarness(t, func(o *Options[*User]) { o.RetryBackoff = 40 * time.Millisecond })
	h.src.FailNext(descriptor.Loader, errors.New(errors.Transient, "connection reset"))

	start := time.Now()
	u, err := h.users.Get(context.Background(), 1)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if u.Name != "carol" {
		t.Errorf("unexpected entity %+v", u)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("expected at least the backoff to elapse, took %v", elapsed)
	}
	if got := h.src.Calls(descriptor.Loader); got != 2 {
		t.Errorf("expected 2 loads, got %d", got)
	}
	if got := counterValue(t, h.metrics.retries, "user"); got != 1 {
		t.Errorf("expected 1 retry recorded, got %v", got)
	}
}

func TestGet_SecondFailureKeepsFirstAsCause(t *testing.T) {
	h := seededHarness(t)
	first := errors.New(errors.Transient, "connection reset")
	second := errors.New(errors.Transient, "connection refused")
	h.src.FailNext(descriptor.Loader, first)
	h.src.FailNext(descriptor.Loader, second)

	_, err := h.users.Get(context.Background(), 1)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !stderrors.Is(err, first) {
		t.Errorf("expected first failure in chain, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected second failure in message, got %v", err)
	}
	var pe *errors.PersistenceError
	if !errors.As(err, &pe) || pe.Entity != "user" {
		t.Errorf("expected persistence error for user, got %v", err)
	}
	if h.src.Calls(descriptor.Loader) != 2 {
		t.Errorf("expected 2 loads, got %d", h.src.Calls(descriptor.Loader))
	}
}

func TestGet_NonTransientFailureNotRetried(t *testing.T) {
	h := seededHarness(t)
	h.src.FailNext(descriptor.Loader, errors.New(errors.Store, "syntax error"))

	_, err := h.users.Get(context.Background(), 1)
	if !errors.Is(err, errors.Store) {
		t.Fatalf("expected store error, got %v", err)
	}
	if h.src.Calls(descriptor.Loader) != 1 {
		t.Errorf("expected a single load, got %d", h.src.Calls(descriptor.Loader))
	}
}

func TestGet_RetryAbandonedOnCancel(t *testing.T) {
	h := seededHarness(t, func(o *Options[*User]) { o.RetryBackoff = time.Minute })
	h.src.FailNext(descriptor.Loader, errors.New(errors.Transient, "connection reset"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.users.Get(ctx, 1)
	if !errors.IsTransient(err) {
		t.Fatalf("expected the transient failure, got %v", err)
	}
	if h.src.Calls(descriptor.Loader) != 1 {
		t.Errorf("expected no second load, got %d", h.src.Calls(descriptor.Loader))
	}
}

func TestGetBy_ResolvesPrimaryInstance(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	byKey, err := h.users.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	byEmail, err := h.users.GetBy(ctx, "email", "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if byKey != byEmail {
		t.Error("expected the secondary key to resolve to the cached instance")
	}

	again, err := h.users.GetBy(ctx, "email", "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if again != byKey {
		t.Error("expected a cached alias to resolve to the same instance")
	}
	if got := h.src.Calls(descriptor.Loader); got != 2 {
		t.Errorf("expected one load per lookup path, got %d", got)
	}
}

func TestGetBy_Errors(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	if _, err := h.users.GetBy(ctx, "email", "nobody@example.com"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.users.GetBy(ctx, "phone", "555"); !errors.Is(err, errors.Descriptor) {
		t.Errorf("expected descriptor error for unknown key, got %v", err)
	}
	if _, err := h.users.GetBy(ctx, "email"); !errors.Is(err, errors.Descriptor) {
		t.Errorf("expected descriptor error for missing values, got %v", err)
	}
}

func TestGetBy_StaleAlias(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	carol, err := h.users.GetBy(ctx, "email", "carol@example.com")
	if err != nil {
		t.Fatal(err)
	}

	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		moved := *carol
		moved.Email = "carol@elsewhere.org"
		return h.users.Update(ctx, tx, &moved)
	})
	if carol.Email != "carol@elsewhere.org" {
		t.Fatalf("expected cached instance to take the update, got %q", carol.Email)
	}

	if _, err := h.users.GetBy(ctx, "email", "carol@example.com"); err != ErrNotFound {
		t.Errorf("expected stale alias to miss, got %v", err)
	}
	moved, err := h.users.GetBy(ctx, "email", "carol@elsewhere.org")
	if err != nil {
		t.Fatal(err)
	}
	if moved != carol {
		t.Error("expected the new email to resolve to the same instance")
	}
}

func TestCount(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	all, err := h.users.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	adults, err := h.users.Count(ctx, descriptor.Term("age", descriptor.GreaterThanOrEqual, 18))
	if err != nil {
		t.Fatal(err)
	}
	if all != 3 || adults != 2 {
		t.Errorf("expected 3 and 2, got %d and %d", all, adults)
	}

	h.src.FailNext(descriptor.Counter, errors.New(errors.Transient, "timeout"))
	_, err = h.users.Count(ctx)
	var pe *errors.PersistenceError
	if !errors.As(err, &pe) || pe.Op != "count" {
		t.Errorf("expected count persistence error, got %v", err)
	}
}

func TestRangeOnOneColumn(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()
	inRange := []descriptor.SearchTerm{
		descriptor.Term("age", descriptor.GreaterThanOrEqual, 18),
		descriptor.Term("age", descriptor.LessThan, 65),
	}

	n, err := h.users.Count(ctx, inRange...)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 users in range, got %d", n)
	}

	col, err := h.users.Find(ctx, inRange, OrderBy(false, "age"))
	if err != nil {
		t.Fatal(err)
	}
	found, err := col.Slice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ada", "carol"}, userNames(found)); diff != "" {
		t.Errorf("range mismatch (-want +got):\n%s", diff)
	}

	var removed int64
	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		var err error
		removed, err = h.users.RemoveWhere(ctx, tx,
			descriptor.Term("age", descriptor.GreaterThanOrEqual, 18),
			descriptor.Term("age", descriptor.LessThan, 40),
		)
		return err
	})
	if removed != 1 {
		t.Errorf("expected only ada removed, got %d rows", removed)
	}
	if _, err := h.users.Get(ctx, 1); err != nil {
		t.Errorf("expected carol to survive, got %v", err)
	}
}

func TestFind_OrderSeenByEveryConsumer(t *testing.T) {
	h := seededHarness(t)
	h.src.SetLatency(10 * time.Millisecond)

	col, err := h.users.Find(context.Background(), nil, OrderBy(false, "name"))
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"ada", "bob", "carol"}
	const consumers = 4
	got := make([][]string, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for u, err := range col.All(context.Background()) {
				if err != nil {
					t.Errorf("consumer %d: %v", i, err)
					return
				}
				got[i] = append(got[i], u.Name)
			}
		}(i)
	}
	wg.Wait()

	for i := range got {
		if diff := cmp.Diff(want, got[i]); diff != "" {
			t.Errorf("consumer %d order mismatch (-want +got):\n%s", i, diff)
		}
	}
	if col.Entity() != "user" {
		t.Errorf("expected collection entity user, got %q", col.Entity())
	}
}

func TestFind_EmptyCompletes(t *testing.T) {
	h := seededHarness(t)

	col, err := h.users.Find(context.Background(), []descriptor.SearchTerm{
		descriptor.Term("age", descriptor.GreaterThan, 100),
	})
	if err != nil {
		t.Fatal(err)
	}
	items, err := col.Slice(context.Background())
	if err != nil || len(items) != 0 {
		t.Errorf("expected empty completion, got %d items and %v", len(items), err)
	}
}

func TestFind_CacheAwareAndBypass(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	carol, err := h.users.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	first := func(col *jit.Collection[*User], err error) *User {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		u, ok, err := col.First(ctx)
		if err != nil || !ok {
			t.Fatalf("expected an item, got ok=%v err=%v", ok, err)
		}
		return u
	}

	byID := []descriptor.SearchTerm{descriptor.Eq("id", 1)}

	if u := first(h.users.Find(ctx, byID)); u != carol {
		t.Error("expected Find to return the cached instance")
	}
	if u := first(h.users.List(ctx, OrderBy(false, "id"))); u == carol || u.Name != carol.Name {
		t.Error("expected List to build a fresh, equal instance")
	}
	if u := first(h.users.List(WithCacheAware(ctx), OrderBy(false, "id"))); u != carol {
		t.Error("expected cache-aware List to return the cached instance")
	}
	if u := first(h.users.Find(WithCacheBypass(ctx), byID)); u == carol {
		t.Error("expected bypassing Find to build a fresh instance")
	}
	if got := counterValue(t, h.metrics.loads, "user", "cache_bypass"); got != 2 {
		t.Errorf("expected 2 bypass loads, got %v", got)
	}
}

func TestList_LeavesIdentityCacheUntouched(t *testing.T) {
	h := seededHarness(t)

	col, err := h.users.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	n, err := col.Len(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 items, got %d and %v", n, err)
	}
	if h.identity.Size() != 0 {
		t.Errorf("expected no cached entries, got %d", h.identity.Size())
	}
}

func TestFind_FilterAndJoin(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	col, err := h.users.Find(ctx, nil, OrderBy(false, "id"), Where(func(u *User) bool { return u.TeamID != nil }))
	if err != nil {
		t.Fatal(err)
	}
	items, err := col.Slice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"carol", "ada"}, userNames(items)); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}

	col, err = h.users.Find(ctx, []descriptor.SearchTerm{
		descriptor.JoinTerm("team", "name", descriptor.Equals, "ops"),
	}, Join("team"))
	if err != nil {
		t.Fatal(err)
	}
	items, err = col.Slice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ada"}, userNames(items)); diff != "" {
		t.Errorf("join mismatch (-want +got):\n%s", diff)
	}
}

func TestFind_FilterTypeMismatch(t *testing.T) {
	h := seededHarness(t)

	_, err := h.users.Find(context.Background(), nil, Where(func(r Record) bool { return true }))
	if !errors.Is(err, errors.Descriptor) {
		t.Errorf("expected descriptor error, got %v", err)
	}
}

func TestFind_ValidationFailureAtPosition(t *testing.T) {
	src := testsupport.NewMemorySource()
	src.Seed("user",
		txn.Row{"id": int64(1), "name": "carol", "age": int64(41)},
		txn.Row{"id": int64(2), "name": "mallory", "age": int64(-3)},
		txn.Row{"id": int64(3), "name": "bob", "age": int64(17)},
	)
	h := newHarness(t, src, func(o *Options[*User]) {
		o.Delegates = map[string]Delegate{
			"age":  Rules(validation.Min(0)),
			"name": DelegateFunc(func(raw any) bool { return raw != nil }),
		}
	})
	ctx := context.Background()

	col, err := h.users.Find(ctx, nil, OrderBy(false, "id"))
	if err != nil {
		t.Fatal(err)
	}

	it := col.Iterator()
	if !it.Next(ctx) || it.Value().Name != "carol" {
		t.Fatalf("expected the row before the failure, got err %v", it.Err())
	}
	if it.Next(ctx) {
		t.Fatalf("expected failure at position 1, got %+v", it.Value())
	}
	err = it.Err()
	if !errors.Is(err, errors.Validation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "row 1") || !strings.Contains(err.Error(), `"age"`) {
		t.Errorf("expected position and column in %q", err.Error())
	}
	var pe *errors.PersistenceError
	if !errors.As(err, &pe) || pe.Op != "find" {
		t.Errorf("expected find persistence error, got %v", err)
	}
	if got := counterValue(t, h.metrics.popFailures, "user"); got != 1 {
		t.Errorf("expected 1 population failure recorded, got %v", got)
	}

	if _, err := h.users.Get(ctx, 2); !errors.Is(err, errors.Validation) {
		t.Errorf("expected Get to reject the row, got %v", err)
	}
}

func TestCreate_GeneratedKey(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	var created *User
	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		var err error
		created, err = h.users.Create(ctx, tx, &User{Name: "dan", Email: "dan@example.com", Age: 29})
		return err
	})
	if created.ID != 4 {
		t.Fatalf("expected generated id 4, got %d", created.ID)
	}

	got, err := h.users.Get(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got != created {
		t.Error("expected the created instance to be cached")
	}
	if h.src.Calls(descriptor.Loader) != 0 {
		t.Error("expected Get to be served from the identity cache")
	}
	if got := counterValue(t, h.metrics.writes, "user", "create"); got != 1 {
		t.Errorf("expected 1 create recorded, got %v", got)
	}
}

func TestCreate_SequencerKey(t *testing.T) {
	seq := sequencer.NewMemory("user")
	for i := 0; i < 10; i++ {
		if _, err := seq.Next(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	h := seededHarness(t, func(o *Options[*User]) { o.Sequencer = seq })

	var created *User
	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		var err error
		created, err = h.users.Create(ctx, tx, &User{Name: "erin", Email: "erin@example.com"})
		return err
	})
	if created.ID != 11 {
		t.Fatalf("expected sequencer id 11, got %d", created.ID)
	}
	rows := h.src.Rows("user")
	if last := rows[len(rows)-1]; last["id"] != int64(11) {
		t.Errorf("expected stored id 11, got %v", last["id"])
	}

	// an explicit key is kept
	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		var err error
		created, err = h.users.Create(ctx, tx, &User{ID: 50, Name: "frank"})
		return err
	})
	if created.ID != 50 {
		t.Errorf("expected explicit id 50, got %d", created.ID)
	}
	if next, _ := seq.Next(context.Background()); next != 12 {
		t.Errorf("expected the sequencer to be used once, next is %d", next)
	}
}

func TestCreate_RollbackDropsRegistration(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	tx, err := txn.Begin(ctx, h.src, "default", false)
	if err != nil {
		t.Fatal(err)
	}
	created, err := h.users.Create(ctx, tx, &User{Name: "gus", Email: "gus@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.identity.Get(h.key(created.ID)); !ok {
		t.Fatal("expected the created instance to be registered before commit")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	if _, ok := h.identity.Get(h.key(created.ID)); ok {
		t.Error("expected rollback to evict the registration")
	}
	if _, err := h.users.Get(ctx, created.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after rollback, got %v", err)
	}
}

func TestWrites_RequireWritableTransaction(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	if _, err := h.users.Create(ctx, nil, &User{Name: "x"}); !errors.Is(err, errors.Transaction) {
		t.Errorf("expected transaction error for nil tx, got %v", err)
	}

	err := txn.Run(ctx, h.src, "default", true, func(tx *txn.Transaction) error {
		if err := h.users.Update(ctx, tx, &User{ID: 1}); !errors.Is(err, errors.Transaction) {
			t.Errorf("expected transaction error for read-only update, got %v", err)
		}
		if err := h.users.Remove(ctx, tx, &User{ID: 1}); !errors.Is(err, errors.Transaction) {
			t.Errorf("expected transaction error for read-only remove, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUpdate_AppliesStateToCachedInstance(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	cached, err := h.users.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		edit := *cached
		edit.Name = "caroline"
		return h.users.Update(ctx, tx, &edit)
	})

	if cached.Name != "caroline" {
		t.Errorf("expected cached instance to be updated, got %q", cached.Name)
	}
	again, err := h.users.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again != cached {
		t.Error("expected identity to survive the update")
	}
	if got := h.src.Rows("user")[0]["name"]; got != "caroline" {
		t.Errorf("expected stored name caroline, got %v", got)
	}
}

func TestUpdate_RollbackEvicts(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	cached, err := h.users.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}

	tx, err := txn.Begin(ctx, h.src, "default", false)
	if err != nil {
		t.Fatal(err)
	}
	edit := *cached
	edit.Age = 99
	if err := h.users.Update(ctx, tx, &edit); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := h.users.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded == cached {
		t.Error("expected rollback to evict the uncommitted state")
	}
	if reloaded.Age != 36 {
		t.Errorf("expected stored age 36, got %d", reloaded.Age)
	}
}

func TestRemove_EvictsBeforeReturning(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	ada, err := h.users.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.users.GetBy(ctx, "email", "ada@example.com"); err != nil {
		t.Fatal(err)
	}

	tx, err := txn.Begin(ctx, h.src, "default", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.users.Remove(ctx, tx, ada); err != nil {
		t.Fatal(err)
	}
	if h.identity.Size() != 0 {
		t.Errorf("expected key and alias evicted, got keys %v", h.identity.Keys())
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	// the row survived the rollback, a new instance is loaded
	fresh, err := h.users.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == ada {
		t.Error("expected a new instance after remove")
	}

	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		return h.users.Remove(ctx, tx, fresh)
	})
	if _, err := h.users.Get(ctx, 2); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after committed remove, got %v", err)
	}
}

func TestRemoveWhere_EvictsEntity(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	for _, id := range []int{1, 2, 3} {
		if _, err := h.users.Get(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	var removed int64
	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		var err error
		removed, err = h.users.RemoveWhere(ctx, tx, descriptor.Term("age", descriptor.GreaterThanOrEqual, 18))
		return err
	})
	if removed != 2 {
		t.Errorf("expected 2 removed rows, got %d", removed)
	}
	if h.identity.Size() != 0 {
		t.Errorf("expected every user evicted, got keys %v", h.identity.Keys())
	}
	if n, _ := h.users.Count(ctx); n != 1 {
		t.Errorf("expected 1 remaining row, got %d", n)
	}

	err := txn.Run(ctx, h.src, "default", false, func(tx *txn.Transaction) error {
		_, err := h.users.RemoveWhere(ctx, tx)
		return err
	})
	if !errors.Is(err, errors.Descriptor) {
		t.Errorf("expected descriptor error without terms, got %v", err)
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (n *recordingNotifier) Publish(ctx context.Context, ch Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, ch)
	return n.err
}

func (n *recordingNotifier) published() []Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Change(nil), n.changes...)
}

func TestNotifier_PublishesCommittedWrites(t *testing.T) {
	notifier := &recordingNotifier{}
	h := seededHarness(t, func(o *Options[*User]) { o.Notifier = notifier })
	ctx := context.Background()

	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		_, err := h.users.Create(ctx, tx, &User{Name: "hal"})
		return err
	})

	tx, err := txn.Begin(ctx, h.src, "default", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.users.Create(ctx, tx, &User{Name: "ivy"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		_, err := h.users.RemoveWhere(ctx, tx, descriptor.Eq("name", "bob"))
		return err
	})
	h.pool.Wait()

	got := notifier.published()
	if len(got) != 2 {
		t.Fatalf("expected 2 published changes, got %+v", got)
	}
	// publishing runs on the pool, so arrival order is not fixed
	byOp := map[notify.Op]Change{}
	for _, ch := range got {
		byOp[ch.Op] = ch
	}
	if ch := byOp[notify.OpCreate]; ch.Key != h.key(4) || ch.Entity != "user" {
		t.Errorf("unexpected create change %+v", ch)
	}
	if ch, ok := byOp[notify.OpRemoveWhere]; !ok || ch.Key != "" {
		t.Errorf("unexpected remove_where change %+v", ch)
	}
}

func TestHandleChange(t *testing.T) {
	h := seededHarness(t)
	ctx := context.Background()

	for _, id := range []int{1, 2} {
		if _, err := h.users.Get(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.users.HandleChange(ctx, Change{Entity: "team", Op: notify.OpUpdate, Key: "team::1"}); err != nil {
		t.Fatal(err)
	}
	if h.identity.Size() != 2 {
		t.Errorf("expected other entities to be ignored, got %d entries", h.identity.Size())
	}

	for _, email := range []string{"carol@example.com", "ada@example.com"} {
		if _, err := h.users.GetBy(ctx, "email", email); err != nil {
			t.Fatal(err)
		}
	}
	carolAlias := h.key("@email", "carol@example.com")
	adaAlias := h.key("@email", "ada@example.com")

	if err := h.users.HandleChange(ctx, Change{Entity: "user", Op: notify.OpUpdate, Key: h.key(1)}); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.identity.Get(h.key(1)); ok {
		t.Error("expected the changed key to be evicted")
	}
	if _, ok := h.identity.Get(carolAlias); ok {
		t.Error("expected the changed row's alias to be evicted")
	}
	if _, ok := h.identity.Get(h.key(2)); !ok {
		t.Error("expected other keys to stay cached")
	}
	if _, ok := h.identity.Get(adaAlias); !ok {
		t.Error("expected other aliases to stay cached")
	}

	if err := h.users.HandleChange(ctx, Change{Entity: "user", Op: notify.OpRemoveWhere}); err != nil {
		t.Fatal(err)
	}
	if h.identity.Size() != 0 {
		t.Errorf("expected entity eviction, got %d entries", h.identity.Size())
	}
}

func TestRecordMapperCache(t *testing.T) {
	src := testsupport.SeededSource(t, testsupport.FixturePath("users.json"))
	identity, err := cache.NewIdentityCache(cache.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	records, err := New(src, identity, Options[Record]{
		Entity: "user",
		Mapper: NewRecordMapper(nil),
		Logger: quiet,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, err := records.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := records.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if a["name"] != "ada" {
		t.Errorf("unexpected record %v", a)
	}
	a["nickname"] = "countess"
	if b["nickname"] != "countess" {
		t.Error("expected both lookups to share one record")
	}
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t, testsupport.NewMemorySource())
	ctx := context.Background()

	var created *User
	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		var err error
		created, err = h.users.Create(ctx, tx, &User{ID: 1, Name: "ada", Email: "ada@example.com", Age: 36})
		return err
	})

	got, err := h.users.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != created {
		t.Fatal("expected Get to return the created instance")
	}

	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		got.Age = 37
		return h.users.Update(ctx, tx, got)
	})
	again, err := h.users.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if again != created || again.Age != 37 {
		t.Fatalf("expected the same instance with age 37, got %+v", again)
	}

	write(t, h, func(ctx context.Context, tx *txn.Transaction) error {
		return h.users.Remove(ctx, tx, again)
	})
	if _, err := h.users.Get(ctx, 1); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	a.get("user")
	b.get("user")
	if got := counterValue(t, a.gets, "user"); got != 2 {
		t.Errorf("expected shared counter at 2, got %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.get("user")
}
