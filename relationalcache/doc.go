// Package relationalcache provides the persistence facade that sits between
// application code and a relational store.
//
// # Overview
//
// A RelationalCache[T] serves one entity type. Every read is turned into a
// query descriptor, executed in its own read-only transaction, and the rows
// are handed to a background task that resolves them into entities while the
// caller already holds the resulting collection. Writes execute inside a
// transaction the caller owns.
//
// # Key Features
//
//   - **Identity**: at most one cached instance per primary key; concurrent
//     loads of a key share a single query
//   - **Lazy results**: Find and List return a jit.Collection that fills in
//     the background and can be traversed by any number of consumers
//   - **Two population strategies**: cache-aware (Find, Get) and
//     cache-bypassing (List), overridable per call with WithStrategy
//   - **Lookup delegates**: per-column checks applied to every row before it
//     is resolved
//   - **Retry**: Get and GetBy retry a transient store failure once after a
//     fixed backoff
//   - **Transaction hooks**: uncommitted state never survives a rollback in the
//     identity cache, and committed writes can be announced to other processes
//
// # Basic Usage
//
//	identity, _ := cache.NewIdentityCache(cache.DefaultConfig())
//	users, err := relationalcache.NewStruct[User](store, identity, relationalcache.Options[*User]{
//		PrimaryKey: []string{"id"},
//		Keys:       map[string][]string{"email": {"email"}},
//	}, nil)
//
//	u, err := users.Get(ctx, 42)
//	same, err := users.GetBy(ctx, "email", "ada@example.com")
//
//	adults, err := users.Find(ctx, []descriptor.SearchTerm{
//		descriptor.Term("age", descriptor.GreaterThanOrEqual, 18),
//	}, relationalcache.OrderBy(false, "name"))
//	for user, err := range adults.All(ctx) {
//		...
//	}
//
// Writes take a transaction:
//
//	err := txn.Run(ctx, store, "main", false, func(tx *txn.Transaction) error {
//		created, err := users.Create(ctx, tx, &User{Name: "Ada"})
//		...
//	})
//
// # Errors
//
// Every operation fails with a *errors.PersistenceError. The code of the
// underlying cause (Transient, Validation, Descriptor, ...) is reachable with
// errors.Is. Get and GetBy return ErrNotFound, unwrapped, when no row matches.
// A population failure is recorded on the collection and surfaces only when a
// consumer reaches the failing row's position.
//
// # Identity And Freshness
//
// A cache-aware read returns the cached instance for a key even when the row
// just loaded holds newer values: identity is guaranteed, freshness is not.
// Update applies the written state to the cached instance. Remove evicts the
// instance before it returns, and RemoveWhere evicts every instance of the
// entity since the affected keys are unknown.
package relationalcache
