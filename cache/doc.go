// Package cache provides the identity cache contract and the key serializer
// used to address entries in it.
//
// # Overview
//
//   - IdentityCache: holds at most one instance per key and runs a single
//     in-flight fetch per key
//   - KeySerializer: builds stable keys from an entity namespace and key values
//
// # Basic Usage
//
//	identity, err := cache.NewIdentityCache(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	keys := cache.NewDefaultKeySerializer()
//
//	user, err := cache.GetOrFetch(ctx, identity, keys.SerializeKey("user", 42), func(ctx context.Context) (*User, error) {
//		return loadUser(ctx, 42)
//	})
//
// # Key Normalization
//
// Drivers disagree on the Go type of a key column: sqlite returns int64, mysql
// may return []byte, a caller passes an int. The default serializer prints all
// of them the same way so the identity of a row does not depend on who read it:
//
//   - integer and integral float kinds: base 10
//   - []byte: the bytes as text
//   - time.Time: RFC 3339 in UTC
//   - fmt.Stringer (uuid.UUID, ...): String()
//   - slices, arrays and maps: recursive, maps sorted by key
//   - anything else: JSON
//
// Keys for one entity share the prefix returned by KeyPrefix, which is what
// DeleteByPrefix evicts when a bulk write touches unknown rows.
//
// # Lifetime
//
// An instance stays registered from its first load until Delete or
// DeleteByPrefix removes it. TTL and capacity only bound the sturdyc tier that
// deduplicates fetches; an entry that expires there is still served from the
// registry, so a key never has two live instances. Only a load after an
// explicit eviction builds a new one.
package cache
