/*
Package bloom implements the local half of a replicated Bloom filter: a
concurrency safe bit vector, a deterministic double-hashing scheme and the
Filter that composes them.

A Filter only ever sets bits. Set is idempotent and commutative, so applying
the same keys in any order, any number of times, yields the same bit vector.
This is what lets replicas converge by exchanging keys over an unordered,
lossy and duplicating transport (see package replication).

Every replica of a deployment must be built from identical parameters:

	m     number of bits
	k     number of hash positions per key
	seeds the two 32-bit seeds of the base hashes
	fn    the base hash function (murmur3 or xxhash)

HashScheme.Fingerprint summarizes them so that mismatches can be detected on
the wire.
*/
package bloom
