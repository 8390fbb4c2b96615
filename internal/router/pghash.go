package router

// PostgreSQL-compatible hash partitioning. A key sharded here lands on the
// same partition a backend `PARTITION BY HASH` table would place it on:
// hashint8extended with the partition seed, combined and reduced modulo the
// shard count exactly as satisfies_hash_partition does.

// hashPartitionSeed is HASH_PARTITION_SEED from the backend.
const hashPartitionSeed = 0x7A5B22367996DCFD

func rot(x uint32, k uint) uint32 {
	return x<<k | x>>(32-k)
}

// hashUint32Extended is hash_bytes_uint32_extended: Jenkins lookup3 over a
// single 32-bit word with a 64-bit seed.
func hashUint32Extended(k uint32, seed uint64) uint64 {
	a := uint32(0x9e3779b9) + 4 + 3923095
	b := a
	c := a

	if seed != 0 {
		a += uint32(seed >> 32)
		b += uint32(seed)
		// mix(a, b, c)
		a -= c
		a ^= rot(c, 4)
		c += b
		b -= a
		b ^= rot(a, 6)
		a += c
		c -= b
		c ^= rot(b, 8)
		b += a
		a -= c
		a ^= rot(c, 16)
		c += b
		b -= a
		b ^= rot(a, 19)
		a += c
		c -= b
		c ^= rot(b, 4)
		b += a
	}

	a += k

	// final(a, b, c)
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)

	return uint64(b)<<32 | uint64(c)
}

// hashInt8Extended is hashint8extended: fold the 64-bit value into 32 bits
// (sign-dependent) and hash the word.
func hashInt8Extended(val int64, seed uint64) uint64 {
	lohalf := uint32(val)
	hihalf := uint32(uint64(val) >> 32)
	if val >= 0 {
		lohalf ^= hihalf
	} else {
		lohalf ^= ^hihalf
	}
	return hashUint32Extended(lohalf, seed)
}

// hashCombine64 is the backend's hash_combine64.
func hashCombine64(a, b uint64) uint64 {
	a ^= b + 0x49a0f4dd15e5a8e3 + (a << 54) + (a >> 7)
	return a
}

// HashShard maps a bigint sharding key to a shard, matching the placement
// of `PARTITION BY HASH` with the same modulus.
func HashShard(key int64, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	rowHash := hashCombine64(0, hashInt8Extended(key, hashPartitionSeed))
	return int(rowHash % uint64(shardCount))
}
