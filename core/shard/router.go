// Package shard holds the client-side shard abstractions: key routing, the
// per-transaction operation buffer, and the facade the coordinator drives.
package shard

import "hash/crc32"

// ForKey returns the shard index responsible for key. Routing is a CRC32 of
// the key modulo the shard count, so every coordinator and every tool maps a
// key to the same shard as long as the cluster size matches. The shard count
// must be positive.
func ForKey(key string, shards int) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(shards))
}
