// Package rdb supplies the fixed, empty-database RDB snapshot the
// primary sends in response to PSYNC. The RDB format itself is out of
// scope for this server: real snapshotting is never performed, so a
// single constant blob stands in for "a complete empty database", the
// same placeholder value on every full resync.
package rdb

// EmptySnapshot is adapted from the teacher's generateEmptyRDB: the
// nine-byte "REDIS0009" magic/version header, an EOF opcode, and an
// 8-byte checksum field. The checksum is left as zero — this server
// never verifies it (the replica discards the payload outright), and a
// fixed placeholder keeps the blob a compile-time constant rather than
// something computed at startup.
var EmptySnapshot = []byte{
	'R', 'E', 'D', 'I', 'S', '0', '0', '0', '9',
	0xFF,
	0, 0, 0, 0, 0, 0, 0, 0,
}
