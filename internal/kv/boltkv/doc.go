// Package boltkv implements the kv engine contract on bbolt.
//
// Each object store is a bucket keyed by an order-preserving key encoding;
// values are JSON records. Each secondary index is a bucket whose keys are
// encode(indexValue) || encode(primaryKey), so a prefix scan finds every
// record with a given index value in primary-key order.
//
// The schema version and store/index definitions live in the _meta bucket.
// Auto-increment keys use the store bucket's sequence.
//
// bbolt holds an exclusive file lock, so a database can only be open in one
// process at a time. Numeric keys are encoded as float64; integers beyond
// 2^53 lose precision.
package boltkv
