// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A test suite for validating conformance to the KVDB interface contract
//     (typed values, key validation, TTL, counters, batches, leases)
//   - benchmark: Performance tests for measuring throughput of common database operations
//
// Implementations receive a clock from the suite so that TTL and lease expiry
// can be tested without sleeping.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(t testing.TB, clock func() time.Time) db.KVDB {
//		return NewMyDatabase(clock)
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
