package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/kvcore/lib/db"
	"github.com/ValentinKolb/kvcore/lib/kv"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		benchmarks := []struct {
			name string
			fn   func(b *testing.B, database db.KVDB)
		}{
			{"Set", benchmarkSet},
			{"SetWithExpiry", benchmarkSetWithExpiry},
			{"Get", benchmarkGet},
			{"Incr", benchmarkIncr},
			{"IncrSameKey", benchmarkIncrSameKey},
			{"MSet", benchmarkMSet},
			{"Lock", benchmarkLock},
			{"MixedUsage", benchmarkMixedUsage},
		}

		for _, bm := range benchmarks {
			b.Run(bm.name, func(b *testing.B) {
				database := factory(b, time.Now)
				b.Cleanup(func() {
					database.Close()
				})
				bm.fn(b, database)
			})
		}
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkSet(b *testing.B, database db.KVDB) {
	var counter atomic.Int64
	value := kv.Bytes(make([]byte, 64))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("key-%d", counter.Add(1))
			if err := database.Set(key, value, 0); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkSetWithExpiry(b *testing.B, database db.KVDB) {
	var counter atomic.Int64
	value := kv.String("value")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			key := fmt.Sprintf("key-%d", counter.Add(1)%10000)
			if err := database.Set(key, value, time.Minute); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkGet(b *testing.B, database db.KVDB) {
	const numKeys = 10000
	for i := 0; i < numKeys; i++ {
		if err := database.Set(fmt.Sprintf("key-%d", i), kv.Int(int64(i)), 0); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			if _, _, err := database.Get(fmt.Sprintf("key-%d", r.Intn(numKeys))); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkIncr(b *testing.B, database db.KVDB) {
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			if _, err := database.Incr(fmt.Sprintf("counter-%d", r.Intn(1024)), 1); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkIncrSameKey(b *testing.B, database db.KVDB) {
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := database.Incr("hot", 1); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkMSet(b *testing.B, database db.KVDB) {
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		pairs := make([]kv.Pair, 16)
		for pb.Next() {
			base := counter.Add(1)
			for i := range pairs {
				pairs[i] = kv.Pair{Key: fmt.Sprintf("batch-%d-%d", base, i), Value: kv.Int(base)}
			}
			if err := database.MSet(pairs, 0); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func benchmarkLock(b *testing.B, database db.KVDB) {
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		owner := fmt.Sprintf("owner-%d", counter.Add(1))
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			key := fmt.Sprintf("resource-%d", r.Intn(256))
			ok, err := database.Lock(key, owner, time.Second)
			if err != nil {
				b.Fatal(err)
			}
			if ok {
				if _, err := database.Unlock(key, owner); err != nil {
					b.Fatal(err)
				}
			}
		}
	})
}

// 80% reads, 15% writes, 5% increments
func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	const numKeys = 10000
	for i := 0; i < numKeys; i++ {
		if err := database.Set(fmt.Sprintf("key-%d", i), kv.String("initial"), 0); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			key := fmt.Sprintf("key-%d", r.Intn(numKeys))
			switch op := r.Intn(100); {
			case op < 80:
				_, _, _ = database.Get(key)
			case op < 95:
				_ = database.Set(key, kv.String("updated"), 0)
			default:
				_, _ = database.Incr("mixed-counter", 1)
			}
		}
	})
}
