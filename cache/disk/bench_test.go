package disk

import (
	"bytes"
	"fmt"
	"io"
	"testing"
)

var benchSinkBytes []byte

func benchPut(b *testing.B, c *Cache, key string, data []byte) {
	b.Helper()
	ed, err := c.Edit(key)
	if err != nil || ed == nil {
		b.Fatalf("Edit(%s) = %v, %v", key, ed, err)
	}
	w, err := ed.NewWriter(0)
	if err != nil {
		b.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		b.Fatal(err)
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
	if err := ed.Commit(); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkCacheGetHit(b *testing.B) {
	c, err := Open(b.TempDir(), 64<<20)
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	data := bytes.Repeat([]byte{0xab}, 32<<10)
	keys := make([]string, 128)
	for i := range keys {
		keys[i] = HashKey(fmt.Sprintf("https://example.com/%d.jpg", i))
		benchPut(b, c, keys[i], data)
	}

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; b.Loop(); i++ {
		snap, err := c.Get(keys[i%len(keys)])
		if err != nil || snap == nil {
			b.Fatalf("Get() = %v, %v", snap, err)
		}
		benchSinkBytes, err = io.ReadAll(snap.Reader(0))
		if err != nil {
			b.Fatal(err)
		}
		_ = snap.Close()
	}
}

func BenchmarkCacheCommit(b *testing.B) {
	cases := []struct {
		name string
		size int
	}{
		{name: "size=4k", size: 4 << 10},
		{name: "size=256k", size: 256 << 10},
	}
	for _, tc := range cases {
		b.Run(tc.name, func(b *testing.B) {
			// Small enough that steady state includes eviction.
			c, err := Open(b.TempDir(), int64(tc.size)*64)
			if err != nil {
				b.Fatal(err)
			}
			defer c.Close()

			data := bytes.Repeat([]byte{0xcd}, tc.size)
			b.SetBytes(int64(tc.size))
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; b.Loop(); i++ {
				benchPut(b, c, HashKey(fmt.Sprint(i)), data)
			}
		})
	}
}
