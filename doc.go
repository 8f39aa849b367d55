// Package imgcache loads images into sinks through a two-tier cache.
//
// A [Loader] serves each request from the memory tier when it can, and
// otherwise dispatches a background task that reads the disk tier or
// fetches, decodes and caches the image. Results are delivered to a [Sink]
// only while the sink still wants them: a later request or [Loader.CancelWork]
// on the same sink discards any earlier in-flight result.
//
// Basic usage:
//
//	c, err := cache.New(cache.DefaultParams(dir))
//	if err != nil {
//		return err
//	}
//	go c.InitDiskCache()
//
//	l, err := imgcache.New(c, fetch.NewRouter(), codec.New())
//	if err != nil {
//		return err
//	}
//	defer l.Close(context.Background())
//
//	l.Request("https://example.com/cat.png", sink)
//
// Concurrent requests for the same key share one fetch and decode. Work
// can be paused with [Loader.SetPauseWork], for example while a list is
// scrolling, and resumed later without losing or duplicating deliveries.
package imgcache
