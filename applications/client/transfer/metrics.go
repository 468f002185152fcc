package transfer

import "sync/atomic"

// Metrics receives traffic counters. It is observability only.
type Metrics interface {
	AddUploaded(n int64)
	AddDownloaded(n int64)
}

// Counters is an in-process Metrics safe for concurrent use.
type Counters struct {
	uploaded   atomic.Int64
	downloaded atomic.Int64
}

func (c *Counters) AddUploaded(n int64)   { c.uploaded.Add(n) }
func (c *Counters) AddDownloaded(n int64) { c.downloaded.Add(n) }

func (c *Counters) Uploaded() int64   { return c.uploaded.Load() }
func (c *Counters) Downloaded() int64 { return c.downloaded.Load() }

type nopMetrics struct{}

func (nopMetrics) AddUploaded(int64)   {}
func (nopMetrics) AddDownloaded(int64) {}
