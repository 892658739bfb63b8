package dime

import "sync/atomic"

// Metrics is an interface for tracking broker-level statistics. Server
// internals call Increment* as frames are read/written and connections
// come and go; collectors read via Get*. Mirrors the teacher library's
// atomic-counter Metrics interface, re-themed from Azure transaction
// counts to broker frame/connection counts.
type Metrics interface {
	IncrementConnectionsAccepted()
	IncrementConnectionsClosed()
	IncrementFramesRead()
	IncrementFramesWritten()
	IncrementBytesRead(n int64)
	IncrementBytesWritten(n int64)
	IncrementProtocolErrors()

	GetConnectionsAccepted() int64
	GetConnectionsClosed() int64
	GetFramesRead() int64
	GetFramesWritten() int64
	GetBytesRead() int64
	GetBytesWritten() int64
	GetProtocolErrors() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	connectionsAccepted int64
	connectionsClosed   int64
	framesRead          int64
	framesWritten       int64
	bytesRead           int64
	bytesWritten        int64
	protocolErrors      int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementConnectionsAccepted() {
	atomic.AddInt64(&m.connectionsAccepted, 1)
}
func (m *DefaultMetrics) IncrementConnectionsClosed() {
	atomic.AddInt64(&m.connectionsClosed, 1)
}
func (m *DefaultMetrics) IncrementFramesRead()    { atomic.AddInt64(&m.framesRead, 1) }
func (m *DefaultMetrics) IncrementFramesWritten() { atomic.AddInt64(&m.framesWritten, 1) }
func (m *DefaultMetrics) IncrementBytesRead(n int64) {
	atomic.AddInt64(&m.bytesRead, n)
}
func (m *DefaultMetrics) IncrementBytesWritten(n int64) {
	atomic.AddInt64(&m.bytesWritten, n)
}
func (m *DefaultMetrics) IncrementProtocolErrors() { atomic.AddInt64(&m.protocolErrors, 1) }

func (m *DefaultMetrics) GetConnectionsAccepted() int64 {
	return atomic.LoadInt64(&m.connectionsAccepted)
}
func (m *DefaultMetrics) GetConnectionsClosed() int64 {
	return atomic.LoadInt64(&m.connectionsClosed)
}
func (m *DefaultMetrics) GetFramesRead() int64    { return atomic.LoadInt64(&m.framesRead) }
func (m *DefaultMetrics) GetFramesWritten() int64 { return atomic.LoadInt64(&m.framesWritten) }
func (m *DefaultMetrics) GetBytesRead() int64     { return atomic.LoadInt64(&m.bytesRead) }
func (m *DefaultMetrics) GetBytesWritten() int64   { return atomic.LoadInt64(&m.bytesWritten) }
func (m *DefaultMetrics) GetProtocolErrors() int64 { return atomic.LoadInt64(&m.protocolErrors) }
