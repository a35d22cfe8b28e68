package backend

import (
	"fmt"
	"sync"
	"time"

	"rv-go/internal/rv"
)

type dbMessage interface {
	apply(w rv.DatabaseWriter) error
}

type volumeUpdateMsg rv.VolumeUpdate

func (m volumeUpdateMsg) apply(w rv.DatabaseWriter) error {
	return w.UpdateRemoteVolume(rv.VolumeUpdate(m))
}

type remoteOpMsg rv.RemoteOperation

func (m remoteOpMsg) apply(w rv.DatabaseWriter) error {
	op := rv.RemoteOperation(m)
	return w.LogRemoteOperation(&op)
}

type filesetMsg struct {
	name string
	ts   time.Time
}

func (m filesetMsg) apply(w rv.DatabaseWriter) error {
	return w.AddFileset(m.name, m.ts)
}

type activeUploadsMsg bool

func (m activeUploadsMsg) apply(w rv.DatabaseWriter) error {
	return w.SetTerminatedWithActiveUploads(bool(m))
}

// Collector buffers database writes produced by the handler and applies them
// in one transaction per flush, so queue throughput does not depend on
// database latency. A nil database makes every flush a no-op that drops the
// buffer, which is what untracked tooling wants.
type Collector struct {
	db          rv.Database
	operationID string
	clock       rv.Clock
	logger      rv.Logger

	mu      sync.Mutex
	pending []dbMessage

	// flushMu serializes flushes so messages are applied in order.
	flushMu sync.Mutex
}

func NewCollector(db rv.Database, operationID string, clock rv.Clock, logger rv.Logger) *Collector {
	return &Collector{db: db, operationID: operationID, clock: clock, logger: logger}
}

func (c *Collector) add(m dbMessage) {
	c.mu.Lock()
	c.pending = append(c.pending, m)
	c.mu.Unlock()
}

// UpdateRemoteVolume queues a remote volume state change.
func (c *Collector) UpdateRemoteVolume(u rv.VolumeUpdate) {
	c.add(volumeUpdateMsg(u))
}

// LogRemoteOperation queues an entry for the remote operation log.
func (c *Collector) LogRemoteOperation(action, path, data string) {
	c.add(remoteOpMsg{
		OperationID: c.operationID,
		Timestamp:   c.clock.Now(),
		Operation:   action,
		Path:        path,
		Data:        data,
	})
}

// AddFileset queues a fileset row for an uploaded Files-type volume.
func (c *Collector) AddFileset(volumeName string, ts time.Time) {
	c.add(filesetMsg{name: volumeName, ts: ts})
}

// SetActiveUploads queues the terminated-with-active-uploads flag.
func (c *Collector) SetActiveUploads(active bool) {
	c.add(activeUploadsMsg(active))
}

// Len returns the number of buffered messages.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush writes all buffered messages. On failure the messages are kept and
// retried by the next flush.
func (c *Collector) Flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	msgs := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(msgs) == 0 || c.db == nil {
		return nil
	}

	err := c.db.Batch(func(w rv.DatabaseWriter) error {
		for _, m := range msgs {
			if err := m.apply(w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.mu.Lock()
		c.pending = append(msgs, c.pending...)
		c.mu.Unlock()
		c.logger.Error("flushing pending database messages", "count", len(msgs), "error", err)
		return fmt.Errorf("flushing %d database messages: %w", len(msgs), err)
	}

	c.logger.Debug("flushed pending database messages", "count", len(msgs))
	return nil
}
