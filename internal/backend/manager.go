package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"rv-go/internal/rv"
)

// Manager is the entry point for remote storage. Any number of goroutines may
// call it; every call is queued and executed in submission order by one
// Handler. Once the queue is stopped, every call fails with
// rv.ErrManagerStopped.
type Manager struct {
	ectx    *ExecuteContext
	handler *Handler

	activeMu      sync.Mutex
	activeUploads bool

	closeOnce sync.Once
	closeErr  error
}

// NewManager starts a handler for b and returns the manager in front of it.
func NewManager(b rv.Backend, ectx *ExecuteContext) *Manager {
	h := NewHandler(b, ectx)
	h.Start()
	return &Manager{ectx: ectx, handler: h}
}

// Context returns the shared execution context.
func (m *Manager) Context() *ExecuteContext { return m.ectx }

// Handler returns the queue consumer.
func (m *Manager) Handler() *Handler { return m.handler }

// submit queues op and waits for its result. Cancelling ctx resolves a still
// queued operation immediately; a running one sees ctx cancelled.
func submit[T any](m *Manager, ctx context.Context, op operation, p *pending[T]) (T, error) {
	if err := m.handler.enqueue(op); err != nil {
		if op.base().abandon() {
			op.fail(err)
		}
		return p.wait()
	}
	stop := context.AfterFunc(ctx, func() {
		if op.base().abandon() {
			op.fail(ctx.Err())
		}
	})
	defer stop()
	return p.wait()
}

// List returns the remote listing.
func (m *Manager) List(ctx context.Context) ([]rv.FileEntry, error) {
	op := &listOp{opBase: opBase{ctx: ctx}, result: newPending[[]rv.FileEntry]()}
	return submit(m, ctx, op, op.result)
}

// Get downloads name to a temp file, verifies it against size and hash and
// decrypts it. Pass size -1 or an empty hash to skip the respective check.
func (m *Manager) Get(ctx context.Context, name string, size int64, hash string) (*TempFile, error) {
	op := &getOp{opBase: opBase{ctx: ctx}, name: name, size: size, hash: hash, decrypt: true, result: newPending[*TempFile]()}
	return submit(m, ctx, op, op.result)
}

// GetWithInfo is Get for callers that need the remote Size and Hash of the
// downloaded content, which the returned TempFile carries. size and hash are
// checked as in Get.
func (m *Manager) GetWithInfo(ctx context.Context, name string, size int64, hash string) (*TempFile, error) {
	return m.Get(ctx, name, size, hash)
}

// GetDirect streams name into w without decrypting it, verifying size and hash.
func (m *Manager) GetDirect(ctx context.Context, name string, size int64, hash string, w io.Writer) error {
	op := &getDirectOp{opBase: opBase{ctx: ctx}, name: name, size: size, hash: hash, w: w, result: newPending[struct{}]()}
	_, err := submit(m, ctx, op, op.result)
	return err
}

// Put uploads vol and, after it succeeded, the paired index volume. indexDone
// runs only once the index volume is stored. With waitForComplete false Put
// returns once the volumes are queued; failures are then only logged.
func (m *Manager) Put(ctx context.Context, vol, index *Volume, indexDone func() error, waitForComplete bool) error {
	for _, v := range []*Volume{vol, index} {
		if v == nil {
			continue
		}
		m.ectx.Collector.UpdateRemoteVolume(rv.VolumeUpdate{Name: v.Name, Type: v.Type, State: rv.StateUploading, Size: -1})
	}
	if err := m.markActiveUploads(); err != nil {
		return err
	}

	if !waitForComplete {
		ctx = context.WithoutCancel(ctx)
	}
	op := &putOp{opBase: opBase{ctx: ctx}, vol: vol, index: index, indexDone: indexDone, result: newPending[struct{}]()}
	if !waitForComplete {
		if err := m.handler.enqueue(op); err != nil {
			m.handler.uploadFailed.Store(true)
			return err
		}
		return nil
	}
	_, err := submit(m, ctx, op, op.result)
	return err
}

func (m *Manager) markActiveUploads() error {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if !m.activeUploads {
		m.activeUploads = true
		m.ectx.Collector.SetActiveUploads(true)
	}
	return m.ectx.Collector.Flush()
}

// PutVerificationFile uploads vol unencrypted and without recording it as a
// remote volume.
func (m *Manager) PutVerificationFile(ctx context.Context, vol *Volume) error {
	op := &putVerificationOp{opBase: opBase{ctx: ctx}, vol: vol, result: newPending[struct{}]()}
	_, err := submit(m, ctx, op, op.result)
	return err
}

// Delete removes name. A missing remote file counts as deleted. With
// waitForComplete false the result is dropped.
func (m *Manager) Delete(ctx context.Context, name string, size int64, waitForComplete bool) error {
	if !waitForComplete {
		ctx = context.WithoutCancel(ctx)
	}
	op := &deleteOp{opBase: opBase{ctx: ctx}, name: name, size: size, result: newPending[struct{}]()}
	if !waitForComplete {
		return m.handler.enqueue(op)
	}
	_, err := submit(m, ctx, op, op.result)
	return err
}

// QuotaInfo returns the backend quota, or nil if the backend cannot report it.
func (m *Manager) QuotaInfo(ctx context.Context) (*rv.QuotaInfo, error) {
	op := &quotaOp{opBase: opBase{ctx: ctx}, result: newPending[*rv.QuotaInfo]()}
	return submit(m, ctx, op, op.result)
}

// WaitForEmpty returns once every previously queued operation has completed
// and the resulting database writes are flushed.
func (m *Manager) WaitForEmpty(ctx context.Context) error {
	if err := m.FlushPendingMessages(); err != nil {
		return err
	}
	op := &waitOp{opBase: opBase{ctx: ctx}, result: newPending[struct{}]()}
	if _, err := submit(m, ctx, op, op.result); err != nil {
		return err
	}
	return m.FlushPendingMessages()
}

// FlushPendingMessages writes buffered database updates.
func (m *Manager) FlushPendingMessages() error {
	return m.ectx.Collector.Flush()
}

// UpdateThrottleValues changes the transfer limits. In-flight transfers pick
// up the new limits. Ignored when throttling is disabled.
func (m *Manager) UpdateThrottleValues(maxUploadPerSecond, maxDownloadPerSecond int64) {
	if m.ectx.Options.DisableThrottle {
		m.ectx.Logger.Debug("Throttling is disabled, ignoring new limits")
		return
	}
	m.ectx.UploadLimiter.SetLimit(maxUploadPerSecond)
	m.ectx.DownloadLimiter.SetLimit(maxDownloadPerSecond)
}

// Close retires the queue, waits briefly for the running operation and
// flushes the database buffer. The active-upload flag is cleared only when
// every upload of this session went through.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		clean := m.handler.Shutdown(m.ectx.Options.ShutdownTimeout)

		m.activeMu.Lock()
		active := m.activeUploads
		m.activeMu.Unlock()

		if clean && active && !m.handler.UploadFailed() && m.handler.Err() == nil {
			m.ectx.Collector.SetActiveUploads(false)
		}
		if err := m.ectx.Collector.Flush(); err != nil {
			m.closeErr = fmt.Errorf("closing backend manager: %w", err)
		}
		if !clean && m.closeErr == nil {
			m.closeErr = errors.New("backend handler did not stop before the shutdown timeout")
		}
	})
	return m.closeErr
}
