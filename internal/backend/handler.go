package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"rv-go/internal/rv"
	"rv-go/internal/volume"
)

// Resolver looks up hostnames before a retry.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Handler is the single consumer of the operation queue. It owns the backend:
// nothing else calls into it, and it never runs two operations at once.
type Handler struct {
	backend  rv.Backend
	ectx     *ExecuteContext
	log      rv.Logger
	resolver Resolver

	mu      sync.Mutex
	queue   []operation
	retired bool
	fault   error
	notify  chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	uploadFailed atomic.Bool
}

// NewHandler creates a handler. Call Start to begin draining the queue.
func NewHandler(b rv.Backend, ectx *ExecuteContext) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		backend:  b,
		ectx:     ectx,
		log:      ectx.Logger,
		resolver: net.DefaultResolver,
		notify:   make(chan struct{}, 1),
		baseCtx:  ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// SetResolver replaces the resolver used for DNS pre-checks.
func (h *Handler) SetResolver(r Resolver) { h.resolver = r }

func (h *Handler) Start() { go h.run() }

// Done is closed when the handler goroutine has exited.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Err returns the fault that stopped the handler, if any.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fault
}

// UploadFailed reports whether any tracked upload failed or was dropped.
func (h *Handler) UploadFailed() bool { return h.uploadFailed.Load() }

func (h *Handler) stoppedErr() error {
	if h.fault != nil {
		return fmt.Errorf("%w: %w", rv.ErrManagerStopped, h.fault)
	}
	return rv.ErrManagerStopped
}

func (h *Handler) signal() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Handler) enqueue(op operation) error {
	h.mu.Lock()
	if h.retired {
		err := h.stoppedErr()
		h.mu.Unlock()
		return err
	}
	h.queue = append(h.queue, op)
	h.mu.Unlock()
	h.signal()
	return nil
}

// next blocks until an operation is available. It returns false once the
// queue is retired.
func (h *Handler) next() (operation, bool) {
	for {
		h.mu.Lock()
		if h.retired {
			h.mu.Unlock()
			return nil, false
		}
		if len(h.queue) > 0 {
			op := h.queue[0]
			h.queue[0] = nil
			h.queue = h.queue[1:]
			h.mu.Unlock()
			return op, true
		}
		h.mu.Unlock()
		<-h.notify
	}
}

// retire stops accepting operations and fails every queued one. A non-nil
// fault is wrapped into the error returned by later calls.
func (h *Handler) retire(fault error) {
	h.mu.Lock()
	if h.retired {
		h.mu.Unlock()
		return
	}
	h.retired = true
	h.fault = fault
	drained := h.queue
	h.queue = nil
	err := h.stoppedErr()
	h.mu.Unlock()
	h.signal()

	for _, op := range drained {
		if op.base().abandon() {
			if op.Kind() == OpPut {
				h.uploadFailed.Store(true)
			}
			op.fail(err)
		}
	}
}

// Shutdown retires the queue and waits up to timeout for the running
// operation to finish. After the timeout the running operation is cancelled.
// It reports whether the handler stopped in time.
func (h *Handler) Shutdown(timeout time.Duration) bool {
	h.retire(nil)
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		h.log.Warn("Backend handler did not stop in time, cancelling the running operation", "timeout", timeout)
		h.cancel()
		return false
	}
}

func (h *Handler) run() {
	defer close(h.done)
	defer h.cancel()

	if h.ectx.Options.TestConnection {
		if err := h.backend.Test(h.baseCtx); err != nil {
			h.log.Error("Backend connection test failed", "tag", "ConnectionTestFailed", "error", err)
			h.retire(fmt.Errorf("testing backend connection: %w", err))
			return
		}
	}

	for {
		op, ok := h.next()
		if !ok {
			return
		}
		if !h.execute(op) {
			return
		}
	}
}

// opContext derives the context an operation runs under: cancelled when the
// caller cancels or when the handler is shut down.
func (h *Handler) opContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// execute runs one operation. It returns false if the handler faulted.
func (h *Handler) execute(op operation) (ok bool) {
	b := op.base()
	if !b.start() {
		return true
	}

	ctx, done := h.opContext(b.ctx)
	defer done()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("backend handler panic during %s: %v", op.Kind(), r)
			h.log.Error("Backend handler crashed", "tag", "HandlerFault", "operation", op.Kind().String(), "error", err)
			if op.Kind() == OpPut {
				h.uploadFailed.Store(true)
			}
			op.fail(err)
			h.retire(err)
			ok = false
		}
	}()

	if err := ctx.Err(); err != nil {
		if op.Kind() == OpPut {
			h.uploadFailed.Store(true)
		}
		op.fail(err)
		return true
	}

	switch o := op.(type) {
	case *listOp:
		files, err := h.list(ctx)
		h.report(op, err)
		o.result.resolve(files, err)
	case *getOp:
		f, err := h.get(ctx, o)
		h.report(op, err)
		o.result.resolve(f, err)
	case *getDirectOp:
		err := h.getDirect(ctx, o)
		h.report(op, err)
		o.result.resolve(struct{}{}, err)
	case *putOp:
		err := h.put(ctx, o)
		h.report(op, err)
		o.result.resolve(struct{}{}, err)
	case *putVerificationOp:
		err := h.upload(ctx, o.vol, false)
		h.report(op, err)
		o.result.resolve(struct{}{}, err)
	case *deleteOp:
		err := h.delete(ctx, o)
		h.report(op, err)
		o.result.resolve(struct{}{}, err)
	case *quotaOp:
		q, err := h.quota(ctx)
		h.report(op, err)
		o.result.resolve(q, err)
	case *waitOp:
		o.result.resolve(struct{}{}, nil)
	default:
		panic(fmt.Sprintf("unknown operation type %T", op))
	}
	return true
}

func (h *Handler) report(op operation, err error) {
	if err != nil {
		h.log.Warn("Backend operation failed", "operation", op.Kind().String(), "error", err)
	}
}

func (h *Handler) policy(ctx context.Context) backoff.BackOff {
	o := h.ectx.Options
	var b backoff.BackOff
	if o.RetryWithExponentialBackoff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = o.RetryDelay
		if o.MaxRetryDelay > 0 {
			eb.MaxInterval = o.MaxRetryDelay
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(o.RetryDelay)
	}
	retries := max(o.NumberOfRetries, 0)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func isPermanent(err error) bool {
	var ie *rv.IntegrityError
	return rv.IsNotFound(err) || errors.Is(err, rv.ErrQuotaUnsupported) || errors.As(err, &ie)
}

// withRetry runs fn until it succeeds, fails permanently or the retry budget
// is spent. Not-found and integrity failures are never retried.
func (h *Handler) withRetry(ctx context.Context, action, name string, fn func(context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case isPermanent(err):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		h.log.Warn("Backend operation failed, retrying",
			"tag", "RetryOperation", "action", action, "name", name,
			"attempt", attempt, "delay", wait, "error", err)
		h.checkDNS(ctx)
	}
	return backoff.RetryNotify(op, h.policy(ctx), notify)
}

// checkDNS logs backend hostnames that fail to resolve, which usually
// explains a run of transport failures.
func (h *Handler) checkDNS(ctx context.Context) {
	names, err := h.backend.DNSNames(ctx)
	if err != nil {
		h.log.Debug("Failed to get backend DNS names", "error", err)
		return
	}
	for _, name := range names {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := h.resolver.LookupHost(lctx, name)
		cancel()
		if err != nil {
			h.log.Warn("Failed to resolve backend hostname", "tag", "DNSLookupFailed", "host", name, "error", err)
		}
	}
}

type transferLog struct {
	Size int64  `json:"Size"`
	Hash string `json:"Hash"`
}

func logData(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (h *Handler) list(ctx context.Context) ([]rv.FileEntry, error) {
	var files []rv.FileEntry
	createdFolder := false
	err := h.withRetry(ctx, "list", "", func(ctx context.Context) error {
		var err error
		files, err = h.backend.List(ctx)
		if errors.Is(err, rv.ErrFolderMissing) && h.ectx.Options.AutoCreateFolder && !createdFolder {
			createdFolder = true
			h.log.Info("Remote folder is missing, creating it", "tag", "CreateMissingFolder")
			if err := h.backend.CreateFolder(ctx); err != nil {
				return fmt.Errorf("creating remote folder: %w", err)
			}
			h.ectx.Collector.LogRemoteOperation("createfolder", "", "")
			files, err = h.backend.List(ctx)
		}
		return err
	})
	if err != nil {
		h.ectx.Collector.LogRemoteOperation("list", "", err.Error())
		return nil, fmt.Errorf("listing remote files: %w", err)
	}
	h.ectx.Collector.LogRemoteOperation("list", "", logData(files))
	return files, nil
}

func verifyDownload(name string, size int64, hash string, gotSize int64, gotHash string) error {
	if size >= 0 && gotSize != size {
		return &rv.IntegrityError{Name: name, Tag: "SizeMismatch", Expected: strconv.FormatInt(size, 10), Actual: strconv.FormatInt(gotSize, 10)}
	}
	if hash != "" && gotHash != hash {
		return &rv.IntegrityError{Name: name, Tag: "HashMismatch", Expected: hash, Actual: gotHash}
	}
	return nil
}

// download streams name into a new temp file.
func (h *Handler) download(ctx context.Context, name string) (*TempFile, error) {
	f, err := os.CreateTemp(h.ectx.Options.TempDir, "rv-get-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	hw := newHashingWriter(f)
	err = h.backend.Get(ctx, name, h.ectx.DownloadLimiter.Writer(ctx, hw))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return nil, err
	}
	h.ectx.Stats.AddDownloaded(hw.n)
	return &TempFile{Path: f.Name(), Size: hw.n, Hash: hw.sum()}, nil
}

func (h *Handler) get(ctx context.Context, o *getOp) (*TempFile, error) {
	var tf *TempFile
	err := h.withRetry(ctx, "get", o.name, func(ctx context.Context) error {
		f, err := h.download(ctx, o.name)
		if err != nil {
			return err
		}
		if err := verifyDownload(o.name, o.size, o.hash, f.Size, f.Hash); err != nil {
			f.Remove()
			return err
		}
		tf = f
		return nil
	})
	if err != nil {
		h.ectx.Collector.LogRemoteOperation("get", o.name, err.Error())
		return nil, fmt.Errorf("downloading %s: %w", o.name, err)
	}
	h.ectx.Collector.LogRemoteOperation("get", o.name, logData(transferLog{Size: tf.Size, Hash: tf.Hash}))

	if o.decrypt && h.ectx.Decrypter != nil && volume.IsEncrypted(o.name) {
		if err := h.decrypt(tf); err != nil {
			tf.Remove()
			return nil, fmt.Errorf("decrypting %s: %w", o.name, err)
		}
	}
	return tf, nil
}

// decrypt replaces the content of f with its plaintext. Size and Hash keep
// describing the remote content.
func (h *Handler) decrypt(f *TempFile) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(h.ectx.Options.TempDir, "rv-dec-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	err = h.ectx.Decrypter.Decrypt(in, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return err
	}
	os.Remove(f.Path)
	f.Path = out.Name()
	return nil
}

func (h *Handler) getDirect(ctx context.Context, o *getDirectOp) error {
	err := h.withRetry(ctx, "get", o.name, func(ctx context.Context) error {
		hw := newHashingWriter(o.w)
		if err := h.backend.Get(ctx, o.name, h.ectx.DownloadLimiter.Writer(ctx, hw)); err != nil {
			if hw.n > 0 {
				// the destination already holds partial content
				return backoff.Permanent(err)
			}
			return err
		}
		h.ectx.Stats.AddDownloaded(hw.n)
		return verifyDownload(o.name, o.size, o.hash, hw.n, hw.sum())
	})
	if err != nil {
		h.ectx.Collector.LogRemoteOperation("get", o.name, err.Error())
		return fmt.Errorf("downloading %s: %w", o.name, err)
	}
	h.ectx.Collector.LogRemoteOperation("get", o.name, "")
	return nil
}

func (h *Handler) put(ctx context.Context, o *putOp) error {
	if err := h.upload(ctx, o.vol, true); err != nil {
		h.uploadFailed.Store(true)
		return err
	}
	if o.index == nil {
		return nil
	}
	if err := h.upload(ctx, o.index, true); err != nil {
		h.uploadFailed.Store(true)
		return fmt.Errorf("uploading index volume: %w", err)
	}
	if o.indexDone != nil {
		if err := o.indexDone(); err != nil {
			return fmt.Errorf("completing index volume %s: %w", o.index.Name, err)
		}
	}
	return nil
}

// upload sends vol to the backend. Tracked uploads are encrypted when the
// name asks for it and recorded in the database.
func (h *Handler) upload(ctx context.Context, vol *Volume, tracked bool) error {
	encrypt := tracked && h.ectx.Encryptor != nil && volume.IsEncrypted(vol.Name)

	var size int64
	var sum string
	err := h.withRetry(ctx, "put", vol.Name, func(ctx context.Context) error {
		var err error
		size, sum, err = h.putOnce(ctx, vol, encrypt)
		return err
	})
	if err != nil {
		h.ectx.Collector.LogRemoteOperation("put", vol.Name, err.Error())
		return fmt.Errorf("uploading %s: %w", vol.Name, err)
	}

	h.ectx.Stats.AddUploaded(size)
	h.ectx.Collector.LogRemoteOperation("put", vol.Name, logData(transferLog{Size: size, Hash: sum}))
	if tracked {
		h.ectx.Collector.UpdateRemoteVolume(rv.VolumeUpdate{
			Name:  vol.Name,
			Type:  vol.Type,
			State: rv.StateUploaded,
			Size:  size,
			Hash:  sum,
		})
		if vol.Type == rv.VolumeTypeFiles {
			h.ectx.Collector.AddFileset(vol.Name, vol.Timestamp)
		}
	}
	h.log.Info("Uploaded volume", "name", vol.Name, "size", humanize.Bytes(uint64(size)))
	return nil
}

func (h *Handler) putOnce(ctx context.Context, vol *Volume, encrypt bool) (int64, string, error) {
	rc, err := vol.Open()
	if err != nil {
		return 0, "", backoff.Permanent(fmt.Errorf("opening %s: %w", vol.Name, err))
	}
	defer rc.Close()

	var src io.Reader = rc
	if encrypt {
		pr, pw := io.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			pw.CloseWithError(h.ectx.Encryptor.Encrypt(rc, pw))
		}()
		// the encrypter reads rc, so it must return before rc is closed
		defer func() {
			pr.Close()
			<-done
		}()
		src = pr
	}

	hr := newHashingReader(src)
	err = h.backend.Put(ctx, vol.Name, h.ectx.UploadLimiter.Reader(ctx, hr))
	return hr.n, hr.sum(), err
}

func (h *Handler) delete(ctx context.Context, o *deleteOp) error {
	err := h.withRetry(ctx, "delete", o.name, func(ctx context.Context) error {
		return h.backend.Delete(ctx, o.name)
	})
	if errors.Is(err, rv.ErrFileMissing) {
		h.log.Info("Remote file was already deleted", "name", o.name)
		err = nil
	}
	if err != nil {
		h.ectx.Collector.LogRemoteOperation("delete", o.name, err.Error())
		return fmt.Errorf("deleting %s: %w", o.name, err)
	}
	h.ectx.Collector.LogRemoteOperation("delete", o.name, "")
	h.ectx.Collector.UpdateRemoteVolume(rv.VolumeUpdate{Name: o.name, State: rv.StateDeleted, Size: o.size})
	return nil
}

func (h *Handler) quota(ctx context.Context) (*rv.QuotaInfo, error) {
	qb, ok := h.backend.(rv.QuotaBackend)
	if !ok {
		return nil, nil
	}
	var q *rv.QuotaInfo
	err := h.withRetry(ctx, "quota", "", func(ctx context.Context) error {
		var err error
		q, err = qb.QuotaInfo(ctx)
		return err
	})
	if errors.Is(err, rv.ErrQuotaUnsupported) {
		return nil, nil
	}
	if err != nil {
		h.ectx.Collector.LogRemoteOperation("quota", "", err.Error())
		return nil, fmt.Errorf("getting quota: %w", err)
	}
	h.ectx.Collector.LogRemoteOperation("quota", "", logData(q))
	return q, nil
}
