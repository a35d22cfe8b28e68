package backend

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"rv-go/internal/rv"
)

// OperationKind identifies a queued request.
type OperationKind int

const (
	OpList OperationKind = iota
	OpGet
	OpGetDirect
	OpPut
	OpPutVerification
	OpDelete
	OpQuota
	OpWaitForEmpty
)

func (k OperationKind) String() string {
	switch k {
	case OpList:
		return "list"
	case OpGet:
		return "get"
	case OpGetDirect:
		return "getdirect"
	case OpPut:
		return "put"
	case OpPutVerification:
		return "putverification"
	case OpDelete:
		return "delete"
	case OpQuota:
		return "quota"
	case OpWaitForEmpty:
		return "waitforempty"
	default:
		return "unknown"
	}
}

// operation is a queued request. Every operation is resolved exactly once:
// by the handler, by cancellation before it started, or by queue shutdown.
type operation interface {
	Kind() OperationKind
	base() *opBase
	fail(err error)
}

const (
	opQueued int32 = iota
	opRunning
	opAbandoned
)

type opBase struct {
	ctx   context.Context
	state atomic.Int32
}

// start claims the operation for execution. It fails if the operation was
// already abandoned by cancellation or shutdown.
func (b *opBase) start() bool { return b.state.CompareAndSwap(opQueued, opRunning) }

// abandon claims a queued operation so it can be failed without running.
func (b *opBase) abandon() bool { return b.state.CompareAndSwap(opQueued, opAbandoned) }

func (b *opBase) base() *opBase { return b }

// pending is a single-assignment result slot.
type pending[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newPending[T any]() *pending[T] {
	return &pending[T]{done: make(chan struct{})}
}

// resolve stores the result. Only the first call has an effect.
func (p *pending[T]) resolve(v T, err error) bool {
	first := false
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
		first = true
	})
	return first
}

func (p *pending[T]) wait() (T, error) {
	<-p.done
	return p.val, p.err
}

// Volume is a local file to be uploaded.
type Volume struct {
	Name string
	Type rv.RemoteVolumeType

	// Timestamp is the fileset time of a Files-type volume.
	Timestamp time.Time

	// Open returns the content. It is called once per attempt.
	Open func() (io.ReadCloser, error)
}

// FileVolume returns a Volume backed by a local file.
func FileVolume(name string, volType rv.RemoteVolumeType, path string) *Volume {
	return &Volume{
		Name: name,
		Type: volType,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// TempFile is a downloaded volume. The caller owns it and must Remove it.
type TempFile struct {
	Path string
	Size int64
	Hash string
}

func (f *TempFile) Open() (*os.File, error) { return os.Open(f.Path) }

func (f *TempFile) Remove() error {
	if f == nil {
		return nil
	}
	return os.Remove(f.Path)
}

type listOp struct {
	opBase
	result *pending[[]rv.FileEntry]
}

func (o *listOp) Kind() OperationKind { return OpList }
func (o *listOp) fail(err error)      { o.result.resolve(nil, err) }

type getOp struct {
	opBase
	name    string
	size    int64 // -1 when unknown
	hash    string
	decrypt bool
	result  *pending[*TempFile]
}

func (o *getOp) Kind() OperationKind { return OpGet }
func (o *getOp) fail(err error)      { o.result.resolve(nil, err) }

type getDirectOp struct {
	opBase
	name   string
	size   int64
	hash   string
	w      io.Writer
	result *pending[struct{}]
}

func (o *getDirectOp) Kind() OperationKind { return OpGetDirect }
func (o *getDirectOp) fail(err error)      { o.result.resolve(struct{}{}, err) }

type putOp struct {
	opBase
	vol   *Volume
	index *Volume

	// indexDone runs after the index volume was uploaded.
	indexDone func() error
	result    *pending[struct{}]
}

func (o *putOp) Kind() OperationKind { return OpPut }
func (o *putOp) fail(err error)      { o.result.resolve(struct{}{}, err) }

type putVerificationOp struct {
	opBase
	vol    *Volume
	result *pending[struct{}]
}

func (o *putVerificationOp) Kind() OperationKind { return OpPutVerification }
func (o *putVerificationOp) fail(err error)      { o.result.resolve(struct{}{}, err) }

type deleteOp struct {
	opBase
	name   string
	size   int64
	result *pending[struct{}]
}

func (o *deleteOp) Kind() OperationKind { return OpDelete }
func (o *deleteOp) fail(err error)      { o.result.resolve(struct{}{}, err) }

type quotaOp struct {
	opBase
	result *pending[*rv.QuotaInfo]
}

func (o *quotaOp) Kind() OperationKind { return OpQuota }
func (o *quotaOp) fail(err error)      { o.result.resolve(nil, err) }

type waitOp struct {
	opBase
	result *pending[struct{}]
}

func (o *waitOp) Kind() OperationKind { return OpWaitForEmpty }
func (o *waitOp) fail(err error)      { o.result.resolve(struct{}{}, err) }
