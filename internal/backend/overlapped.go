package backend

import "context"

// DownloadRequest names a volume and what it is expected to contain.
// Size -1 and an empty Hash skip the checks.
type DownloadRequest struct {
	Name string
	Size int64
	Hash string
}

// DownloadResult is one completed download. File is nil when Err is set.
type DownloadResult struct {
	DownloadRequest
	File *TempFile
	Err  error
}

// GetFilesOverlapped downloads reqs in order and calls fn for each. The
// download of the next volume is queued before fn runs on the current one,
// so at most one download is ahead of the caller. The temp file is removed
// after fn returns. The first error from fn stops the iteration.
func (m *Manager) GetFilesOverlapped(ctx context.Context, reqs []DownloadRequest, fn func(DownloadResult) error) error {
	if len(reqs) == 0 {
		return nil
	}

	fetch := func(r DownloadRequest) <-chan DownloadResult {
		ch := make(chan DownloadResult, 1)
		queued := make(chan struct{})
		go func() {
			f, err := m.getQueued(ctx, r, queued)
			ch <- DownloadResult{DownloadRequest: r, File: f, Err: err}
		}()
		<-queued
		return ch
	}

	next := fetch(reqs[0])
	for i := range reqs {
		cur := <-next
		next = nil
		if i+1 < len(reqs) {
			next = fetch(reqs[i+1])
		}

		err := fn(cur)
		cur.File.Remove()
		if err != nil {
			if next != nil {
				if r := <-next; r.File != nil {
					r.File.Remove()
				}
			}
			return err
		}
	}
	return nil
}

// getQueued is Get that closes queued once the operation is in the queue,
// so the caller can rely on submission order.
func (m *Manager) getQueued(ctx context.Context, r DownloadRequest, queued chan<- struct{}) (*TempFile, error) {
	op := &getOp{opBase: opBase{ctx: ctx}, name: r.Name, size: r.Size, hash: r.Hash, decrypt: true, result: newPending[*TempFile]()}
	if err := m.handler.enqueue(op); err != nil {
		close(queued)
		return nil, err
	}
	close(queued)
	stop := context.AfterFunc(ctx, func() {
		if op.base().abandon() {
			op.fail(ctx.Err())
		}
	})
	defer stop()
	return op.result.wait()
}
