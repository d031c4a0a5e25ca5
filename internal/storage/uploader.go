package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
)

// Job is one file to upload.
type Job struct {
	ID           string
	LocalPath    string
	RemoteFolder string
	Name         string
	// Publish asks for a public link once the upload succeeds.
	Publish bool
}

type Result struct {
	Job    Job
	Object Object
	Err    error
}

// Uploader runs uploads on background workers. Results are delivered in
// completion order; recording them is up to the receiver.
type Uploader struct {
	store   Store
	logger  *zap.Logger
	jobs    chan Job
	results chan Result
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewUploader(ctx context.Context, store Store, workers int, logger *zap.Logger) *Uploader {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &Uploader{
		store:   store,
		logger:  logger,
		jobs:    make(chan Job),
		results: make(chan Result, workers),
	}
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.work(ctx)
	}
	go func() {
		u.wg.Wait()
		close(u.results)
	}()
	return u
}

// Submit queues job. It blocks while every worker is busy.
func (u *Uploader) Submit(ctx context.Context, job Job) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return goerr.New("uploader closed", goerr.V("job_id", job.ID))
	}
	select {
	case u.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Uploader) Results() <-chan Result {
	return u.results
}

// Close stops accepting jobs. Results is closed after running uploads finish.
func (u *Uploader) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.closed {
		u.closed = true
		close(u.jobs)
	}
}

func (u *Uploader) work(ctx context.Context) {
	defer u.wg.Done()
	for job := range u.jobs {
		u.results <- u.run(ctx, job)
	}
}

func (u *Uploader) run(ctx context.Context, job Job) (res Result) {
	res.Job = job
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("panic in upload worker", zap.String("job_id", job.ID), zap.Any("panic", r))
			res.Err = goerr.New(fmt.Sprintf("upload panicked: %v", r), goerr.V("job_id", job.ID))
		}
	}()
	obj, err := u.store.Upload(ctx, job.LocalPath, job.RemoteFolder, job.Name)
	if err != nil {
		u.logger.Warn("upload failed", zap.String("job_id", job.ID), zap.String("path", job.LocalPath), zap.Error(err))
		res.Err = err
		return res
	}
	if job.Publish {
		link, err := u.store.Publish(ctx, obj.RemotePath)
		if err != nil {
			// the blob is stored; a missing link is not fatal
			u.logger.Warn("publish failed", zap.String("remote_path", obj.RemotePath), zap.Error(err))
		}
		obj.PublicLink = link
	}
	res.Object = obj
	return res
}
