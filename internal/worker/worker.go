package worker

import "log/slog"

// Worker runs jobs handed to it on its private channel.
type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for w.pool.Release(w.jobChannel) {
			job := <-w.jobChannel
			if job.typ == stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.execute(job)
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer w.pool.onDone(job)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "module", "worker", "worker", w.id, "user_id", job.UserID, "panic", r)
		}
	}()
	if job.Fn != nil {
		job.Fn()
	}
}
