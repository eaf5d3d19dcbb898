package autotest

import (
	"github.com/omegaup/autotest/common"
)

// A Queue is an ordered collection of pending jobs. It does not enforce any
// capacity bound nor uniqueness, and it is not safe for concurrent use: the
// AutoTest that owns it serializes all access.
type Queue struct {
	Name string
	jobs []*common.JobInput
}

// NewQueue returns an empty Queue.
func NewQueue(name string) *Queue {
	return &Queue{
		Name: name,
	}
}

// Push appends job to the tail of the queue.
func (q *Queue) Push(job *common.JobInput) {
	q.jobs = append(q.jobs, job)
}

// Pop removes and returns the head of the queue.
func (q *Queue) Pop() (*common.JobInput, bool) {
	if len(q.jobs) == 0 {
		return nil, false
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job, true
}

// Remove removes and returns the first job whose key matches.
func (q *Queue) Remove(key common.JobKey) (*common.JobInput, bool) {
	idx := q.PositionOf(key)
	if idx < 0 {
		return nil, false
	}
	job := q.jobs[idx]
	copy(q.jobs[idx:], q.jobs[idx+1:])
	q.jobs[len(q.jobs)-1] = nil
	q.jobs = q.jobs[:len(q.jobs)-1]
	return job, true
}

// PositionOf returns the zero-based position of the job with the provided key,
// or -1 if it is not in the queue.
func (q *Queue) PositionOf(key common.JobKey) int {
	for idx, job := range q.jobs {
		if job.Key() == key {
			return idx
		}
	}
	return -1
}

// Contains returns whether a job with the provided key is in the queue.
func (q *Queue) Contains(key common.JobKey) bool {
	return q.PositionOf(key) >= 0
}

// Len returns the number of jobs in the queue.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Jobs returns a copy of the queued jobs, head first.
func (q *Queue) Jobs() []*common.JobInput {
	return append([]*common.JobInput(nil), q.jobs...)
}
