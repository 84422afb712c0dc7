package scheduler

import "container/heap"

// jobQueue is a binary min-heap of jobs ordered by next fire time, in the
// shape of go-ethereum's common/prque priority queue adapted to the
// Scheduler's specific element type instead of a generic (value, priority)
// pair, since a job also needs an index for O(log n) advance/remove.
type jobQueue struct {
	items []*Job
}

func newJobQueue() *jobQueue {
	return &jobQueue{}
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	return q.items[i].fireAt < q.items[j].fireAt
}

func (q *jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*Job)
	j.index = len(q.items)
	q.items = append(q.items, j)
}

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	q.items = old[:n-1]
	return j
}

func (q *jobQueue) push(j *Job) {
	heap.Push(q, j)
}

func (q *jobQueue) peek() *Job {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *jobQueue) popFront() *Job {
	return heap.Pop(q).(*Job)
}

// fix re-establishes heap order after a job's fireAt was mutated in place
// (used by advance).
func (q *jobQueue) fix(j *Job) {
	if j.index >= 0 {
		heap.Fix(q, j.index)
	}
}

// remove deletes a job from the queue in O(log n) using its known index.
func (q *jobQueue) remove(j *Job) {
	if j.index >= 0 && j.index < len(q.items) && q.items[j.index] == j {
		heap.Remove(q, j.index)
	}
}
