package jobs

import "container/heap"

// pendingSet is a heap of QUEUED jobs ordered by priority, then by
// submission sequence. It is guarded by Queue.mu; entries' priority and seq
// never change while they are in the set.
type pendingSet []*Job

func (ps pendingSet) Len() int { return len(ps) }

func (ps pendingSet) Less(i, j int) bool {
	return runsBefore(ps[i], ps[j])
}

func (ps pendingSet) Swap(i, j int) {
	ps[i], ps[j] = ps[j], ps[i]
	ps[i].heapIndex = i
	ps[j].heapIndex = j
}

func (ps *pendingSet) Push(x any) {
	j := x.(*Job)
	j.heapIndex = len(*ps)
	*ps = append(*ps, j)
}

func (ps *pendingSet) Pop() any {
	old := *ps
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.heapIndex = -1
	*ps = old[:n-1]
	return j
}

// remove deletes j from the set if present.
func (ps *pendingSet) remove(j *Job) bool {
	i := j.heapIndex
	if i < 0 || i >= len(*ps) || (*ps)[i] != j {
		return false
	}
	heap.Remove(ps, i)
	return true
}

// runsBefore reports whether a should be selected before b.
func runsBefore(a, b *Job) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}
