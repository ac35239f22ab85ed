package coordinator

import "github.com/richinsley/comfyjobs/job"

// recentJobs remembers the final snapshot of the last finished jobs,
// including those history does not retain, so lookups by id keep working
// after a job leaves the queue.
type recentJobs struct {
	limit int
	order []string
	byID  map[string]job.Snapshot
}

func newRecentJobs(limit int) *recentJobs {
	if limit <= 0 {
		limit = DefaultOptions().RecentJobs
	}
	return &recentJobs{limit: limit, byID: make(map[string]job.Snapshot)}
}

func (r *recentJobs) add(snap job.Snapshot) {
	if _, ok := r.byID[snap.ID]; !ok {
		r.order = append(r.order, snap.ID)
	}
	r.byID[snap.ID] = snap
	for len(r.order) > r.limit {
		delete(r.byID, r.order[0])
		r.order[0] = ""
		r.order = r.order[1:]
	}
}

func (r *recentJobs) get(id string) (job.Snapshot, bool) {
	snap, ok := r.byID[id]
	return snap, ok
}
