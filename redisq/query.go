package redisq

import (
	"context"
	"sort"
	"strconv"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

var _ queue.Backend = (*Backend)(nil)

// GetJobs lists jobs matching the filters, ordered by created_at descending
// with id-descending tie-break. Candidates come from the narrowest index
// available; residual filtering happens client-side.
func (b *Backend) GetJobs(ctx context.Context, filters queue.JobFilters) ([]*queue.Job, error) {
	ids, err := b.candidateIDs(ctx, filters)
	if err != nil {
		return nil, err
	}

	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		h, err := b.rdb.HGetAll(ctx, b.keys.job(id)).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "reading job %d", id)
		}
		if len(h) == 0 {
			continue // deleted between index read and hash read
		}
		job, err := jobFromHash(h)
		if err != nil {
			return nil, err
		}
		if !matches(job, filters) {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[filters.Offset:]
	}
	if filters.Limit > 0 && len(jobs) > filters.Limit {
		jobs = jobs[:filters.Limit]
	}
	return jobs, nil
}

func (b *Backend) candidateIDs(ctx context.Context, filters queue.JobFilters) ([]int64, error) {
	var members []string
	var err error
	switch {
	case filters.Status != nil:
		members, err = b.rdb.SMembers(ctx, b.keys.status(string(*filters.Status))).Result()
	case filters.JobType != "":
		members, err = b.rdb.SMembers(ctx, b.keys.jobType(filters.JobType)).Result()
	default:
		members, err = b.rdb.ZRevRange(ctx, b.keys.all(), 0, -1).Result()
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing job candidates")
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad job id %q in index", m)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func matches(job *queue.Job, filters queue.JobFilters) bool {
	if filters.Status != nil && job.Status != *filters.Status {
		return false
	}
	if filters.JobType != "" && job.JobType != filters.JobType {
		return false
	}
	if filters.GroupID != "" && (job.Group == nil || job.Group.ID != filters.GroupID) {
		return false
	}
	if !filters.MatchTags(job.Tags) {
		return false
	}
	if !filters.RunAt.Matches(job.RunAt) {
		return false
	}
	return true
}

// CountJobsByStatus reports queue depth per status.
func (b *Backend) CountJobsByStatus(ctx context.Context) (map[queue.JobStatus]int, error) {
	statuses := []queue.JobStatus{
		queue.JobStatusPending, queue.JobStatusProcessing, queue.JobStatusWaiting,
		queue.JobStatusCompleted, queue.JobStatusFailed, queue.JobStatusCancelled,
	}
	counts := make(map[queue.JobStatus]int, len(statuses))
	for _, st := range statuses {
		n, err := b.rdb.SCard(ctx, b.keys.status(string(st))).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "counting %s jobs", st)
		}
		counts[st] = int(n)
	}
	return counts, nil
}
