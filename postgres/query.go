package postgres

import (
	"context"
	"strconv"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// GetJobs lists jobs matching the filters, newest first.
func (b *Backend) GetJobs(ctx context.Context, filters queue.JobFilters) ([]*queue.Job, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filters.Status != nil {
		where = append(where, "status = "+arg(string(*filters.Status)))
	}
	if filters.JobType != "" {
		where = append(where, "job_type = "+arg(filters.JobType))
	}
	if filters.GroupID != "" {
		where = append(where, "group_id = "+arg(filters.GroupID))
	}
	if len(filters.Tags) > 0 {
		mode := filters.TagMatch
		if mode == "" {
			mode = queue.TagMatchAll
		}
		p := arg(filters.Tags)
		switch mode {
		case queue.TagMatchAll:
			where = append(where, "tags @> "+p)
		case queue.TagMatchAny:
			where = append(where, "tags && "+p)
		case queue.TagMatchExact:
			where = append(where, "tags @> "+p+" AND tags <@ "+p)
		case queue.TagMatchNone:
			where = append(where, "NOT (tags && "+p+")")
		default:
			return nil, errors.Newf("unknown tag match mode %q", mode)
		}
	}
	if f := filters.RunAt; f != nil {
		if f.Eq != nil {
			where = append(where, "date_trunc('milliseconds', run_at) = date_trunc('milliseconds', "+arg(f.Eq.UTC())+"::timestamptz)")
		}
		if f.Gt != nil {
			where = append(where, "run_at > "+arg(f.Gt.UTC()))
		}
		if f.Gte != nil {
			where = append(where, "run_at >= "+arg(f.Gte.UTC()))
		}
		if f.Lt != nil {
			where = append(where, "run_at < "+arg(f.Lt.UTC()))
		}
		if f.Lte != nil {
			where = append(where, "run_at <= "+arg(f.Lte.UTC()))
		}
	}

	sql := `SELECT ` + jobColumns + ` FROM job_queue WHERE ` + joinAnd(where) +
		` ORDER BY created_at DESC, id DESC`
	if filters.Limit > 0 {
		sql += " LIMIT " + arg(filters.Limit)
	}
	if filters.Offset > 0 {
		sql += " OFFSET " + arg(filters.Offset)
	}

	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	return jobs, nil
}

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}

// CountJobsByStatus returns the number of jobs per status.
func (b *Backend) CountJobsByStatus(ctx context.Context) (map[queue.JobStatus]int, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT status, count(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "counting jobs by status")
	}
	defer rows.Close()

	counts := map[queue.JobStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scanning status count")
		}
		counts[queue.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "counting jobs by status")
	}
	return counts, nil
}
