package redisq

import "strconv"

// DefaultKeyPrefix namespaces every key the backend touches.
const DefaultKeyPrefix = "dq:"

// keyset builds the key layout behind the configurable prefix. Index keys:
// "all" (zset by createdAt), "queue" (ready zset, score
// priority*10^15 + (10^15 - createdAtMs)), "delayed"/"retry"/"waiting"
// (zsets by their deadline), per-status and per-type and per-tag sets,
// per-job event lists, idempotency strings, waitpoint and cron hashes.
type keyset struct {
	prefix string
}

func (k keyset) job(id int64) string { return k.prefix + "job:" + strconv.FormatInt(id, 10) }

func (k keyset) jobTags(id int64) string { return k.job(id) + ":tags" }

func (k keyset) events(id int64) string {
	return k.prefix + "events:" + strconv.FormatInt(id, 10)
}

func (k keyset) all() string     { return k.prefix + "all" }
func (k keyset) queue() string   { return k.prefix + "queue" }
func (k keyset) delayed() string { return k.prefix + "delayed" }
func (k keyset) retry() string   { return k.prefix + "retry" }
func (k keyset) waiting() string { return k.prefix + "waiting" }

func (k keyset) status(s string) string  { return k.prefix + "status:" + s }
func (k keyset) jobType(t string) string { return k.prefix + "type:" + t }
func (k keyset) tag(t string) string     { return k.prefix + "tag:" + t }

func (k keyset) idempotency(key string) string { return k.prefix + "idempotency:" + key }

func (k keyset) idSeq() string         { return k.prefix + "id_seq" }
func (k keyset) eventIDSeq() string    { return k.prefix + "event_id_seq" }
func (k keyset) groupInflight() string { return k.prefix + "group_inflight" }

func (k keyset) waitpoint(id string) string { return k.prefix + "waitpoint:" + id }
func (k keyset) waitpointTimeout() string   { return k.prefix + "waitpoint_timeout" }

func (k keyset) cron(id int64) string { return k.prefix + "cron:" + strconv.FormatInt(id, 10) }

func (k keyset) cronName(name string) string { return k.prefix + "cron_name:" + name }

func (k keyset) crons() string              { return k.prefix + "crons" }
func (k keyset) cronStatus(s string) string { return k.prefix + "cron_status:" + s }
func (k keyset) cronDue() string            { return k.prefix + "cron_due" }
func (k keyset) cronIDSeq() string          { return k.prefix + "cron_id_seq" }
