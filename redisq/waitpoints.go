package redisq

import (
	"context"
	"encoding/json"

	"github.com/teranos/dataqueue/errors"
	"github.com/teranos/dataqueue/queue"
)

// CreateToken issues a waitpoint token.
func (b *Backend) CreateToken(ctx context.Context, opts queue.CreateTokenOptions) (*queue.Waitpoint, error) {
	now, _ := nowMs()
	wp := &queue.Waitpoint{
		ID:        queue.NewTokenID(),
		Status:    queue.WaitpointStatusWaiting,
		CreatedAt: now,
		Tags:      opts.Tags,
	}
	if opts.JobID != 0 {
		jobID := opts.JobID
		wp.JobID = &jobID
	}
	if opts.Timeout > 0 {
		deadline := now.Add(opts.Timeout)
		wp.TimeoutAt = &deadline
	}

	fields, err := waitpointFields(wp)
	if err != nil {
		return nil, err
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "encoding waitpoint fields")
	}

	timeoutArg := ""
	if wp.TimeoutAt != nil {
		timeoutArg = msOf(*wp.TimeoutAt)
	}
	if _, err := b.run(ctx, createTokenScript,
		b.keys.prefix, wp.ID, string(fieldsJSON), timeoutArg, ""); err != nil {
		return nil, errors.Wrapf(err, "creating token %s", wp.ID)
	}
	b.log.Debugw("Created waitpoint token", "tokenID", wp.ID, "jobID", opts.JobID)
	return wp, nil
}

// GetToken returns a token or errors.ErrTokenNotFound.
func (b *Backend) GetToken(ctx context.Context, tokenID string) (*queue.Waitpoint, error) {
	h, err := b.rdb.HGetAll(ctx, b.keys.waitpoint(tokenID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "reading token %s", tokenID)
	}
	if len(h) == 0 {
		return nil, errors.Wrapf(errors.ErrTokenNotFound, "token %s", tokenID)
	}
	return waitpointFromHash(h)
}

// CompleteToken transitions a waiting token to completed and restores its
// bound waiting job to pending. Completing an already-resolved token leaves
// it unchanged.
func (b *Backend) CompleteToken(ctx context.Context, tokenID string, output json.RawMessage) (*queue.Waitpoint, error) {
	_, nowStr := nowMs()
	res, err := b.run(ctx, completeTokenScript, b.keys.prefix, tokenID, nowStr, string(output))
	if err != nil {
		return nil, errors.Wrapf(err, "completing token %s", tokenID)
	}
	switch res.(int64) {
	case -1:
		return nil, errors.Wrapf(errors.ErrTokenNotFound, "token %s", tokenID)
	case 0:
		b.log.Debugw("Token already resolved", "tokenID", tokenID)
	default:
		b.log.Debugw("Completed waitpoint token", "tokenID", tokenID)
	}
	return b.GetToken(ctx, tokenID)
}

// ExpireTimedOutTokens times out waiting tokens whose deadline passed and
// resumes their bound jobs.
func (b *Backend) ExpireTimedOutTokens(ctx context.Context) (int, error) {
	_, nowStr := nowMs()
	res, err := b.run(ctx, expireTokensScript, b.keys.prefix, nowStr)
	if err != nil {
		return 0, errors.Wrap(err, "expiring timed-out tokens")
	}
	n := int(res.(int64))
	if n > 0 {
		b.log.Debugw("Expired waitpoint tokens", "count", n)
	}
	return n, nil
}
