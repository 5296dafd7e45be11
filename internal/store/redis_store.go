package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"doc-converter/internal/config"
	"doc-converter/internal/models"
)

// Store errors surfaced to callers. Transition errors are sentinel values so
// the worker and facade can branch on them explicitly.
var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyClaimed = errors.New("job already claimed")
	ErrNotProcessing  = errors.New("job is not processing")
	ErrTooLate        = errors.New("job already claimed or finished")
	ErrExists         = errors.New("record already exists")
	ErrWrongState     = errors.New("record in wrong state")
)

// Key space partitions. The sweeper enumerates jobKeyPrefix only, so session
// and index records are invisible to retention scans.
const (
	jobKeyPrefix     = "job:"
	sessionKeyPrefix = "session:"
	pagesKeySuffix   = ":pages"
	clientKeyPrefix  = "client:"
)

// Store is the Redis metadata store. It is the single source of truth for
// job state; every status transition is a Lua compare-and-set so concurrent
// workers racing on the same job id cannot both win.
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// NewClient builds a Redis client from config. Shared by store, queue, and
// rate limiter so each process holds one connection pool.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func jobKey(id string) string     { return jobKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }
func pagesKey(id string) string   { return sessionKey(id) + pagesKeySuffix }
func clientKey(id string) string  { return clientKeyPrefix + id + ":jobs" }

// CreateJob writes a fresh PENDING record. Fails with ErrExists if the id is
// already taken, which should never happen with uuid allocation.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	res, err := createScript.Run(ctx, s.client, []string{jobKey(job.ID)}, fieldArgs(job.Fields())...).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if res == 0 {
		return ErrExists
	}
	if job.ClientID != "" {
		if err := s.client.RPush(ctx, clientKey(job.ClientID), job.ID).Err(); err != nil {
			return fmt.Errorf("index job %s for client: %w", job.ID, err)
		}
	}
	return nil
}

// GetJob fetches a job record by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrNotFound
	}
	return models.JobFromFields(id, fields), nil
}

// ClaimJob transitions PENDING to PROCESSING and stamps started_at. The CAS
// guard makes redelivered tasks harmless: the second claim observes a
// non-pending status and gets ErrAlreadyClaimed.
func (s *Store) ClaimJob(ctx context.Context, id string, startedAt time.Time) error {
	res, err := claimScript.Run(ctx, s.client, []string{jobKey(id)},
		startedAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("claim job %s: %w", id, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrAlreadyClaimed
	default:
		return ErrNotFound
	}
}

// CompleteJob transitions PROCESSING to the given terminal status, stamping
// completed_at and writing the outcome fields. A duplicate call after the
// first one lands observes a non-processing status and gets ErrNotProcessing.
func (s *Store) CompleteJob(ctx context.Context, id, status string, completedAt time.Time, extra map[string]string) error {
	if status != models.StatusSuccess && status != models.StatusFailure {
		return fmt.Errorf("complete job %s: %q is not a terminal outcome", id, status)
	}
	args := []interface{}{status, "completed_at", completedAt.UTC().Format(time.RFC3339Nano)}
	args = append(args, fieldArgs(extra)...)
	res, err := completeScript.Run(ctx, s.client, []string{jobKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrNotProcessing
	default:
		return ErrNotFound
	}
}

// AbortPending transitions PENDING directly to FAILURE. Used when the task
// enqueue fails after the record write, so no PENDING orphan survives a
// half-finished create.
func (s *Store) AbortPending(ctx context.Context, id string, at time.Time, message string) error {
	res, err := abortScript.Run(ctx, s.client, []string{jobKey(id)},
		at.UTC().Format(time.RFC3339Nano), message).Int()
	if err != nil {
		return fmt.Errorf("abort job %s: %w", id, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrWrongState
	default:
		return ErrNotFound
	}
}

// RevokeJob transitions PENDING to REVOKED. Once a worker claims the job the
// conversion is non-preemptible, so anything past PENDING is ErrTooLate.
func (s *Store) RevokeJob(ctx context.Context, id string, at time.Time) error {
	res, err := revokeScript.Run(ctx, s.client, []string{jobKey(id)},
		at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("revoke job %s: %w", id, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrTooLate
	default:
		return ErrNotFound
	}
}

// MarkDownloaded stamps downloaded_at exactly once on a SUCCESS job.
// Subsequent downloads keep the original timestamp, so the post-download
// grace clock never resets; any other status is ErrWrongState.
func (s *Store) MarkDownloaded(ctx context.Context, id string, at time.Time) error {
	res, err := downloadScript.Run(ctx, s.client, []string{jobKey(id)},
		at.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("mark downloaded %s: %w", id, err)
	}
	switch res {
	case -1:
		return ErrNotFound
	case 0:
		return ErrWrongState
	default:
		return nil
	}
}

// SetMetaResult records the outcome of the secondary metadata extraction.
// Guarded on meta_status=pending so redelivered extraction tasks are no-ops.
func (s *Store) SetMetaResult(ctx context.Context, id string, fields map[string]string) error {
	res, err := metaScript.Run(ctx, s.client, []string{jobKey(id)}, fieldArgs(fields)...).Int()
	if err != nil {
		return fmt.Errorf("set metadata %s: %w", id, err)
	}
	if res < 0 {
		return ErrNotFound
	}
	if res == 0 {
		return ErrWrongState
	}
	return nil
}

// MarkWebhookSent flips the webhook guard. Returns true for the caller that
// won the flag and should deliver the callback.
func (s *Store) MarkWebhookSent(ctx context.Context, id string) (bool, error) {
	set, err := s.client.HSetNX(ctx, jobKey(id), "webhook_sent", "1").Result()
	if err != nil {
		return false, fmt.Errorf("mark webhook sent %s: %w", id, err)
	}
	return set, nil
}

// DeleteJob removes the metadata record. Only the sweeper calls this.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, jobKey(id)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// ScanJobs walks every job record, invoking fn per job. Errors from fn stop
// the scan; per-job isolation is the sweeper's responsibility.
func (s *Store) ScanJobs(ctx context.Context, fn func(models.Job) error) error {
	iter := s.client.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("scan read %s: %w", key, err)
		}
		if len(fields) == 0 {
			continue
		}
		if err := fn(models.JobFromFields(key[len(jobKeyPrefix):], fields)); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan jobs: %w", err)
	}
	return nil
}

// ClientJobs returns the most recent job ids submitted by a client.
func (s *Store) ClientJobs(ctx context.Context, clientID string, limit int64) ([]string, error) {
	ids, err := s.client.LRange(ctx, clientKey(clientID), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list client jobs: %w", err)
	}
	// Newest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// CreateSession writes a new capture session with a TTL on both the session
// hash and its pages hash.
func (s *Store) CreateSession(ctx context.Context, sess models.Session, ttl time.Duration) error {
	key := sessionKey(sess.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, sess.Fields())
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession fetches a session and its current page count.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Session{}, ErrNotFound
	}
	sess := models.SessionFromFields(id, fields)
	count, err := s.client.HLen(ctx, pagesKey(id)).Result()
	if err != nil {
		return models.Session{}, fmt.Errorf("count pages %s: %w", id, err)
	}
	sess.PageCount = int(count)
	return sess, nil
}

// AddPage stores one page fragment keyed by sequence number. HSETNX makes
// replayed submissions idempotent: a duplicate sequence number neither
// overwrites content nor bumps the count. Returns the resulting page count.
func (s *Store) AddPage(ctx context.Context, id string, seq int, content string, ttl time.Duration) (int, error) {
	key := pagesKey(id)
	if err := s.client.HSetNX(ctx, key, seqField(seq), content).Err(); err != nil {
		return 0, fmt.Errorf("add page %d to %s: %w", seq, id, err)
	}
	pipe := s.client.TxPipeline()
	lenCmd := pipe.HLen(ctx, key)
	pipe.Expire(ctx, key, ttl)
	pipe.Expire(ctx, sessionKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("refresh session %s: %w", id, err)
	}
	return int(lenCmd.Val()), nil
}

// SessionPages returns page contents ordered by sequence number, regardless
// of submission order.
func (s *Store) SessionPages(ctx context.Context, id string) ([]string, error) {
	fields, err := s.client.HGetAll(ctx, pagesKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read pages %s: %w", id, err)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pages := make([]string, 0, len(keys))
	for _, k := range keys {
		pages = append(pages, fields[k])
	}
	return pages, nil
}

// TransitionSession CASes the session from one status to another.
func (s *Store) TransitionSession(ctx context.Context, id, from, to string) error {
	res, err := sessionCASScript.Run(ctx, s.client, []string{sessionKey(id)}, from, to).Int()
	if err != nil {
		return fmt.Errorf("transition session %s: %w", id, err)
	}
	if res < 0 {
		return ErrNotFound
	}
	if res == 0 {
		return ErrWrongState
	}
	return nil
}

// SetSessionJob records the job created by Finish and marks the session done.
func (s *Store) SetSessionJob(ctx context.Context, id, jobID string) error {
	if err := s.client.HSet(ctx, sessionKey(id), "job_id", jobID, "status", models.SessionDone).Err(); err != nil {
		return fmt.Errorf("set session job %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes the session and its pages after assembly handoff.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKey(id), pagesKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// seqField zero-pads the sequence number so lexicographic order matches
// numeric order during assembly.
func seqField(seq int) string {
	return fmt.Sprintf("%08d", seq)
}

func fieldArgs(fields map[string]string) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'processing')
redis.call('HSET', KEYS[1], 'started_at', ARGV[1])
return 1
`)

var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var abortScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'failure')
redis.call('HSET', KEYS[1], 'completed_at', ARGV[1])
redis.call('HSET', KEYS[1], 'error', ARGV[2])
return 1
`)

var revokeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'revoked')
redis.call('HSET', KEYS[1], 'completed_at', ARGV[1])
return 1
`)

var downloadScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'success' then return 0 end
redis.call('HSETNX', KEYS[1], 'downloaded_at', ARGV[1])
return 1
`)

var metaScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local meta = redis.call('HGET', KEYS[1], 'meta_status')
if meta ~= 'pending' then return 0 end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

var sessionCASScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
return 1
`)
