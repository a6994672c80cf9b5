package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"url-sandbox/internal/config"
	"url-sandbox/internal/models"
)

// transitionScript moves a job hash from ARGV[1] to the state described by
// the field/value pairs in ARGV[2..]. Returns 1 on success, 0 when the
// current status differs (or the job does not exist).
var transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
return 1
`)

// claimScript moves a job hash to the state in ARGV[3..] when its status is
// ARGV[1] and, if ARGV[2] is not empty, its delivery_id is ARGV[2]. Returns
// the updated hash, or nil when the guard does not hold.
var claimScript = redis.NewScript(`
local job = redis.call('HMGET', KEYS[1], 'status', 'delivery_id')
if job[1] ~= ARGV[1] then
	return false
end
if ARGV[2] ~= '' and job[2] ~= ARGV[2] then
	return false
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
return redis.call('HGETALL', KEYS[1])
`)

// createScript writes a job hash only if the key does not exist yet.
// Returns 1 when created.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// pendingPageSize is the number of own pending entries read per recovery page
const pendingPageSize = 16

// RedisStore dispatches jobs over a Redis stream and keeps each job's state in a hash.
//
// The stream consumer group gives every entry to one consumer; the hash
// transition is a compare-and-set so a job can only leave pending once even
// if an entry is redelivered.
//
// An entry stays in this consumer's pending list until its job finishes.
// When a claim fails halfway (Redis dropped between XREADGROUP and the
// state change) the entry is only reachable through that list, so the store
// walks it on start-up and after every store error. A job left in processing
// by an entry this process is not working on is claimed again.
type RedisStore struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	keyPrefix string
	logger    logrus.FieldLogger
	now       func() time.Time

	// recoverPending counts store errors since the last complete walk of the
	// pending list; non-zero means a walk is due
	recoverPending atomic.Int64
	recoverMu      sync.Mutex

	// inflight holds the entry IDs of jobs handed out and not yet finished
	inflight sync.Map
}

// NewRedisStore connects to Redis and ensures the consumer group exists
func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis connection failed: %v", ErrUnavailable, err)
	}

	s := &RedisStore{
		client:    client,
		stream:    cfg.StreamInputKey,
		group:     cfg.ConsumerGroup,
		consumer:  cfg.ConsumerName,
		keyPrefix: cfg.JobKeyPrefix,
		logger:    cfg.Logger,
		now:       time.Now,
	}
	// Entries left unacknowledged by an earlier run of this consumer
	s.recoverPending.Store(1)
	if err := s.EnsureConsumerGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}

	cfg.Logger.Infof("Redis job store ready: %s (stream %s, group %s)", cfg.RedisAddr(), s.stream, s.group)
	return s, nil
}

// EnsureConsumerGroup creates the consumer group (and stream) if missing
func (s *RedisStore) EnsureConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: failed to create consumer group: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) jobKey(id string) string {
	return s.keyPrefix + id
}

func (s *RedisStore) Enqueue(ctx context.Context, rawURL, emailID string) (*models.AnalysisJob, error) {
	target, err := jobURL(rawURL)
	if err != nil {
		return nil, err
	}

	job := &models.AnalysisJob{
		ID:        uuid.NewString(),
		URL:       target,
		EmailID:   emailID,
		Status:    models.JobPending,
		CreatedAt: s.now().UTC(),
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(job.ID),
			"id", job.ID,
			"url", job.URL,
			"email_id", job.EmailID,
			"status", string(job.Status),
			"created_at", formatTime(job.CreatedAt),
		)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			Values: map[string]interface{}{
				"job_id":   job.ID,
				"url":      job.URL,
				"email_id": job.EmailID,
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue: %v", ErrUnavailable, err)
	}
	return job, nil
}

// ClaimNext reads stream entries without blocking until one can be moved
// from pending to processing. Entries whose job is gone or already finished
// are acknowledged and skipped. Own pending entries are retried first when a
// recovery walk is due.
func (s *RedisStore) ClaimNext(ctx context.Context) (*models.AnalysisJob, error) {
	job, err := s.claimNext(ctx)
	if errors.Is(err, ErrUnavailable) {
		s.recoverPending.Add(1)
	}
	return job, err
}

func (s *RedisStore) claimNext(ctx context.Context) (*models.AnalysisJob, error) {
	if s.recoverPending.Load() > 0 {
		job, err := s.claimOwnPending(ctx)
		if err != nil || job != nil {
			return job, err
		}
	}

	for {
		streams, err := s.readGroup(ctx, ">", 1)
		if err != nil {
			return nil, err
		}

		var msg *redis.XMessage
		for _, st := range streams {
			if len(st.Messages) > 0 {
				msg = &st.Messages[0]
				break
			}
		}
		if msg == nil {
			return nil, nil
		}

		job, err := s.claimMessage(ctx, *msg)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		s.ack(ctx, msg.ID)
	}
}

// claimOwnPending walks the entries delivered to this consumer but never
// acknowledged and claims the first whose job is still pending. Only one
// worker walks at a time; the others go straight to new entries.
func (s *RedisStore) claimOwnPending(ctx context.Context) (*models.AnalysisJob, error) {
	if !s.recoverMu.TryLock() {
		return nil, nil
	}
	defer s.recoverMu.Unlock()

	due := s.recoverPending.Load()
	cursor := "0"
	for {
		streams, err := s.readGroup(ctx, cursor, pendingPageSize)
		if err != nil {
			return nil, err
		}

		var msgs []redis.XMessage
		for _, st := range streams {
			msgs = append(msgs, st.Messages...)
		}
		if len(msgs) == 0 {
			// A store error during the walk keeps the next one due
			s.recoverPending.CompareAndSwap(due, 0)
			return nil, nil
		}

		for _, msg := range msgs {
			cursor = msg.ID
			if _, busy := s.inflight.Load(msg.ID); busy {
				continue
			}

			job, err := s.claimMessage(ctx, msg)
			if err == nil && job == nil {
				job, err = s.reclaimOrphan(ctx, msg)
			}
			if err != nil {
				return nil, err
			}
			if job != nil {
				s.logger.WithField("job_id", job.ID).Info("Recovered unacknowledged job")
				return job, nil
			}
			s.ack(ctx, msg.ID)
		}
	}
}

// readGroup reads up to count entries after id without blocking. ">" reads
// new entries; any other id re-reads this consumer's pending entries.
func (s *RedisStore) readGroup(ctx context.Context, id string, count int64) ([]redis.XStream, error) {
	for {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, id},
			Count:    count,
			Block:    -1,
		}).Result()
		if err == nil {
			return streams, nil
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.Contains(err.Error(), "NOGROUP") {
			if gerr := s.EnsureConsumerGroup(ctx); gerr != nil {
				return nil, gerr
			}
			continue
		}
		return nil, fmt.Errorf("%w: XREADGROUP failed: %v", ErrUnavailable, err)
	}
}

// reclaimOrphan claims a job that is processing under this entry while no
// worker of this process holds it: its claim reply was lost, or an earlier
// run of this consumer stopped mid-job
func (s *RedisStore) reclaimOrphan(ctx context.Context, msg redis.XMessage) (*models.AnalysisJob, error) {
	jobID := entryJobID(s.stream, msg)
	if jobID == "" {
		return nil, nil
	}
	return s.claim(ctx, jobID, models.JobProcessing, msg.ID, msg.ID)
}

// entryJobID is the job ID an entry refers to. Entries from external
// producers carry no job_id; their job ID is derived from the entry ID so a
// re-read entry maps to the same job.
func entryJobID(stream string, msg redis.XMessage) string {
	if jobID, _ := msg.Values["job_id"].(string); jobID != "" {
		return jobID
	}
	if rawURL, _ := msg.Values["url"].(string); validateURL(rawURL) != nil {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(stream+"#"+msg.ID)).String()
}

// claimMessage returns nil, nil when the entry does not carry a claimable job
func (s *RedisStore) claimMessage(ctx context.Context, msg redis.XMessage) (*models.AnalysisJob, error) {
	rawURL, _ := msg.Values["url"].(string)
	emailID, _ := msg.Values["email_id"].(string)

	jobID := entryJobID(s.stream, msg)
	if jobID == "" {
		s.logger.WithField("entry", msg.ID).Warn("Skipping stream entry without a valid url")
		return nil, nil
	}

	if external, _ := msg.Values["job_id"].(string); external == "" {
		// Entry published by an external producer: the job starts in processing
		if target, err := jobURL(rawURL); err == nil {
			rawURL = target
		}
		now := s.now().UTC()
		n, err := createScript.Run(ctx, s.client, []string{s.jobKey(jobID)},
			"id", jobID,
			"url", rawURL,
			"email_id", emailID,
			"status", string(models.JobProcessing),
			"created_at", formatTime(now),
			"claimed_at", formatTime(now),
			"delivery_id", msg.ID,
		).Int()
		if err != nil {
			return nil, fmt.Errorf("%w: create job: %v", ErrUnavailable, err)
		}
		if n == 0 {
			return nil, nil
		}
		s.inflight.Store(msg.ID, struct{}{})
		return &models.AnalysisJob{
			ID: jobID, URL: rawURL, EmailID: emailID,
			Status: models.JobProcessing, CreatedAt: now, ClaimedAt: &now,
			DeliveryID: msg.ID,
		}, nil
	}

	return s.claim(ctx, jobID, models.JobPending, "", msg.ID)
}

// claim runs claimScript for one job and registers the delivery as in flight.
// It returns nil, nil when the guard does not hold.
func (s *RedisStore) claim(ctx context.Context, jobID string, from models.JobStatus, wantDelivery, deliveryID string) (*models.AnalysisJob, error) {
	reply, err := claimScript.Run(ctx, s.client, []string{s.jobKey(jobID)},
		string(from), wantDelivery,
		"status", string(models.JobProcessing),
		"claimed_at", formatTime(s.now().UTC()),
		"delivery_id", deliveryID,
	).Slice()
	if errors.Is(err, redis.Nil) {
		s.logger.WithField("job_id", jobID).Debug("Job already claimed or missing, skipping entry")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim job %s: %v", ErrUnavailable, jobID, err)
	}

	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		fields[k] = v
	}
	job, err := parseJob(fields)
	if err != nil {
		return nil, err
	}
	job.DeliveryID = deliveryID
	s.inflight.Store(deliveryID, struct{}{})
	return job, nil
}

func (s *RedisStore) MarkCompleted(ctx context.Context, job *models.AnalysisJob, result *models.AnalysisResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.finish(ctx, job,
		"status", string(models.JobCompleted),
		"completed_at", formatTime(s.now().UTC()),
		"result", string(payload),
	)
}

func (s *RedisStore) MarkFailed(ctx context.Context, job *models.AnalysisJob, message string) error {
	return s.finish(ctx, job,
		"status", string(models.JobFailed),
		"failed_at", formatTime(s.now().UTC()),
		"error", message,
	)
}

func (s *RedisStore) finish(ctx context.Context, job *models.AnalysisJob, fields ...interface{}) error {
	ok, err := s.transition(ctx, job.ID, models.JobProcessing, fields...)
	if err != nil {
		return err
	}
	if job.DeliveryID != "" {
		s.ack(ctx, job.DeliveryID)
		s.inflight.Delete(job.DeliveryID)
	}
	if !ok {
		return fmt.Errorf("%w: job %s is not processing", ErrConflict, job.ID)
	}
	return nil
}

func (s *RedisStore) transition(ctx context.Context, id string, from models.JobStatus, fields ...interface{}) (bool, error) {
	args := append([]interface{}{string(from)}, fields...)
	n, err := transitionScript.Run(ctx, s.client, []string{s.jobKey(id)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("%w: transition job %s: %v", ErrUnavailable, id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) ack(ctx context.Context, entryID string) {
	if err := s.client.XAck(ctx, s.stream, s.group, entryID).Err(); err != nil {
		s.recoverPending.Add(1)
		s.logger.WithError(err).Warnf("Failed to ACK entry %s", entryID)
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.AnalysisJob, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get job: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return parseJob(fields)
}

func parseJob(fields map[string]string) (*models.AnalysisJob, error) {
	job := &models.AnalysisJob{
		ID:         fields["id"],
		URL:        fields["url"],
		EmailID:    fields["email_id"],
		Status:     models.JobStatus(fields["status"]),
		Error:      fields["error"],
		DeliveryID: fields["delivery_id"],
	}
	if t := parseTime(fields["created_at"]); t != nil {
		job.CreatedAt = *t
	}
	job.ClaimedAt = parseTime(fields["claimed_at"])
	job.CompletedAt = parseTime(fields["completed_at"])
	job.FailedAt = parseTime(fields["failed_at"])

	if raw := fields["result"]; raw != "" {
		var result models.AnalysisResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("failed to parse stored result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}
