package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"benchboard/internal/common/cache"
	"benchboard/internal/common/metrics"
	"benchboard/internal/common/storage"
	"benchboard/internal/identity"
	"benchboard/internal/submission/model"
	"benchboard/internal/submission/repository"
	appErr "benchboard/pkg/errors"
	"benchboard/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix  = "submit:idempotency:"
	rateUserKeyPrefix     = "submit:rate:user:"
	rateIPKeyPrefix       = "submit:rate:ip:"
	defaultSourcePrefix   = "submissions"
	defaultMaxCodeBytes   = 256 * 1024
	defaultIdempotencyTTL = 10 * time.Minute
	processingMarker      = "processing"
)

// Enqueuer publishes evaluation jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.EvaluationJob) error
}

// RateLimitConfig holds throttling configuration.
type RateLimitConfig struct {
	UserMax int           `yaml:"userMax"`
	IPMax   int           `yaml:"ipMax"`
	Window  time.Duration `yaml:"window"`
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration `yaml:"db"`
	Cache   time.Duration `yaml:"cache"`
	MQ      time.Duration `yaml:"mq"`
	Storage time.Duration `yaml:"storage"`
}

// Config holds submission service dependencies and settings.
type Config struct {
	Store   repository.SubmissionStore
	Queue   Enqueuer
	Storage storage.ObjectStorage
	Cache   cache.Cache
	Metrics *metrics.Collector

	SourceBucket    string
	SourceKeyPrefix string
	MaxCodeBytes    int64
	IdempotencyTTL  time.Duration
	RateLimit       RateLimitConfig
	Timeouts        TimeoutConfig
}

// SubmissionService handles submission intake and dispatch.
type SubmissionService struct {
	store   repository.SubmissionStore
	queue   Enqueuer
	storage storage.ObjectStorage
	cache   cache.Cache
	metrics *metrics.Collector

	sourceBucket    string
	sourceKeyPrefix string
	maxCodeBytes    int64
	idempotencyTTL  time.Duration
	rateLimit       RateLimitConfig
	timeouts        TimeoutConfig
	clock           func() time.Time
}

// SubmitInput describes an enqueue request.
type SubmitInput struct {
	Identity identity.Identity
	// UserID is the user named in the request body, if any. It must match
	// the authenticated identity.
	UserID         string
	SourceRef      string
	Language       string
	IdempotencyKey string
	ClientIP       string
}

// SubmitResult is the accepted submission.
type SubmitResult struct {
	Submission *model.Submission
	// Replayed is set when an idempotency key matched an earlier request.
	Replayed bool
}

// UploadInput describes a source upload.
type UploadInput struct {
	Identity  identity.Identity
	Language  string
	Reader    io.Reader
	SizeBytes int64
}

// NewSubmissionService creates a new submission service. Storage and Cache
// are optional; without Cache there is no rate limiting or idempotency.
func NewSubmissionService(cfg Config) (*SubmissionService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Storage != nil && cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.SourceKeyPrefix == "" {
		cfg.SourceKeyPrefix = defaultSourcePrefix
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &SubmissionService{
		store:           cfg.Store,
		queue:           cfg.Queue,
		storage:         cfg.Storage,
		cache:           cfg.Cache,
		metrics:         cfg.Metrics,
		sourceBucket:    cfg.SourceBucket,
		sourceKeyPrefix: cfg.SourceKeyPrefix,
		maxCodeBytes:    cfg.MaxCodeBytes,
		idempotencyTTL:  cfg.IdempotencyTTL,
		rateLimit:       cfg.RateLimit,
		timeouts:        cfg.Timeouts,
		clock:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// Submit creates a Pending submission and enqueues its evaluation job.
func (s *SubmissionService) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	newSub, err := s.validateInput(input)
	if err != nil {
		s.metrics.RecordRejected(rejectReason(err))
		return SubmitResult{}, err
	}
	if err := s.checkRateLimit(ctx, newSub.UserID, input.ClientIP); err != nil {
		s.metrics.RecordRejected(rejectReason(err))
		return SubmitResult{}, err
	}

	idemKey := scopedIdempotencyKey(newSub.UserID, input.IdempotencyKey)
	acquired, existingID, err := s.acquireIdempotency(ctx, idemKey)
	if err != nil {
		return SubmitResult{}, err
	}
	if !acquired && existingID != "" {
		sub, err := s.getSubmission(ctx, existingID)
		if err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{Submission: sub, Replayed: true}, nil
	}

	if err := s.checkArtifact(ctx, newSub.SourceRef); err != nil {
		s.releaseIdempotency(ctx, idemKey, acquired)
		s.metrics.RecordRejected(rejectReason(err))
		return SubmitResult{}, err
	}

	sub, err := s.createSubmission(ctx, newSub)
	if err != nil {
		s.releaseIdempotency(ctx, idemKey, acquired)
		return SubmitResult{}, err
	}

	// From here on the record exists: a retry with the same key must see it,
	// and a failed publish is repaired by the reaper's pending sweep.
	s.finalizeIdempotency(ctx, idemKey, sub.ID, acquired)
	if err := s.enqueue(ctx, sub.ID); err != nil {
		logger.Error(ctx, "enqueue evaluation job failed", zap.String("submission_id", sub.ID), zap.Error(err))
		return SubmitResult{}, err
	}
	s.metrics.RecordEnqueued()
	logger.Info(ctx, "submission accepted",
		zap.String("submission_id", sub.ID),
		zap.String("language", string(sub.Language)))
	return SubmitResult{Submission: sub}, nil
}

// Upload stores a source artifact and returns its reference.
func (s *SubmissionService) Upload(ctx context.Context, input UploadInput) (string, error) {
	if s.storage == nil {
		return "", appErr.New(appErr.ServiceUnavailable).WithMessage("artifact storage is not configured")
	}
	if input.Identity.UserID == "" {
		return "", appErr.UnauthorizedError("identity required")
	}
	lang, ok := model.ParseLanguage(input.Language)
	if !ok {
		if strings.TrimSpace(input.Language) == "" {
			return "", appErr.ValidationError("language", "required")
		}
		return "", appErr.New(appErr.LanguageNotSupported).WithMessagef("language: unsupported %q", input.Language)
	}
	if input.Reader == nil || input.SizeBytes <= 0 {
		return "", appErr.ValidationError("file", "required")
	}
	if input.SizeBytes > s.maxCodeBytes {
		return "", appErr.New(appErr.CodeTooLarge).WithMessagef("source exceeds %d bytes", s.maxCodeBytes)
	}

	key := fmt.Sprintf("%s/%s/%s%s", s.sourceKeyPrefix, input.Identity.UserID, uuid.NewString(), lang.Extension())
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.storage.PutObject(ctxStorage.ctx, s.sourceBucket, key, io.LimitReader(input.Reader, input.SizeBytes), input.SizeBytes, "text/plain; charset=utf-8"); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload source failed")
	}
	return storage.Ref(s.sourceBucket, key), nil
}

// Get returns one of the caller's submissions. Submissions of other users
// are reported as not found.
func (s *SubmissionService) Get(ctx context.Context, id identity.Identity, submissionID string) (*model.Submission, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	sub, err := s.getSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != id.UserID {
		return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", submissionID)
	}
	return sub, nil
}

func (s *SubmissionService) validateInput(input SubmitInput) (model.NewSubmission, error) {
	if input.Identity.UserID == "" {
		return model.NewSubmission{}, appErr.UnauthorizedError("identity required")
	}
	if body := strings.TrimSpace(input.UserID); body != "" && body != input.Identity.UserID {
		return model.NewSubmission{}, appErr.UnauthorizedError("user_id does not match the authenticated identity")
	}
	newSub := model.NewSubmission{
		UserID:    input.Identity.UserID,
		Username:  input.Identity.DisplayName,
		AvatarURL: input.Identity.AvatarURL,
		SourceRef: strings.TrimSpace(input.SourceRef),
		Language:  model.Language(strings.TrimSpace(input.Language)),
	}
	if err := newSub.Validate(); err != nil {
		return model.NewSubmission{}, err
	}
	if _, _, err := storage.ParseRef(newSub.SourceRef); err != nil {
		return model.NewSubmission{}, appErr.ValidationError("source_ref", "must be <bucket>/<key>")
	}
	return newSub, nil
}

func (s *SubmissionService) checkArtifact(ctx context.Context, ref string) error {
	if s.storage == nil {
		return nil
	}
	bucket, key, _ := storage.ParseRef(ref)
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	stat, err := s.storage.StatObject(ctxStorage.ctx, bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return appErr.ValidationError("source_ref", "artifact not found")
		}
		return appErr.Wrapf(err, appErr.StorageError, "stat source artifact failed")
	}
	if stat.SizeBytes > s.maxCodeBytes {
		return appErr.New(appErr.CodeTooLarge).WithMessagef("source exceeds %d bytes", s.maxCodeBytes)
	}
	return nil
}

func (s *SubmissionService) createSubmission(ctx context.Context, input model.NewSubmission) (*model.Submission, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	sub, err := s.store.Create(ctxDB.ctx, input)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}
	return sub, nil
}

func (s *SubmissionService) getSubmission(ctx context.Context, id string) (*model.Submission, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	sub, err := s.store.Get(ctxDB.ctx, id)
	if err != nil {
		if appErr.IsNotFound(err) {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return sub, nil
}

func (s *SubmissionService) enqueue(ctx context.Context, submissionID string) error {
	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	return s.queue.Enqueue(ctxMQ.ctx, model.NewEvaluationJob(submissionID, 1, s.clock()))
}

func scopedIdempotencyKey(userID, key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return userID + ":" + key
}

func (s *SubmissionService) acquireIdempotency(ctx context.Context, key string) (bool, string, error) {
	if key == "" || s.cache == nil {
		return true, "", nil
	}
	cacheKey := idempotencyKeyPrefix + key
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}

	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, "", nil
	}
	existing, err = s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
}

func (s *SubmissionService) finalizeIdempotency(ctx context.Context, key, submissionID string, acquired bool) {
	if !acquired || key == "" || s.cache == nil {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, idempotencyKeyPrefix+key, submissionID, s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *SubmissionService) releaseIdempotency(ctx context.Context, key string, acquired bool) {
	if !acquired || key == "" || s.cache == nil {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, idempotencyKeyPrefix+key); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

func (s *SubmissionService) checkRateLimit(ctx context.Context, userID, clientIP string) error {
	if s.cache == nil || s.rateLimit.Window <= 0 || (s.rateLimit.UserMax <= 0 && s.rateLimit.IPMax <= 0) {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	if s.rateLimit.UserMax > 0 && userID != "" {
		if err := s.checkRateCounter(ctxCache.ctx, rateUserKeyPrefix+userID, s.rateLimit.UserMax); err != nil {
			return err
		}
	}
	if s.rateLimit.IPMax > 0 && clientIP != "" {
		if err := s.checkRateCounter(ctxCache.ctx, rateIPKeyPrefix+clientIP, s.rateLimit.IPMax); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubmissionService) checkRateCounter(ctx context.Context, key string, max int) error {
	count, err := s.cache.Incr(ctx, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if count == 1 {
		_ = s.cache.Expire(ctx, key, s.rateLimit.Window)
	}
	if int(count) > max {
		return appErr.New(appErr.SubmitTooFrequently).WithMessage("submit too frequently")
	}
	return nil
}

func rejectReason(err error) string {
	switch code := appErr.GetCode(err); {
	case code == appErr.Unauthorized:
		return "unauthorized"
	case code == appErr.SubmitTooFrequently:
		return "rate_limited"
	case code == appErr.LanguageNotSupported:
		return "unsupported_language"
	case code == appErr.CodeTooLarge:
		return "too_large"
	default:
		return "invalid"
	}
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
