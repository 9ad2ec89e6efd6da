package usecase

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visionchain/retina-api/internal/chain"
	"github.com/visionchain/retina-api/internal/classifier"
	"github.com/visionchain/retina-api/internal/diagnosis"
	"github.com/visionchain/retina-api/internal/logging"
	"github.com/visionchain/retina-api/internal/repository"
	"github.com/visionchain/retina-api/internal/retina"
	"github.com/visionchain/retina-api/internal/storage"
)

// ErrUndecodableImage marks uploads that are not decodable image data at all.
var ErrUndecodableImage = errors.New("unable to decode image")

// Repository defines the persistence operations needed by the screening flow.
type Repository interface {
	UpsertOperator(ctx context.Context, id, displayName string) error
	SaveScreening(ctx context.Context, s *repository.Screening) error
	FindByScreeningID(ctx context.Context, screeningID string) (*repository.Screening, error)
	FindByVerificationID(ctx context.Context, verificationID string) (*repository.Screening, error)
	MarkAnchorPending(ctx context.Context, screeningID string, attempts int) error
	UpdateAnchorResult(ctx context.Context, screeningID, txHash, did, reportHash, cardanoRef string) error
	MarkAnchorFailed(ctx context.Context, screeningID, lastError string) error
	SaveAnchorLog(ctx context.Context, log *repository.AnchorLog) error
	AnchorLogs(ctx context.Context, screeningID string) ([]*repository.AnchorLog, error)
	SaveRewardClaim(ctx context.Context, claim *repository.RewardClaim) error
	FindRewardClaim(ctx context.Context, verificationID string) (*repository.RewardClaim, error)
	TodayStatsByOperator(ctx context.Context, operatorID string) (*repository.TodayStats, error)
	RecentByOperator(ctx context.Context, operatorID string, limit int) ([]*repository.Screening, error)
	RiskDistributionByOperator(ctx context.Context, operatorID string) (map[string]int64, error)
	DailyCountsByOperator(ctx context.Context, operatorID string, since time.Time) ([]repository.DailyCount, error)
	TotalByOperator(ctx context.Context, operatorID string) (int64, error)
}

// ArtifactStore abstracts the object store holding uploads and heatmaps.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
}

// Operator identifies the authenticated clinician running the screening.
type Operator struct {
	ID   string
	Name string
}

// ScreeningUseCase encapsulates business logic for the DR screening flow.
type ScreeningUseCase struct {
	repo           Repository
	cache          Cache
	classifier     classifier.Client
	artifacts      ArtifactStore
	anchorer       chain.Anchorer
	validator      *retina.Validator
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewScreeningUseCase constructs a new use case instance.
func NewScreeningUseCase(repo Repository, cache Cache, cls classifier.Client, artifacts ArtifactStore, anchorer chain.Anchorer, validator *retina.Validator, logger *zap.Logger) *ScreeningUseCase {
	return &ScreeningUseCase{
		repo:           repo,
		cache:          cache,
		classifier:     cls,
		artifacts:      artifacts,
		anchorer:       anchorer,
		validator:      validator,
		logger:         logger.Named("screening_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Outcome bundles everything a screening produced.
type Outcome struct {
	Screening *repository.Screening
	Diagnosis *diagnosis.Result
	// HeatmapName is empty when heatmap generation or storage failed; the
	// diagnosis itself never depends on the heatmap.
	HeatmapName string
}

type cachedScreening struct {
	ScreeningID    string    `json:"screening_id"`
	VerificationID string    `json:"verification_id"`
	PatientID      string    `json:"patient_id"`
	RiskLabel      string    `json:"risk_label"`
	RiskScore      int       `json:"risk_score"`
	Confidence     float64   `json:"confidence"`
	Explanation    string    `json:"explanation"`
	ImageSHA256    string    `json:"image_sha256"`
	HeatmapKey     string    `json:"heatmap_key"`
	OperatorID     string    `json:"operator_id"`
	OperatorName   string    `json:"operator_name"`
	AnchorStatus   string    `json:"anchor_status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Screen orchestrates validation, inference, derivation, artifact storage,
// persistence, and caching for one uploaded fundus image.
func (uc *ScreeningUseCase) Screen(ctx context.Context, op Operator, patientID string, imageData []byte) (*Outcome, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}

	if err := uc.validator.Validate(img).Err(); err != nil {
		// Rejected uploads are a normal outcome, surfaced with the full
		// reason list so the user can fix the photo and retry.
		return nil, err
	}

	screeningID, err := newScreeningID()
	if err != nil {
		return nil, err
	}
	if patientID == "" {
		patientID = newPatientID()
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.screen", screeningID)

	cacheKey := screeningCacheKey(screeningID)
	if err := uc.withRedisRetry(ctx, screeningID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	jpegData, err := classifier.Preprocess(img)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.preprocess", screeningID, err)
		opLogger.Error("preprocessing failed", zap.Error(wrapped))
		return nil, wrapped
	}

	inference, err := uc.classifier.Classify(ctx, jpegData)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", screeningID, err)
		opLogger.Error("inference call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	diag, err := diagnosis.Derive(inference.Probabilities)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.derive_diagnosis", screeningID, err)
		opLogger.Error("classifier returned malformed probabilities", zap.Error(wrapped))
		return nil, wrapped
	}

	now := time.Now().UTC()
	hash := sha256.Sum256(imageData)
	imageHash := hex.EncodeToString(hash[:])
	verificationID := chain.VerificationID(imageHash, diag.Label, diag.ConfidencePercent, now)

	uc.storeArtifact(ctx, opLogger, storage.UploadPrefix+screeningID+".jpg", imageData, http.DetectContentType(imageData))
	heatmapName := ""
	if len(inference.HeatmapPNG) > 0 {
		heatmapName = "heatmap_" + screeningID + ".png"
		if uc.storeArtifact(ctx, opLogger, storage.HeatmapPrefix+heatmapName, inference.HeatmapPNG, "image/png") != nil {
			heatmapName = ""
		}
	}

	if err := uc.repo.UpsertOperator(ctx, op.ID, op.Name); err != nil {
		opLogger.Warn("failed to upsert operator", zap.Error(err))
	}

	screening := &repository.Screening{
		ScreeningID:    screeningID,
		VerificationID: verificationID,
		PatientID:      patientID,
		RiskLabel:      diag.Label,
		RiskScore:      diag.RiskScore,
		Confidence:     diag.ConfidencePercent,
		Explanation:    fmt.Sprintf("Diabetic Retinopathy Analysis: %s detected with %.1f%% confidence", diag.Label, diag.ConfidencePercent),
		ImageSHA256:    imageHash,
		HeatmapKey:     heatmapName,
		OperatorID:     op.ID,
		OperatorName:   op.Name,
		AnchorStatus:   repository.AnchorStatusPending,
		CreatedAt:      now,
	}
	if err := uc.repo.SaveScreening(ctx, screening); err != nil {
		opLogger.Error("failed to persist screening", zap.Error(err))
		return nil, err
	}

	if err := uc.cacheScreening(ctx, screening); err != nil {
		opLogger.Error("failed to cache screening result", zap.Error(err))
		return nil, err
	}

	return &Outcome{Screening: screening, Diagnosis: diag, HeatmapName: heatmapName}, nil
}

func (uc *ScreeningUseCase) storeArtifact(ctx context.Context, logger *zap.Logger, key string, data []byte, contentType string) error {
	if err := uc.artifacts.Put(ctx, key, data, contentType); err != nil {
		// Artifact storage is best effort; a lost heatmap or upload copy
		// never blocks the screening result.
		logger.Warn("failed to store artifact", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (uc *ScreeningUseCase) cacheScreening(ctx context.Context, s *repository.Screening) error {
	cached := cachedScreening{
		ScreeningID:    s.ScreeningID,
		VerificationID: s.VerificationID,
		PatientID:      s.PatientID,
		RiskLabel:      s.RiskLabel,
		RiskScore:      s.RiskScore,
		Confidence:     s.Confidence,
		Explanation:    s.Explanation,
		ImageSHA256:    s.ImageSHA256,
		HeatmapKey:     s.HeatmapKey,
		OperatorID:     s.OperatorID,
		OperatorName:   s.OperatorName,
		AnchorStatus:   s.AnchorStatus,
		CreatedAt:      s.CreatedAt,
	}

	serialized, err := json.Marshal(cached)
	if err != nil {
		return err
	}

	return uc.withRedisRetry(ctx, s.ScreeningID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, screeningCacheKey(s.ScreeningID), string(serialized), 5*time.Minute)
	})
}

// GetResult retrieves a cached screening outcome or loads from persistence.
func (uc *ScreeningUseCase) GetResult(ctx context.Context, screeningID string) (*repository.Screening, error) {
	cacheKey := screeningCacheKey(screeningID)
	if cached, err := uc.withRedisGet(ctx, screeningID, "cache.get.result", cacheKey); err == nil {
		var payload cachedScreening
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			// "processing" flags and decode failures both fall through to
			// the repository.
			logging.WithOperation(uc.logger, "usecase.get_result", screeningID).
				Debug("cached value not a result payload", zap.Error(err))
		} else if payload.ScreeningID != "" {
			return &repository.Screening{
				ScreeningID:    payload.ScreeningID,
				VerificationID: payload.VerificationID,
				PatientID:      payload.PatientID,
				RiskLabel:      payload.RiskLabel,
				RiskScore:      payload.RiskScore,
				Confidence:     payload.Confidence,
				Explanation:    payload.Explanation,
				ImageSHA256:    payload.ImageSHA256,
				HeatmapKey:     payload.HeatmapKey,
				OperatorID:     payload.OperatorID,
				OperatorName:   payload.OperatorName,
				AnchorStatus:   payload.AnchorStatus,
				CreatedAt:      payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", screeningID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByScreeningID(ctx, screeningID)
}

// Heatmap streams a stored heatmap artifact.
func (uc *ScreeningUseCase) Heatmap(ctx context.Context, name string) (io.ReadCloser, string, error) {
	return uc.artifacts.Get(ctx, storage.HeatmapPrefix+name)
}

func screeningCacheKey(screeningID string) string {
	return fmt.Sprintf("screening:%s", screeningID)
}

func newScreeningID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "SCR-" + strings.ToUpper(hex.EncodeToString(buf[:])), nil
}

func newPatientID() string {
	return "PATIENT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

func (uc *ScreeningUseCase) withRedisRetry(ctx context.Context, screeningID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, screeningID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, screeningID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, screeningID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, screeningID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, screeningID, err)
}

func (uc *ScreeningUseCase) withRedisGet(ctx context.Context, screeningID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, screeningID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
