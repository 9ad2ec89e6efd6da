package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/visionchain/retina-api/internal/logging"
)

// Anchor lifecycle states for a screening.
const (
	AnchorStatusPending  = "pending"
	AnchorStatusAnchored = "anchored"
	AnchorStatusFailed   = "failed"
)

// ErrRewardAlreadyClaimed reports a second claim attempt for the same
// verification id. The unique index on reward_claims enforces the
// at-most-once policy; this error is its user-visible face.
var ErrRewardAlreadyClaimed = errors.New("reward already claimed for this verification")

// Screening represents a persisted DR screening.
type Screening struct {
	ID             uint      `gorm:"primaryKey"`
	ScreeningID    string    `gorm:"column:screening_id;uniqueIndex;size:32"`
	VerificationID string    `gorm:"column:verification_id;uniqueIndex;size:64"`
	PatientID      string    `gorm:"column:patient_id;size:64"`
	RiskLabel      string    `gorm:"column:risk_score_label;size:32"`
	RiskScore      int       `gorm:"column:risk_score_numeric"`
	Confidence     float64   `gorm:"column:confidence"`
	Explanation    string    `gorm:"column:explanation;type:text"`
	ImageSHA256    string    `gorm:"column:image_sha256;size:64"`
	HeatmapKey     string    `gorm:"column:heatmap_key;size:128"`
	OperatorID     string    `gorm:"column:operator_user_id;size:64;index"`
	OperatorName   string    `gorm:"column:operator_name;size:128"`
	AnchorStatus   string    `gorm:"column:anchor_status;size:16;default:pending"`
	AnchorAttempts int       `gorm:"column:anchor_attempts;default:0"`
	TxHash         string    `gorm:"column:tx_hash;size:128"`
	DID            string    `gorm:"column:did;size:128"`
	ReportHash     string    `gorm:"column:report_hash;size:64"`
	CardanoRef     string    `gorm:"column:cardano_ref;size:128"`
	LastAnchorErr  string    `gorm:"column:last_anchor_error;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Screening) TableName() string {
	return "screenings"
}

// AnchorLog records one anchoring attempt for audit.
type AnchorLog struct {
	ID           uint      `gorm:"primaryKey"`
	ScreeningRef string    `gorm:"column:screening_id;size:32;index"`
	Status       string    `gorm:"column:status;size:16"`
	ErrorText    string    `gorm:"column:error_text;type:text"`
	ResponseBody string    `gorm:"column:response_body;type:text"`
	AttemptAt    time.Time `gorm:"column:attempt_at"`
}

// TableName overrides the default table name.
func (AnchorLog) TableName() string {
	return "anchor_logs"
}

// RewardClaim is one successful VISION token claim. The unique index on
// verification_id makes claims at-most-once per screening.
type RewardClaim struct {
	ID             uint      `gorm:"primaryKey"`
	VerificationID string    `gorm:"column:verification_id;uniqueIndex;size:64"`
	WalletAddress  string    `gorm:"column:wallet_address;size:128"`
	Tier           string    `gorm:"column:tier;size:16"`
	Amount         int       `gorm:"column:amount"`
	TxHash         string    `gorm:"column:tx_hash;size:128"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RewardClaim) TableName() string {
	return "reward_claims"
}

// Operator is the clinician or volunteer who runs screenings.
type Operator struct {
	ID          string    `gorm:"primaryKey;size:64"`
	DisplayName string    `gorm:"column:display_name;size:128"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (Operator) TableName() string {
	return "operators"
}

// ScreeningRepository provides persistence APIs for screenings, anchor
// logs, and reward claims.
type ScreeningRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewScreeningRepository creates a new repository instance.
func NewScreeningRepository(db *gorm.DB, logger *zap.Logger) *ScreeningRepository {
	return &ScreeningRepository{
		db:             db,
		logger:         logger.Named("screening_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScreeningRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Operator{}, &Screening{}, &AnchorLog{}, &RewardClaim{})
}

// UpsertOperator makes sure the operator row exists before screenings
// reference it.
func (r *ScreeningRepository) UpsertOperator(ctx context.Context, id, displayName string) error {
	if id == "" {
		return nil
	}
	if displayName == "" {
		displayName = "Unknown Operator"
	}
	op := Operator{ID: id, DisplayName: displayName, CreatedAt: time.Now().UTC()}
	return r.executeWithRetry(ctx, "repository.upsert_operator", "", func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name"}),
		}).Create(&op).Error
	})
}

// SaveScreening persists a screening record.
func (r *ScreeningRepository) SaveScreening(ctx context.Context, s *Screening) error {
	return r.executeWithRetry(ctx, "repository.save_screening", s.ScreeningID, func() error {
		return r.db.WithContext(ctx).Create(s).Error
	})
}

// FindByScreeningID retrieves a screening by its public identifier.
func (r *ScreeningRepository) FindByScreeningID(ctx context.Context, screeningID string) (*Screening, error) {
	var s Screening
	err := r.executeWithRetry(ctx, "repository.find_screening", screeningID, func() error {
		return r.db.WithContext(ctx).First(&s, "screening_id = ?", screeningID).Error
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindByVerificationID retrieves the screening a reward claim refers to.
func (r *ScreeningRepository) FindByVerificationID(ctx context.Context, verificationID string) (*Screening, error) {
	var s Screening
	err := r.executeWithRetry(ctx, "repository.find_by_verification", "", func() error {
		return r.db.WithContext(ctx).First(&s, "verification_id = ?", verificationID).Error
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkAnchorPending bumps the attempt counter and flags the screening as
// being anchored.
func (r *ScreeningRepository) MarkAnchorPending(ctx context.Context, screeningID string, attempts int) error {
	return r.executeWithRetry(ctx, "repository.mark_anchor_pending", screeningID, func() error {
		return r.db.WithContext(ctx).Model(&Screening{}).
			Where("screening_id = ?", screeningID).
			Updates(map[string]interface{}{
				"anchor_status":   AnchorStatusPending,
				"anchor_attempts": attempts,
			}).Error
	})
}

// UpdateAnchorResult stores the on-chain references after a successful anchor.
func (r *ScreeningRepository) UpdateAnchorResult(ctx context.Context, screeningID, txHash, did, reportHash, cardanoRef string) error {
	return r.executeWithRetry(ctx, "repository.update_anchor_result", screeningID, func() error {
		return r.db.WithContext(ctx).Model(&Screening{}).
			Where("screening_id = ?", screeningID).
			Updates(map[string]interface{}{
				"anchor_status":     AnchorStatusAnchored,
				"tx_hash":           txHash,
				"did":               did,
				"report_hash":       reportHash,
				"cardano_ref":       cardanoRef,
				"last_anchor_error": "",
			}).Error
	})
}

// MarkAnchorFailed records the terminal failure of an anchoring run.
func (r *ScreeningRepository) MarkAnchorFailed(ctx context.Context, screeningID, lastError string) error {
	return r.executeWithRetry(ctx, "repository.mark_anchor_failed", screeningID, func() error {
		return r.db.WithContext(ctx).Model(&Screening{}).
			Where("screening_id = ?", screeningID).
			Updates(map[string]interface{}{
				"anchor_status":     AnchorStatusFailed,
				"last_anchor_error": lastError,
			}).Error
	})
}

// SaveAnchorLog appends an anchoring attempt record.
func (r *ScreeningRepository) SaveAnchorLog(ctx context.Context, log *AnchorLog) error {
	return r.executeWithRetry(ctx, "repository.save_anchor_log", log.ScreeningRef, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// AnchorLogs lists anchoring attempts for a screening, newest first.
func (r *ScreeningRepository) AnchorLogs(ctx context.Context, screeningID string) ([]*AnchorLog, error) {
	var logs []*AnchorLog
	err := r.executeWithRetry(ctx, "repository.anchor_logs", screeningID, func() error {
		return r.db.WithContext(ctx).
			Where("screening_id = ?", screeningID).
			Order("attempt_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// SaveRewardClaim persists a claim, failing with ErrRewardAlreadyClaimed
// when the verification id was claimed before. Requires gorm error
// translation so unique violations map to gorm.ErrDuplicatedKey.
func (r *ScreeningRepository) SaveRewardClaim(ctx context.Context, claim *RewardClaim) error {
	err := r.executeWithRetry(ctx, "repository.save_reward_claim", "", func() error {
		return r.db.WithContext(ctx).Create(claim).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrRewardAlreadyClaimed
	}
	return err
}

// FindRewardClaim looks up an existing claim for a verification id.
func (r *ScreeningRepository) FindRewardClaim(ctx context.Context, verificationID string) (*RewardClaim, error) {
	var claim RewardClaim
	err := r.executeWithRetry(ctx, "repository.find_reward_claim", "", func() error {
		return r.db.WithContext(ctx).First(&claim, "verification_id = ?", verificationID).Error
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (r *ScreeningRepository) executeWithRetry(ctx context.Context, operation, screeningID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, screeningID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, screeningID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, screeningID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			return logging.NewOperationError(operation, screeningID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, screeningID, err)
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
