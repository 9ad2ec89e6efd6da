package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/visionchain/retina-api/internal/chain"
	"github.com/visionchain/retina-api/internal/logging"
	"github.com/visionchain/retina-api/internal/repository"
)

// ErrAnchorFailed reports that every anchoring attempt was exhausted.
var ErrAnchorFailed = errors.New("anchoring failed")

const maxAnchorAttempts = 3

// AnchorOutcome references an anchored screening on chain.
type AnchorOutcome struct {
	ScreeningID string `json:"screeningId"`
	PatientID   string `json:"patientId"`
	TxHash      string `json:"txHash"`
	DID         string `json:"did"`
	ReportHash  string `json:"reportHash"`
	CardanoRef  string `json:"cardanoRef"`
}

// AnchorScreening anchors a screening's report hash to Cardano. Already
// anchored screenings return their stored references unchanged, so the
// operation is idempotent.
func (uc *ScreeningUseCase) AnchorScreening(ctx context.Context, screeningID string) (*AnchorOutcome, error) {
	s, err := uc.repo.FindByScreeningID(ctx, screeningID)
	if err != nil {
		return nil, err
	}

	if s.AnchorStatus == repository.AnchorStatusAnchored {
		return &AnchorOutcome{
			ScreeningID: s.ScreeningID,
			PatientID:   s.PatientID,
			TxHash:      s.TxHash,
			DID:         s.DID,
			ReportHash:  s.ReportHash,
			CardanoRef:  s.CardanoRef,
		}, nil
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.anchor", screeningID)

	if err := uc.repo.MarkAnchorPending(ctx, screeningID, s.AnchorAttempts+1); err != nil {
		return nil, err
	}

	payload := chain.NewReportPayload(s.ScreeningID, s.PatientID,
		fmt.Sprintf("%s (%d/100)", s.RiskLabel, s.RiskScore), time.Now())
	reportHash, err := chain.ReportHash(payload)
	if err != nil {
		return nil, logging.NewOperationError("usecase.anchor.report_hash", screeningID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAnchorAttempts; attempt++ {
		opLogger.Info("anchoring attempt", zap.Int("attempt", attempt))

		result, anchorErr := uc.anchorer.Anchor(ctx, reportHash, payload)
		if anchorErr == nil {
			if err := uc.repo.UpdateAnchorResult(ctx, screeningID, result.TxHash, result.DID, reportHash, result.CardanoRef); err != nil {
				return nil, err
			}
			uc.logAnchorAttempt(ctx, opLogger, screeningID, repository.AnchorStatusAnchored, "", result)

			return &AnchorOutcome{
				ScreeningID: s.ScreeningID,
				PatientID:   s.PatientID,
				TxHash:      result.TxHash,
				DID:         result.DID,
				ReportHash:  reportHash,
				CardanoRef:  result.CardanoRef,
			}, nil
		}

		lastErr = anchorErr
		opLogger.Warn("anchoring attempt failed", zap.Int("attempt", attempt), zap.Error(anchorErr))
		uc.logAnchorAttempt(ctx, opLogger, screeningID, repository.AnchorStatusFailed, anchorErr.Error(), nil)

		if attempt < maxAnchorAttempts {
			select {
			case <-ctx.Done():
				return nil, logging.NewOperationError("usecase.anchor", screeningID, ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	if err := uc.repo.MarkAnchorFailed(ctx, screeningID, lastErr.Error()); err != nil {
		opLogger.Error("failed to record anchor failure", zap.Error(err))
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrAnchorFailed, maxAnchorAttempts, lastErr)
}

// RetryAnchor re-runs anchoring for a screening whose previous run failed.
func (uc *ScreeningUseCase) RetryAnchor(ctx context.Context, screeningID string) (*AnchorOutcome, error) {
	return uc.AnchorScreening(ctx, screeningID)
}

// GetAnchorLogs lists anchoring attempts for debugging.
func (uc *ScreeningUseCase) GetAnchorLogs(ctx context.Context, screeningID string) ([]*repository.AnchorLog, error) {
	if _, err := uc.repo.FindByScreeningID(ctx, screeningID); err != nil {
		return nil, err
	}
	return uc.repo.AnchorLogs(ctx, screeningID)
}

func (uc *ScreeningUseCase) logAnchorAttempt(ctx context.Context, logger *zap.Logger, screeningID, status, errorText string, result *chain.AnchorResult) {
	entry := &repository.AnchorLog{
		ScreeningRef: screeningID,
		Status:       status,
		ErrorText:    errorText,
		AttemptAt:    time.Now().UTC(),
	}
	if result != nil {
		if body, err := json.Marshal(result); err == nil {
			entry.ResponseBody = string(body)
		}
	}
	if err := uc.repo.SaveAnchorLog(ctx, entry); err != nil {
		logger.Warn("failed to save anchor log", zap.Error(err))
	}
}
