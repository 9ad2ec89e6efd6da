package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/visionchain/retina-api/internal/chain"
	"github.com/visionchain/retina-api/internal/logging"
	"github.com/visionchain/retina-api/internal/repository"
	"github.com/visionchain/retina-api/internal/reward"
)

// ClaimOutcome is the result of a successful VISION token claim.
type ClaimOutcome struct {
	VerificationID string        `json:"verification_id"`
	WalletAddress  string        `json:"wallet_address"`
	Reward         reward.Reward `json:"reward"`
	TxHash         string        `json:"tx_hash"`
	ExplorerURL    string        `json:"explorer_url"`
}

// ClaimReward issues the token reward for a verified screening. The amount
// is a pure function of the stored confidence and the professional flag;
// the reward_claims unique constraint guarantees at most one successful
// claim per verification id, surfaced as ErrRewardAlreadyClaimed.
func (uc *ScreeningUseCase) ClaimReward(ctx context.Context, verificationID, walletAddress string, isProfessional bool) (*ClaimOutcome, error) {
	s, err := uc.repo.FindByVerificationID(ctx, verificationID)
	if err != nil {
		return nil, err
	}

	opLogger := logging.WithOperation(uc.logger, "usecase.claim_reward", s.ScreeningID)

	rw := reward.Derive(s.Confidence, isProfessional)
	now := time.Now().UTC()
	txHash := chain.ClaimTxHash(verificationID, now)

	claim := &repository.RewardClaim{
		VerificationID: verificationID,
		WalletAddress:  walletAddress,
		Tier:           string(rw.Tier),
		Amount:         rw.Total,
		TxHash:         txHash,
		CreatedAt:      now,
	}
	if err := uc.repo.SaveRewardClaim(ctx, claim); err != nil {
		return nil, err
	}

	opLogger.Info("reward claimed",
		zap.String("tier", string(rw.Tier)),
		zap.Int("amount", rw.Total),
		zap.Bool("professional", isProfessional))

	return &ClaimOutcome{
		VerificationID: verificationID,
		WalletAddress:  walletAddress,
		Reward:         rw,
		TxHash:         txHash,
		ExplorerURL:    chain.ExplorerURL(txHash),
	}, nil
}
