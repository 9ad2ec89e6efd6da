package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/visionchain/retina-api/internal/repository"
)

func TestClaimRewardHighConfidence(t *testing.T) {
	repo := &stubRepository{screening: &repository.Screening{
		ScreeningID:    "SCR-CAFE",
		VerificationID: "verif-1",
		Confidence:     95.7,
	}}
	uc := newTestUseCase(repo, &stubCache{}, &stubClassifier{}, &stubArtifacts{}, &stubAnchorer{})

	outcome, err := uc.ClaimReward(context.Background(), "verif-1", "addr_test1xyz", false)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Reward.Total != 100 {
		t.Fatalf("expected 100 tokens, got %d", outcome.Reward.Total)
	}
	if len(outcome.TxHash) != 64 {
		t.Fatalf("unexpected tx hash: %q", outcome.TxHash)
	}
	if !strings.HasSuffix(outcome.ExplorerURL, outcome.TxHash) {
		t.Fatalf("explorer url must reference the tx hash, got %s", outcome.ExplorerURL)
	}
	if len(repo.savedClaims) != 1 {
		t.Fatalf("expected 1 saved claim, got %d", len(repo.savedClaims))
	}
	if repo.savedClaims[0].Amount != 100 || repo.savedClaims[0].Tier != "high" {
		t.Fatalf("unexpected claim: %+v", repo.savedClaims[0])
	}
}

func TestClaimRewardProfessionalBonus(t *testing.T) {
	repo := &stubRepository{screening: &repository.Screening{
		VerificationID: "verif-2",
		Confidence:     95.7,
	}}
	uc := newTestUseCase(repo, &stubCache{}, &stubClassifier{}, &stubArtifacts{}, &stubAnchorer{})

	outcome, err := uc.ClaimReward(context.Background(), "verif-2", "addr_test1xyz", true)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if outcome.Reward.Total != 150 {
		t.Fatalf("expected 150 tokens with professional bonus, got %d", outcome.Reward.Total)
	}
}

func TestClaimRewardRejectsDoubleClaim(t *testing.T) {
	repo := &stubRepository{
		screening: &repository.Screening{VerificationID: "verif-3", Confidence: 80},
		claimErr:  repository.ErrRewardAlreadyClaimed,
	}
	uc := newTestUseCase(repo, &stubCache{}, &stubClassifier{}, &stubArtifacts{}, &stubAnchorer{})

	_, err := uc.ClaimReward(context.Background(), "verif-3", "addr_test1xyz", false)
	if !errors.Is(err, repository.ErrRewardAlreadyClaimed) {
		t.Fatalf("expected ErrRewardAlreadyClaimed, got %v", err)
	}
}

func TestClaimRewardUnknownVerification(t *testing.T) {
	repo := &stubRepository{findErr: errors.New("record not found")}
	uc := newTestUseCase(repo, &stubCache{}, &stubClassifier{}, &stubArtifacts{}, &stubAnchorer{})

	if _, err := uc.ClaimReward(context.Background(), "missing", "addr_test1xyz", false); err == nil {
		t.Fatal("expected error for unknown verification id")
	}
}
