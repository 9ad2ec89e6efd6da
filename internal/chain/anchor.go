package chain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Network is the Cardano network screenings are anchored to.
const Network = "cardano-preprod"

const payloadVersion = "1.0"

// ReportPayload is the screening summary pinned to IPFS and hashed into the
// on-chain reference.
type ReportPayload struct {
	ScreeningID string `json:"screeningId"`
	PatientID   string `json:"patientId"`
	RiskScore   string `json:"riskScore"`
	Timestamp   string `json:"timestamp"`
	Version     string `json:"version"`
	Network     string `json:"network"`
}

// NewReportPayload builds the anchoring payload for a screening.
func NewReportPayload(screeningID, patientID, riskScore string, now time.Time) ReportPayload {
	return ReportPayload{
		ScreeningID: screeningID,
		PatientID:   patientID,
		RiskScore:   riskScore,
		Timestamp:   now.UTC().Format("2006-01-02T15:04:05") + "Z",
		Version:     payloadVersion,
		Network:     Network,
	}
}

// ReportHash is the SHA-256 of the serialized payload, hex encoded. Field
// order is fixed by the struct, so the hash is deterministic.
func ReportHash(p ReportPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// AnchorResult references the anchored report on chain.
type AnchorResult struct {
	CardanoRef string `json:"cardanoRef"`
	TxHash     string `json:"txHash"`
	DID        string `json:"did"`
}

// Status reports chain-gateway reachability for health checks.
type Status struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
}

// Anchorer records screening report hashes on the Cardano testnet.
type Anchorer interface {
	Anchor(ctx context.Context, reportHash string, payload ReportPayload) (*AnchorResult, error)
	VerifyConnection(ctx context.Context) Status
}

// BlockfrostAnchorer pins the report to IPFS through Blockfrost. When the
// gateway rejects the request or is unreachable, it falls back to a
// deterministic simulated reference so the demo flow keeps working.
type BlockfrostAnchorer struct {
	projectID string
	baseURL   string
	ipfsURL   string
	client    *http.Client
	logger    *zap.Logger
}

var _ Anchorer = (*BlockfrostAnchorer)(nil)

// NewBlockfrostAnchorer returns an anchorer for the preprod gateway.
func NewBlockfrostAnchorer(projectID, baseURL, ipfsURL string, client *http.Client, logger *zap.Logger) *BlockfrostAnchorer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &BlockfrostAnchorer{
		projectID: projectID,
		baseURL:   baseURL,
		ipfsURL:   ipfsURL,
		client:    client,
		logger:    logger.Named("blockfrost"),
	}
}

type ipfsAddResponse struct {
	IPFSHash string `json:"ipfs_hash"`
	CID      string `json:"cid"`
}

// Anchor pins the payload and derives the transaction reference. Failures
// degrade to a simulated CID rather than erroring: the chain is an external
// collaborator this service must not die over.
func (a *BlockfrostAnchorer) Anchor(ctx context.Context, reportHash string, payload ReportPayload) (*AnchorResult, error) {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}

	if a.projectID == "" {
		a.logger.Warn("blockfrost project id missing, using simulated anchor")
		return simulate(raw, reportHash), nil
	}

	cid, err := a.pin(ctx, raw)
	if err != nil {
		a.logger.Warn("ipfs pinning failed, using simulated anchor", zap.Error(err))
		return simulate(raw, reportHash), nil
	}

	return &AnchorResult{
		CardanoRef: cid,
		TxHash:     "cardano-ipfs-" + clip(cid, 32),
		DID:        "did:cardano:preprod:" + clip(reportHash, 16),
	}, nil
}

func (a *BlockfrostAnchorer) pin(ctx context.Context, raw []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "screening_report.json")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(raw); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.ipfsURL+"/ipfs/add", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("project_id", a.projectID)

	res, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			a.logger.Warn("failed to close ipfs response body", zap.Error(err))
		}
	}()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("ipfs pinning http %d: %s", res.StatusCode, msg)
	}

	var parsed ipfsAddResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", err
	}
	cid := parsed.IPFSHash
	if cid == "" {
		cid = parsed.CID
	}
	if cid == "" {
		return "", fmt.Errorf("ipfs response missing cid")
	}
	return cid, nil
}

// VerifyConnection probes the Blockfrost health endpoint.
func (a *BlockfrostAnchorer) VerifyConnection(ctx context.Context) Status {
	if a.projectID == "" {
		return Status{Connected: false, Status: "missing_key"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return Status{Connected: false, Status: "error: " + err.Error()}
	}
	req.Header.Set("project_id", a.projectID)

	res, err := a.client.Do(req)
	if err != nil {
		return Status{Connected: false, Status: "error: " + err.Error()}
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			a.logger.Warn("failed to close health response body", zap.Error(err))
		}
	}()

	if res.StatusCode == http.StatusOK {
		return Status{Connected: true, Status: "healthy"}
	}
	return Status{Connected: false, Status: fmt.Sprintf("error_%d", res.StatusCode)}
}

func simulate(payloadJSON []byte, reportHash string) *AnchorResult {
	sum := sha256.Sum256(payloadJSON)
	cid := "Qm" + clip(hex.EncodeToString(sum[:]), 44)
	return &AnchorResult{
		CardanoRef: cid,
		TxHash:     "cardano-ipfs-" + clip(cid, 32),
		DID:        "did:cardano:preprod:" + clip(reportHash, 16),
	}
}

// VerificationID derives the unique identifier bound to an image hash and
// its diagnosis, allocated once per screening before any reward issuance.
func VerificationID(imageHash, label string, confidencePercent float64, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s%.1f%s", imageHash, label, confidencePercent, now.UTC().Format(time.RFC3339Nano))))
	return hex.EncodeToString(sum[:])
}

// ClaimTxHash simulates the reward-claim transaction reference.
func ClaimTxHash(verificationID string, now time.Time) string {
	sum := sha256.Sum256([]byte("reward_" + verificationID + "_" + now.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// ExplorerURL links a transaction on the preprod explorer.
func ExplorerURL(txHash string) string {
	return "https://preprod.cardanoscan.io/transaction/" + txHash
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
