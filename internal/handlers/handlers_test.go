package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/visionchain/retina-api/internal/auth"
	"github.com/visionchain/retina-api/internal/chain"
	"github.com/visionchain/retina-api/internal/chat"
	"github.com/visionchain/retina-api/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubAnchorer struct{}

func (stubAnchorer) Anchor(ctx context.Context, reportHash string, payload chain.ReportPayload) (*chain.AnchorResult, error) {
	return &chain.AnchorResult{}, nil
}

func (stubAnchorer) VerifyConnection(ctx context.Context) chain.Status {
	return chain.Status{Connected: false, Status: "missing_key"}
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize

	uc := &usecase.ScreeningUseCase{}
	chatSvc := chat.NewService("", "", zap.NewNop())
	RegisterRoutes(router, uc, chatSvc, stubAnchorer{}, auth.JWTMiddleware(testJWTSecret, ""))
	return router
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	router := newTestRouter()

	token := buildTestToken(t, "op-123", "Dr. Test")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter()

	token := buildTestToken(t, "op-123", "Dr. Test")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestPredictRequiresAuthentication(t *testing.T) {
	router := newTestRouter()

	body, contentType := buildMultipartBody(t, "image/png", []byte("img"))
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestRewardTiersIsPublic(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/blockchain/reward-tiers", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var payload struct {
		Tiers    []map[string]interface{} `json:"tiers"`
		MaxTotal int                      `json:"max_total"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Tiers) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(payload.Tiers))
	}
	if payload.MaxTotal != 150 {
		t.Fatalf("expected max total 150, got %d", payload.MaxTotal)
	}
}

func TestClaimRewardValidatesBody(t *testing.T) {
	router := newTestRouter()

	token := buildTestToken(t, "op-123", "Dr. Test")
	req := httptest.NewRequest(http.MethodPost, "/blockchain/claim-reward", strings.NewReader(`{"walletAddress":"addr_test1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestChatUnavailableWithoutAPIKey(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
}

func TestHealthReportsCollaborators(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var payload struct {
		Status     string       `json:"status"`
		Blockfrost chain.Status `json:"blockfrost"`
		Chat       bool         `json:"chat"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Status != "healthy" {
		t.Fatalf("unexpected status: %s", payload.Status)
	}
	if payload.Blockfrost.Status != "missing_key" {
		t.Fatalf("unexpected blockfrost status: %+v", payload.Blockfrost)
	}
	if payload.Chat {
		t.Fatal("chat must report unavailable without an API key")
	}
}

func TestClassesListsSeverityScale(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/classes", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var payload struct {
		Classes    []string `json:"classes"`
		NumClasses int      `json:"num_classes"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.NumClasses != 5 || len(payload.Classes) != 5 {
		t.Fatalf("expected 5 classes, got %+v", payload)
	}
	if payload.Classes[0] != "No DR" || payload.Classes[4] != "Proliferative" {
		t.Fatalf("classes out of order: %v", payload.Classes)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject, name string) string {
	t.Helper()

	claims := struct {
		Name string `json:"name,omitempty"`
		jwt.RegisteredClaims
	}{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
