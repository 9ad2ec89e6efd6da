package handlers

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/visionchain/retina-api/internal/auth"
	"github.com/visionchain/retina-api/internal/chain"
	"github.com/visionchain/retina-api/internal/chat"
	"github.com/visionchain/retina-api/internal/classifier"
	"github.com/visionchain/retina-api/internal/diagnosis"
	"github.com/visionchain/retina-api/internal/repository"
	"github.com/visionchain/retina-api/internal/retina"
	"github.com/visionchain/retina-api/internal/reward"
	"github.com/visionchain/retina-api/internal/storage"
	"github.com/visionchain/retina-api/internal/usecase"
)

// MaxUploadSize caps fundus uploads at 10 MiB.
const MaxUploadSize = 10 << 20

type anchorRequest struct {
	ScreeningID string `json:"screeningId" binding:"required"`
}

type claimRequest struct {
	VerificationID string `json:"verificationId" binding:"required"`
	WalletAddress  string `json:"walletAddress" binding:"required"`
	IsProfessional bool   `json:"isProfessional"`
}

type chatRequest struct {
	Messages []chat.Message `json:"messages" binding:"required,min=1,dive"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ScreeningUseCase, chatSvc *chat.Service, anchorer chain.Anchorer, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "healthy",
			"blockfrost": anchorer.VerifyConnection(c.Request.Context()),
			"chat":       chatSvc.Available(),
		})
	})

	router.GET("/classes", func(c *gin.Context) {
		descriptions := make(map[string]string, len(diagnosis.Labels))
		for _, label := range diagnosis.Labels {
			descriptions[label] = diagnosis.Describe(label)
		}
		c.JSON(http.StatusOK, gin.H{
			"classes":      diagnosis.Labels,
			"num_classes":  len(diagnosis.Labels),
			"descriptions": descriptions,
		})
	})

	router.POST("/predict", authMiddleware, func(c *gin.Context) {
		op, ok := auth.GetOperator(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "operator identity missing"})
			return
		}

		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		if ct := file.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file must be an image"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		outcome, err := uc.Screen(c.Request.Context(), usecase.Operator{ID: op.ID, Name: op.Name}, c.PostForm("patient_id"), data)
		if err != nil {
			var rejection *retina.RejectionError
			switch {
			case errors.As(err, &rejection):
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "not a retinal fundus image",
					"reasons": rejection.Reasons,
				})
			case errors.Is(err, usecase.ErrUndecodableImage):
				c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded file is not a decodable image"})
			case isInferenceError(err):
				c.JSON(http.StatusBadGateway, gin.H{"error": "inference service failed"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, screeningResponse(outcome.Screening, outcome.Diagnosis.Probabilities, outcome.HeatmapName))
	})

	router.GET("/heatmap/:name", func(c *gin.Context) {
		name := c.Param("name")
		if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heatmap name"})
			return
		}

		reader, contentType, err := uc.Heatmap(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "heatmap not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load heatmap"})
			return
		}
		defer reader.Close()

		if contentType == "" {
			contentType = "image/png"
		}
		c.Header("Content-Type", contentType)
		c.Status(http.StatusOK)
		_, _ = io.Copy(c.Writer, reader)
	})

	router.GET("/screenings/:id", authMiddleware, func(c *gin.Context) {
		screeningID := c.Param("id")
		s, err := uc.GetResult(c.Request.Context(), screeningID)
		if err != nil {
			respondLookupError(c, err)
			return
		}
		c.JSON(http.StatusOK, screeningResponse(s, nil, s.HeatmapKey))
	})

	router.GET("/screenings/recent", authMiddleware, func(c *gin.Context) {
		op, _ := auth.GetOperator(c.Request.Context())
		screenings, err := uc.GetRecentScreenings(c.Request.Context(), op.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load recent screenings"})
			return
		}

		items := make([]gin.H, 0, len(screenings))
		for _, s := range screenings {
			items = append(items, gin.H{
				"screeningId": s.ScreeningID,
				"patientId":   s.PatientID,
				"riskLabel":   s.RiskLabel,
				"createdAt":   s.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, items)
	})

	router.GET("/stats/today", authMiddleware, func(c *gin.Context) {
		op, _ := auth.GetOperator(c.Request.Context())
		stats, err := uc.GetTodayStats(c.Request.Context(), op.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	router.GET("/analytics/summary", authMiddleware, func(c *gin.Context) {
		op, _ := auth.GetOperator(c.Request.Context())
		summary, err := uc.GetAnalyticsSummary(c.Request.Context(), op.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analytics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.POST("/chat", func(c *gin.Context) {
		var req chatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "messages are required"})
			return
		}

		reply, err := chatSvc.Reply(c.Request.Context(), req.Messages)
		if err != nil {
			if errors.Is(err, chat.ErrUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat service unavailable"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reply": reply})
	})

	blockchain := router.Group("/blockchain")
	{
		blockchain.GET("/reward-tiers", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"tiers":              reward.Tiers(),
				"professional_bonus": reward.ProfessionalBonus,
				"max_total":          reward.BaseHigh + reward.ProfessionalBonus,
				"token":              "VISION",
			})
		})

		blockchain.POST("/store-on-chain", authMiddleware, func(c *gin.Context) {
			var req anchorRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "screeningId is required"})
				return
			}
			outcome, err := uc.AnchorScreening(c.Request.Context(), req.ScreeningID)
			respondAnchor(c, outcome, err)
		})

		blockchain.POST("/retry-anchor", authMiddleware, func(c *gin.Context) {
			var req anchorRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "screeningId is required"})
				return
			}
			outcome, err := uc.RetryAnchor(c.Request.Context(), req.ScreeningID)
			respondAnchor(c, outcome, err)
		})

		blockchain.GET("/anchor-logs", authMiddleware, func(c *gin.Context) {
			screeningID := c.Query("screeningId")
			if screeningID == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "screeningId is required"})
				return
			}
			logs, err := uc.GetAnchorLogs(c.Request.Context(), screeningID)
			if err != nil {
				respondLookupError(c, err)
				return
			}

			items := make([]gin.H, 0, len(logs))
			for _, l := range logs {
				items = append(items, gin.H{
					"status":    l.Status,
					"error":     l.ErrorText,
					"response":  l.ResponseBody,
					"attemptAt": l.AttemptAt,
				})
			}
			c.JSON(http.StatusOK, items)
		})

		blockchain.POST("/claim-reward", authMiddleware, func(c *gin.Context) {
			var req claimRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "verificationId and walletAddress are required"})
				return
			}

			outcome, err := uc.ClaimReward(c.Request.Context(), req.VerificationID, req.WalletAddress, req.IsProfessional)
			if err != nil {
				if errors.Is(err, repository.ErrRewardAlreadyClaimed) {
					c.JSON(http.StatusConflict, gin.H{"error": "reward already claimed for this verification"})
					return
				}
				respondLookupError(c, err)
				return
			}
			c.JSON(http.StatusOK, outcome)
		})
	}
}

func respondAnchor(c *gin.Context, outcome *usecase.AnchorOutcome, err error) {
	if err != nil {
		if errors.Is(err, usecase.ErrAnchorFailed) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		respondLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "screening not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func isInferenceError(err error) bool {
	var invalid *diagnosis.InvalidProbabilitiesError
	return errors.Is(err, classifier.ErrUnavailable) || errors.As(err, &invalid)
}

func screeningResponse(s *repository.Screening, probs diagnosis.Probabilities, heatmapName string) gin.H {
	resp := gin.H{
		"screeningId":       s.ScreeningID,
		"verificationId":    s.VerificationID,
		"patientId":         s.PatientID,
		"diagnosis":         s.RiskLabel,
		"risk":              diagnosis.RiskForLabel(s.RiskLabel),
		"riskScore":         fmt.Sprintf("%s (%d/100)", s.RiskLabel, s.RiskScore),
		"confidence":        s.Confidence,
		"explanation":       s.Explanation,
		"anchorStatus":      s.AnchorStatus,
		"heatmap_available": heatmapName != "",
		"createdAt":         s.CreatedAt,
	}
	if heatmapName != "" {
		resp["heatmap_url"] = "/heatmap/" + heatmapName
	}
	if probs != nil {
		percents := make(map[string]float64, len(probs))
		for label, p := range probs {
			percents[label] = math.Round(p*10000) / 100
		}
		resp["class_probabilities"] = percents
	}
	return resp
}
