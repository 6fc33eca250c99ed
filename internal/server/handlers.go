package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cardguard/internal/fraud"
	"github.com/mbd888/cardguard/internal/idgen"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/scoring"
	"github.com/mbd888/cardguard/internal/statestore"
	"github.com/mbd888/cardguard/internal/txn"
	"github.com/mbd888/cardguard/internal/validation"
)

const (
	defaultTransactionLimit = 20
	maxTransactionLimit     = 100
)

// ScoreResponse is returned by POST /v1/score.
type ScoreResponse struct {
	EventID        string         `json:"eventId"`
	Result         *txn.Result    `json:"result"`
	SpeedKmPerHour float64        `json:"speedKmPerHour"`
	DistanceKm     *float64       `json:"distanceKm,omitempty"`
	Reasons        []fraud.Reason `json:"reasons,omitempty"`
	StateUpdated   bool           `json:"stateUpdated"`
}

// CardStateResponse is returned by GET /v1/cards/:id/state. Score and UCL
// are omitted when the stored values are unreadable.
type CardStateResponse struct {
	CardID            string   `json:"cardId"`
	Score             *float64 `json:"score,omitempty"`
	UCL               *float64 `json:"ucl,omitempty"`
	LastPostcode      *int     `json:"lastPostcode,omitempty"`
	LastTransactionDt string   `json:"lastTransactionDt,omitempty"`
	Corrupt           bool     `json:"corrupt,omitempty"`
}

// TransactionResponse is one ledger row.
type TransactionResponse struct {
	Key         string      `json:"key"`
	ProcessedAt string      `json:"processedAt"`
	Result      *txn.Result `json:"result"`
}

// scoreHandler scores one event synchronously. It shares the per-card lock
// with the stream lanes, so HTTP and stream events for a card never
// interleave.
func (s *Server) scoreHandler(c *gin.Context) {
	var raw txn.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Event body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must be a JSON transaction event",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("card_id", string(raw.CardID)),
		validation.ValidCardID("card_id", string(raw.CardID)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ev, err := raw.Parse()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
		})
		return
	}

	eventID := idgen.WithPrefix("evt_")
	ctx := logging.WithEventID(c.Request.Context(), eventID)

	d, err := s.scorer.Score(ctx, ev)
	if err != nil {
		var se *scoring.StageError
		if errors.As(err, &se) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "store_unavailable",
				"message": "Event was not scored and can be retried",
				"stage":   se.Stage,
				"eventId": eventID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to score event",
		})
		return
	}

	resp := ScoreResponse{
		EventID:        eventID,
		Result:         d.Result(),
		SpeedKmPerHour: d.Velocity.SpeedKmPerHour,
		Reasons:        d.Reasons,
		StateUpdated:   d.Updated,
	}
	if d.Velocity.DistanceOK {
		km := d.Velocity.DistanceKm
		resp.DistanceKm = &km
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) cardStateHandler(c *gin.Context) {
	cardID := c.Param("id")
	state, err := s.cards.GetCardState(c.Request.Context(), cardID)
	corrupt := errors.Is(err, statestore.ErrCorrupt)
	if err != nil && !corrupt {
		s.storeError(c, err)
		return
	}
	if !corrupt && state == (statestore.CardState{}) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "card_not_found",
			"message": "No lookup record for card " + cardID,
		})
		return
	}

	resp := CardStateResponse{
		CardID:  cardID,
		Score:   finite(state.Score),
		UCL:     finite(state.UCL),
		Corrupt: corrupt,
	}
	if state.Last != nil {
		pc := state.Last.Postcode
		resp.LastPostcode = &pc
		resp.LastTransactionDt = state.Last.TransactionAt.Format(txn.StoreTimeLayout)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) transactionsHandler(c *gin.Context) {
	if s.transactions == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "The configured store cannot list transactions",
		})
		return
	}

	limit := defaultTransactionLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxTransactionLimit)
	}

	rows, err := s.transactions.ListTransactions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.storeError(c, err)
		return
	}

	out := make([]TransactionResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, TransactionResponse{
			Key:         row.Key,
			ProcessedAt: row.ProcessedAt.Format(txn.StoreTimeLayout),
			Result:      row.Result(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"cardId":       c.Param("id"),
		"transactions": out,
		"count":        len(out),
	})
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, statestore.ErrUnsupported) {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "The configured store cannot list transactions",
		})
		return
	}
	if statestore.IsUnavailable(err) {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "State store is unavailable",
		})
		return
	}
	logging.L(c.Request.Context()).Error("store read failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to read card state",
	})
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
