package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"checkout-engine/internal/models"
	"checkout-engine/internal/service"
	"checkout-engine/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const actorKey = "actor"

// requireActor reads the caller identity set by the upstream gateway
func requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerUserID))
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			respondError(c, models.NewValidationError(headerUserID+" header must carry a positive user id"))
			c.Abort()
			return
		}

		c.Set(actorKey, service.Actor{
			UserID: userID,
			Admin:  strings.EqualFold(c.GetHeader(headerRole), roleAdmin),
		})
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(service.Actor); ok {
			return actor
		}
	}
	return service.Actor{}
}

// statusFor maps a domain error code to its HTTP status
func statusFor(code models.ErrorCode) int {
	switch code {
	case models.CodeValidation, models.CodePaymentSignatureMismatch:
		return http.StatusBadRequest
	case models.CodeCartMismatch, models.CodeInsufficientStock,
		models.CodeIntentInvalidState, models.CodeInvalidLockState:
		return http.StatusConflict
	case models.CodeDiscountInvalid:
		return http.StatusUnprocessableEntity
	case models.CodeIntentNotFound, models.CodeOrderNotFound, models.CodeLockNotFound:
		return http.StatusNotFound
	case models.CodeIntentExpired:
		return http.StatusGone
	case models.CodeGatewayUnavailable, models.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError renders {"error": {...}}. Errors outside the domain taxonomy
// are logged and reported without detail.
func respondError(c *gin.Context, err error) {
	var derr *models.Error
	switch {
	case errors.As(err, &derr):
		c.JSON(statusFor(derr.Code), gin.H{"error": derr})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{
			"code":    "NOT_FOUND",
			"message": "resource not found",
		}})
	default:
		util.Ctx(c.Request.Context()).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
			"code":    "INTERNAL",
			"message": "internal error",
		}})
	}
}
