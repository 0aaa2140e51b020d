package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

const internalErrorMessage = "internal server error"

// respondError переводит ошибку сервиса в конверт ответа.
// fallbackStatus применяется к ошибкам хранилища и прочим непредвиденным сбоям;
// их текст клиенту не отдаётся.
func (h *Handler) respondError(c *gin.Context, fallbackStatus int, message string, err error) {
	var gwErr *domain.GatewayError

	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, envelope{Message: message, Error: err.Error()})
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, envelope{Message: "Order not found", Error: err.Error()})
	case errors.Is(err, domain.ErrLineNotFound):
		c.JSON(http.StatusNotFound, envelope{Message: "Product not found in order", Error: err.Error()})
	case domain.IsVersionConflict(err):
		c.JSON(http.StatusConflict, envelope{Message: message, Error: err.Error()})
	case errors.As(err, &gwErr):
		c.JSON(http.StatusInternalServerError, envelope{Message: message, Error: gwErr.Message})
	default:
		h.logger.WithError(err).WithFields(log.Fields{
			"route":  c.FullPath(),
			"status": fallbackStatus,
		}).Error("request failed")
		c.JSON(fallbackStatus, envelope{Message: message, Error: internalErrorMessage})
	}
}

// respondBindError отвечает на тело запроса, которое не удалось разобрать.
func (h *Handler) respondBindError(c *gin.Context, message string, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, envelope{Message: message, Error: "request body too large"})
		return
	}
	h.logger.WithError(err).WithField("route", c.FullPath()).Debug("invalid request body")
	c.JSON(http.StatusBadRequest, envelope{Message: message, Error: "invalid request body"})
}
