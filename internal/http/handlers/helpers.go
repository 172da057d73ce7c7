package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/artisan-market/internal/http/handlers/common"
)

// userAndParam извлекает текущего пользователя и UUID из параметра пути.
// При ошибке ответ уже отправлен.
func userAndParam(c *gin.Context, param string) (uuid.UUID, uuid.UUID, bool) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondAppError(c, err)
		return uuid.Nil, uuid.Nil, false
	}

	id, err := common.ParseUUIDParam(c, param)
	if err != nil {
		common.RespondAppError(c, err)
		return uuid.Nil, uuid.Nil, false
	}

	return userID, id, true
}
