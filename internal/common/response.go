package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OK and Fail are the envelope used by the account endpoints. The chat
// endpoints speak the flat {message}/{error} protocol the web client was
// built against; see internal/httpapi/handlers/chat.go.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
