package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

const (
	CodeConfigMissing       = 1001
	CodeProjectNotFound     = 1002
	CodeInvalidState        = 1003
	CodeNoPendingURLs       = 1004
	CodeInsufficientCredits = 1005
	CodeReservationExceeded = 1006
	CodeTransactionFailed   = 1007
	CodeProjectBusy         = 1008
	CodeURLNotFound         = 1009
)

// Response is the envelope of every API reply. Business failures are reported
// with HTTP 200 and a non-zero Code.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	ErrorWithData(c, code, message, nil)
}

// ErrorWithData reports a failure together with details a client can render,
// such as the credit shortfall.
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
