package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误码定义
const (
	CodeSuccess             = 0
	CodeParamError          = 1000
	CodeAuthFailed          = 1001
	CodePermissionDenied    = 1002
	CodeResourceNotFound    = 1003
	CodeTrialExhausted      = 1004
	CodeUnknownProduct      = 1006
	CodeProviderUnavailable = 1007
	CodeServerError         = 5000
)

var codeMessages = map[int]string{
	CodeSuccess:             "success",
	CodeParamError:          "参数错误",
	CodeAuthFailed:          "认证失败",
	CodePermissionDenied:    "权限不足",
	CodeResourceNotFound:    "资源不存在",
	CodeTrialExhausted:      "免费试用已用完，请订阅后使用",
	CodeUnknownProduct:      "未知的订阅商品",
	CodeProviderUnavailable: "支付服务暂不可用",
	CodeServerError:         "服务器内部错误",
}

// Response 统一响应结构，HTTP 状态码固定为 200，业务状态看 code
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, codeMessages[CodeSuccess], data)
}

func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// Error 错误响应，message 为空时使用默认文案
func Error(c *gin.Context, code int, message string) {
	if message == "" {
		message = codeMessages[code]
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func AuthError(c *gin.Context, message string) {
	Error(c, CodeAuthFailed, message)
}

func PermissionError(c *gin.Context, message string) {
	Error(c, CodePermissionDenied, message)
}

func NotFoundError(c *gin.Context, message string) {
	Error(c, CodeResourceNotFound, message)
}

// TrialExhaustedError 免费试用已消耗且没有订阅
func TrialExhaustedError(c *gin.Context, message string) {
	Error(c, CodeTrialExhausted, message)
}

func UnknownProductError(c *gin.Context, message string) {
	Error(c, CodeUnknownProduct, message)
}

func ProviderUnavailableError(c *gin.Context, message string) {
	Error(c, CodeProviderUnavailable, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}
