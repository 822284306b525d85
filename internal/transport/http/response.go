package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of every API response.
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

// Success writes 200.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: http.StatusOK,
		Msg:  "ok",
		Data: data,
	})
}

// Created writes 201.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code: http.StatusCreated,
		Msg:  "created",
		Data: data,
	})
}

// Error writes an error envelope with the given status.
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, Response{
		Code: httpCode,
		Msg:  msg,
	})
}

// BadRequest writes 400.
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// NotFound writes 404.
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// InternalError writes 500.
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, msg)
}
