package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TransportError 表示请求未能到达后端（网络不可达、连接被拒绝等）。
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError 表示后端返回了非 2xx 状态码。
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// ValidationError 表示在发出请求前就被拒绝的输入。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Message 选择展示给用户的文案：校验信息优先，其次是后端 detail，最后是 fallback。
func Message(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) && verr.Message != "" {
		return verr.Message
	}
	var herr *HTTPError
	if errors.As(err, &herr) && herr.Detail != "" {
		return herr.Detail
	}
	return fallback
}

// IsStatus 判断 err 是否为指定状态码的 HTTPError。
func IsStatus(err error, code int) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.StatusCode == code
}

// parseDetail 提取错误响应中的 detail 字段。
// detail 既可能是字符串，也可能是校验错误列表（取其中的 msg 字段）。
func parseDetail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(envelope.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}
