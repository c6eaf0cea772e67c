package tesla

import (
	"errors"
	"fmt"
)

// CredentialError 无法获取或刷新令牌
type CredentialError struct {
	Msg string
	Err error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error: %s: %v", e.Msg, e.Err)
	}
	return "credential error: " + e.Msg
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// SessionError 上游 HTTP/协议异常，携带状态码和响应体
type SessionError struct {
	Msg    string
	Status int
	Body   []byte
	// Tesla 返回的 error / error_description
	Reason      string
	Description string
}

func (e *SessionError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "session error"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status=%d", msg, e.Status)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s reason=%q", msg, e.Reason)
	}
	return msg
}

// VehicleStateError 当前连接状态下操作无效
type VehicleStateError struct {
	Msg   string
	State string
}

func (e *VehicleStateError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "vehicle not in expected state"
	}
	return fmt.Sprintf("%s (state=%s)", msg, e.State)
}

// IsStatus 判断错误链中是否有指定状态码的 SessionError
func IsStatus(err error, status int) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Status == status
	}
	return false
}
