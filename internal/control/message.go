// Package control 实现前台实例与后台引擎之间的消息协议：
// 接收 install/update/check 请求，回复完成或错误通知，并向所有已连接实例广播。
package control

// 前台实例发来的消息类型。
const (
	TypeInstall = "install"
	TypeUpdate  = "update"
	TypeCheck   = "check"
)

// 回复与广播中的 message 取值。
const (
	MessageInstallComplete = "install_complete"
	MessageUpdateComplete  = "update_complete"
	MessageNewVersion      = "new_version"
	MessageNoNewVersion    = "no_new_version"
	MessageError           = "error"
)

// Message 是前台实例发送的请求。
type Message struct {
	Type string `json:"type"`
}

// Reply 是回复或广播给前台实例的通知。
type Reply struct {
	Message        string `json:"message"`
	LatestVersion  string `json:"latest_version,omitempty"`
	CurrentVersion string `json:"current_version,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ErrorReply 将错误转为 error 通知。
func ErrorReply(err error) Reply {
	return Reply{Message: MessageError, Error: err.Error()}
}
