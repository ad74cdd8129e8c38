package engine

import "time"

// State 描述后台引擎的生命周期阶段。
type State string

const (
	StateUninitialized     State = "uninitialized"
	StateCheckingInstalled State = "checking_installed"
	StateInstalled         State = "installed"
	StateNotInstalled      State = "not_installed"
	StateInstalling        State = "installing"
	StateUpdating          State = "updating"
)

// Status 是引擎的诊断快照。
type Status struct {
	State     State     `json:"state"`
	Version   string    `json:"app_version,omitempty"`
	Entries   int       `json:"entries"`
	LastError string    `json:"last_error,omitempty"`
	LastSync  time.Time `json:"last_sync,omitzero"`
}
