package control

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Source 是消息发送方的回复通道。
type Source interface {
	Send(Reply) bool
}

// SourceFunc 将函数适配为 Source。
type SourceFunc func(Reply) bool

// Send 使 SourceFunc 满足 Source。
func (f SourceFunc) Send(reply Reply) bool {
	return f(reply)
}

// Operations 是引擎暴露给控制通道的操作。
type Operations interface {
	Install(ctx context.Context) (string, error)
	Update(ctx context.Context) (string, error)
	CheckVersion(ctx context.Context) (Reply, error)
}

// Channel 把消息分发到引擎操作，并把结果或错误回复给发送方。
type Channel struct {
	ops    Operations
	logger *logrus.Logger
}

// NewChannel 创建控制通道。
func NewChannel(ops Operations, logger *logrus.Logger) *Channel {
	return &Channel{ops: ops, logger: logger}
}

// Handle 处理一条消息。未知类型只记录日志；source 为 nil 时回复在记录后丢弃。
// 操作中的错误与 panic 都转换为 error 回复，不会向上传播。
func (ch *Channel) Handle(ctx context.Context, msg Message, source Source) {
	reply, ok := ch.dispatch(ctx, msg)
	if !ok {
		return
	}
	ch.deliver(msg, reply, source)
}

func (ch *Channel) dispatch(ctx context.Context, msg Message) (reply Reply, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			reply, ok = ErrorReply(fmt.Errorf("panic: %v", r)), true
			ch.logger.WithFields(logrus.Fields{
				"action": "control",
				"type":   msg.Type,
				"panic":  r,
			}).Error("control_panic")
		}
	}()

	switch msg.Type {
	case TypeInstall:
		version, err := ch.ops.Install(ctx)
		if err != nil {
			return ch.failure(msg, err), true
		}
		return Reply{Message: MessageInstallComplete, LatestVersion: version}, true
	case TypeUpdate:
		version, err := ch.ops.Update(ctx)
		if err != nil {
			return ch.failure(msg, err), true
		}
		return Reply{Message: MessageUpdateComplete, LatestVersion: version}, true
	case TypeCheck:
		result, err := ch.ops.CheckVersion(ctx)
		if err != nil {
			return ch.failure(msg, err), true
		}
		return result, true
	default:
		ch.logger.WithFields(logrus.Fields{
			"action": "control",
			"type":   msg.Type,
		}).Warn("control_unknown_message")
		return Reply{}, false
	}
}

func (ch *Channel) failure(msg Message, err error) Reply {
	ch.logger.WithError(err).WithFields(logrus.Fields{
		"action": "control",
		"type":   msg.Type,
	}).Error("control_operation_failed")
	return ErrorReply(err)
}

func (ch *Channel) deliver(msg Message, reply Reply, source Source) {
	fields := logrus.Fields{
		"action":  "control",
		"type":    msg.Type,
		"message": reply.Message,
	}
	if source == nil {
		ch.logger.WithFields(fields).Warn("control_reply_dropped")
		return
	}
	if !source.Send(reply) {
		ch.logger.WithFields(fields).Warn("control_reply_undelivered")
		return
	}
	ch.logger.WithFields(fields).Debug("control_reply_sent")
}
