package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-sync/internal/control"
)

// HeaderClientID 标识消息发送方对应的 SSE 订阅。
const HeaderClientID = "X-Client-ID"

func registerControlRoutes(app *fiber.App, opts AppOptions) {
	app.Get("/-/control/events", func(c fiber.Ctx) error {
		return streamEvents(c, opts)
	})
	app.Post("/-/control/messages", func(c fiber.Ctx) error {
		return postMessage(c, opts)
	})
}

// streamEvents 注册客户端并以 SSE 推送通知：先发送 attached 事件告知 client_id，
// 之后每条通知一个 message 事件，空闲时按心跳间隔发送注释行保活。
func streamEvents(c fiber.Ctx, opts AppOptions) error {
	client := opts.Clients.Attach()
	logger := opts.Logger.WithFields(logrus.Fields{
		"action":     "control_stream",
		"client_id":  client.ID(),
		"request_id": RequestID(c),
	})
	logger.Info("client_attached")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set(HeaderClientID, client.ID())

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer func() {
			opts.Clients.Detach(client.ID())
			logger.Info("client_detached")
		}()

		attached, _ := json.Marshal(map[string]string{"client_id": client.ID()})
		if err := writeEvent(w, "attached", attached); err != nil {
			return
		}

		ticker := time.NewTicker(opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-client.Done():
				return
			case reply := <-client.Replies():
				encoded, err := json.Marshal(reply)
				if err != nil {
					logger.WithError(err).Warn("reply_encode_failed")
					continue
				}
				if err := writeEvent(w, "message", encoded); err != nil {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
}

func writeEvent(w *bufio.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

// postMessage 解析控制消息并按发送方分派回复：
// 无 X-Client-ID 时同步处理并在响应体中返回回复；
// 已连接的 X-Client-ID 异步处理，回复经 SSE 推送；
// 未知 X-Client-ID 异步处理且没有回复通道。
func postMessage(c fiber.Ctx, opts AppOptions) error {
	var msg control.Message
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		opts.Logger.WithError(err).WithFields(logrus.Fields{
			"action":     "control_message",
			"request_id": RequestID(c),
		}).Warn("control_message_invalid")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
	}

	clientID := strings.TrimSpace(c.Get(HeaderClientID))
	if clientID == "" {
		var replies []control.Reply
		source := control.SourceFunc(func(reply control.Reply) bool {
			replies = append(replies, reply)
			return true
		})
		opts.Handlers.OnMessage(c.Context(), msg, source)
		if len(replies) == 0 {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(replies[len(replies)-1])
	}

	var source control.Source
	if client, ok := opts.Clients.Lookup(clientID); ok {
		source = client
	} else {
		opts.Logger.WithFields(logrus.Fields{
			"action":    "control_message",
			"client_id": clientID,
			"type":      msg.Type,
		}).Warn("control_client_unknown")
	}
	go opts.Handlers.OnMessage(context.Background(), msg, source)
	return c.SendStatus(fiber.StatusAccepted)
}
