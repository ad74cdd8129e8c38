package control

import (
	"sync"

	"github.com/google/uuid"
)

const defaultMailboxSize = 16

// Client 表示一个已连接的前台实例；Replies 由传输层（SSE）消费。
type Client struct {
	id      string
	replies chan Reply

	once   sync.Once
	closed chan struct{}
}

// ID 返回客户端标识。
func (c *Client) ID() string {
	return c.id
}

// Replies 返回待投递的通知队列。
func (c *Client) Replies() <-chan Reply {
	return c.replies
}

// Done 在客户端断开后关闭。
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Send 投递通知；队列已满或已断开时丢弃并返回 false，不阻塞引擎。
func (c *Client) Send(reply Reply) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.replies <- reply:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.closed) })
}

// Hub 维护已连接的前台实例，并实现广播。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	mailbox int
}

// NewHub 创建空的客户端集合；mailbox <= 0 时使用默认队列长度。
func NewHub(mailbox int) *Hub {
	if mailbox <= 0 {
		mailbox = defaultMailboxSize
	}
	return &Hub{clients: make(map[string]*Client), mailbox: mailbox}
}

// Attach 注册新客户端并分配 UUID。
func (h *Hub) Attach() *Client {
	client := &Client{
		id:      uuid.NewString(),
		replies: make(chan Reply, h.mailbox),
		closed:  make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	return client
}

// Detach 移除客户端，重复调用安全。
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		client.close()
	}
}

// Lookup 根据 ID 查找已连接客户端。
func (h *Hub) Lookup(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	return client, ok
}

// Close 断开全部客户端，用于进程退出前结束 SSE 长连接。
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}

// Len 返回当前连接数。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 向所有已连接客户端投递通知，返回成功投递的数量。
func (h *Hub) Broadcast(reply Reply) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, client := range targets {
		if client.Send(reply) {
			delivered++
		}
	}
	return delivered
}
