package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/service"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait      = 10 * time.Second
	requestTimeout = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
	sendBufSize    = 256
)

// Client is one WebSocket connection and the session it drives. The
// session's live state is pushed to the connection as snapshots.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	session *service.Session
	users   *service.UserDirectory
	log     *zap.Logger

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	unbinds []func()
}

func NewClient(hub *Hub, conn *websocket.Conn, session *service.Session, users *service.UserDirectory, logger *zap.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		userID:  session.UserID,
		session: session,
		users:   users,
		log:     logger.With(zap.String("user_id", session.UserID)),
		send:    make(chan []byte, sendBufSize),
		done:    make(chan struct{}),
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// bind pushes every live value of the session to the connection.
func (c *Client) bind() error {
	cancelChannels, err := c.session.Channels.ObserveAllChannelsLive(func(chs []domain.Channel) {
		visible := []domain.Channel{}
		for _, ch := range chs {
			if ch.VisibleTo(c.userID) {
				visible = append(visible, ch)
			}
		}
		c.push(EventTypeChannelsSnapshot, "", ChannelsPayload{Channels: visible})
	})
	if err != nil {
		return err
	}

	stream := c.session.Stream
	pushMessages := func() {
		c.push(EventTypeMessagesSnapshot, stream.CurrentChannelID(), MessagesPayload{
			Messages: stream.ObserveMessages().Get(),
			Replies:  stream.ObserveAllReplies().Get(),
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unbinds = append(c.unbinds,
		cancelChannels,
		c.session.Channels.ObserveCurrentChannel().Subscribe(func(ch *domain.Channel) {
			if ch != nil {
				c.push(EventTypeChannelCurrent, ch.ID, ch)
			}
		}),
		stream.ObserveMessages().Subscribe(func([]domain.Message) { pushMessages() }),
		stream.ObserveAllReplies().Subscribe(func(map[string][]domain.ThreadMessage) { pushMessages() }),
		stream.ObserveThread().Subscribe(func(v service.ThreadView) {
			c.push(EventTypeThreadSnapshot, stream.CurrentChannelID(), ThreadPayload(v))
		}),
		c.users.ObserveAllUsers().Subscribe(func(users []domain.User) {
			c.push(EventTypeUsersSnapshot, "", UsersPayload{Users: users})
		}),
	)
	return nil
}

func (c *Client) unbind() {
	c.mu.Lock()
	fns := c.unbinds
	c.unbinds = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// ReadPump reads events from the WebSocket until it closes, then tears the
// session down.
func (c *Client) ReadPump() {
	defer func() {
		c.unbind()
		c.session.Close()
		c.hub.remove(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		var event Event
		err := wsjson.Read(context.Background(), c.conn, &event)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("ws client closed the connection")
			} else {
				c.log.Warn("ws read failed", zap.Error(err))
			}
			return
		}

		c.handleEvent(&event)
	}
}

// WritePump writes queued events to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.log.Warn("ws write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Warn("ws ping failed", zap.Error(err))
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleEvent routes an incoming client event.
func (c *Client) handleEvent(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	stream := c.session.Stream

	switch event.Type {
	case EventTypeChannelSelect:
		var p ChannelSelectPayload
		if !c.decode(event, &p) {
			return
		}
		c.reply(c.session.SelectChannel(ctx, p.ChannelID))

	case EventTypeThreadOpen:
		var p ThreadOpenPayload
		if !c.decode(event, &p) {
			return
		}
		if p.ParentID == "" {
			stream.CloseThread()
			return
		}
		msg, err := stream.GetMessage(ctx, p.ParentID)
		if err == nil && msg.ChannelID != stream.CurrentChannelID() {
			err = service.ErrMessageNotFound
		}
		if err == nil {
			err = stream.LoadThreadMessages(p.ParentID)
		}
		c.reply(err)

	case EventTypeMessageSend:
		var p MessageSendPayload
		if !c.decode(event, &p) {
			return
		}
		c.reply(c.sendMessage(ctx, p))

	case EventTypeMessageEdit:
		var p MessageEditPayload
		if !c.decode(event, &p) {
			return
		}
		c.reply(c.update(ctx, p.ParentID, p.DocID, domain.TextEdit{Text: p.Message}))

	case EventTypeReactionToggle:
		var p ReactionTogglePayload
		if !c.decode(event, &p) {
			return
		}
		c.reply(c.update(ctx, p.ParentID, p.DocID, domain.ReactionToggle{Emoji: p.Emoji, UserID: c.userID}))

	case EventTypeMessageDelete:
		var p MessageDeletePayload
		if !c.decode(event, &p) {
			return
		}
		c.reply(stream.DeleteMessage(ctx, p.DocID, c.userID, p.ParentID != "", p.ParentID))

	case EventTypePing:
		c.push(EventTypePong, "", struct{}{})

	default:
		c.sendError("UNKNOWN_EVENT", "unknown event type: "+event.Type)
	}
}

func (c *Client) sendMessage(ctx context.Context, p MessageSendPayload) error {
	stream := c.session.Stream
	ch := c.session.Channels.CurrentChannel()
	if ch == nil || stream.CurrentChannelID() != ch.ID {
		return errNoChannel
	}

	if p.ParentID != "" {
		parent, err := stream.GetMessage(ctx, p.ParentID)
		if err != nil {
			return err
		}
		if parent.ChannelID != ch.ID {
			return service.ErrMessageNotFound
		}
		_, err = stream.AddThreadMessage(ctx, p.ParentID, domain.ThreadMessage{CreatedBy: c.userID, Message: p.Message})
		return err
	}

	_, err := stream.AddMessage(ctx, domain.Message{
		ChannelID: ch.ID,
		CreatedBy: c.userID,
		Message:   p.Message,
		Members:   ch.Members,
	})
	return err
}

func (c *Client) update(ctx context.Context, parentID, docID string, patch domain.MessagePatch) error {
	if parentID != "" {
		return c.session.Stream.UpdateThreadMessage(ctx, parentID, docID, c.userID, patch)
	}
	return c.session.Stream.UpdateMessage(ctx, docID, c.userID, patch)
}

var errNoChannel = errors.New("no channel selected")

// reply reports a failed request to the client. Successful requests are
// answered by the snapshots they cause.
func (c *Client) reply(err error) {
	if err == nil {
		return
	}
	code, msg := errorCode(err)
	if code == "INTERNAL" {
		c.log.Error("ws request failed", zap.Error(err))
	}
	c.sendError(code, msg)
}

func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, errNoChannel):
		return "NO_CHANNEL", err.Error()
	case errors.Is(err, service.ErrChannelNotFound):
		return "NOT_FOUND", "Channel not found"
	case errors.Is(err, service.ErrMessageNotFound):
		return "NOT_FOUND", "Message not found"
	case errors.Is(err, service.ErrNotMessageOwner), errors.Is(err, service.ErrForeignReaction):
		return "FORBIDDEN", err.Error()
	case errors.Is(err, service.ErrInvalidMessage), errors.Is(err, service.ErrUnsupportedPatch), errors.Is(err, service.ErrInvalidChannel):
		return "INVALID_PAYLOAD", err.Error()
	}
	return "INTERNAL", "Something went wrong"
}

func (c *Client) decode(event *Event, v any) bool {
	if err := json.Unmarshal(event.Payload, v); err != nil {
		c.sendError("INVALID_PAYLOAD", "invalid "+event.Type+" payload")
		return false
	}
	return true
}

// push queues a snapshot. A client that cannot keep up is disconnected
// rather than served stale state.
func (c *Client) push(eventType, channelID string, payload any) {
	evt, err := NewEvent(eventType, channelID, payload)
	if err != nil {
		c.log.Error("ws marshal failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	data := mustMarshal(evt)

	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn("ws send buffer full, disconnecting")
		go c.conn.Close(websocket.StatusPolicyViolation, "too slow")
	}
}

func (c *Client) sendError(code, message string) {
	evt, err := NewEvent(EventTypeError, "", ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	select {
	case c.send <- mustMarshal(evt):
	default:
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
