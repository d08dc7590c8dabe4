package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/devmesh/controlplane/lib/gql"
	"github.com/devmesh/controlplane/lib/gqlerr"
	"github.com/gorilla/websocket"
)

// wsMessageType is the graphql-transport-ws message discriminator
// (spec.md §4.3 binding (2)): connection_init/ack, subscribe, next, error,
// complete.
type wsMessageType string

const (
	wsConnectionInit wsMessageType = "connection_init"
	wsConnectionAck  wsMessageType = "connection_ack"
	wsSubscribe      wsMessageType = "subscribe"
	wsNext           wsMessageType = "next"
	wsError          wsMessageType = "error"
	wsComplete       wsMessageType = "complete"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    wsMessageType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{"graphql-transport-ws"},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// StartSubscription is supplied by the caller to turn a subscribe message's
// operation into an Upstream producing Frames.
type StartSubscription func(ctx context.Context, req gql.Request) (Upstream, error)

// ServeWS runs the graphql-transport-ws handshake and message loop for one
// client connection, multiplexing any number of concurrent subscriptions
// over it via m.
func ServeWS(w http.ResponseWriter, r *http.Request, m *Multiplexer, start StartSubscription) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := waitForInit(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(wsMessage{Type: wsConnectionAck}); err != nil {
		return err
	}

	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}
	safeWrite := func(msg wsMessage) error {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		return conn.WriteJSON(msg)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}

		switch msg.Type {
		case wsSubscribe:
			var req gql.Request
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				_ = safeWrite(errMessage(msg.ID, gqlerr.New(gqlerr.CodeBadUserInput, "invalid subscribe payload")))
				continue
			}
			upstream, err := start(ctx, req)
			if err != nil {
				_ = safeWrite(errMessage(msg.ID, toGQLErr(err)))
				continue
			}
			sub, err := m.Subscribe(ctx, msg.ID, upstream)
			if err != nil {
				_ = safeWrite(errMessage(msg.ID, toGQLErr(err)))
				continue
			}
			go relay(sub, safeWrite)
		case wsComplete:
			m.Unsubscribe(msg.ID)
		}
	}
}

func relay(sub *Subscription, write func(wsMessage) error) {
	for frame := range sub.Out {
		switch frame.Type {
		case FrameNext:
			payload, _ := json.Marshal(frame.Payload)
			_ = write(wsMessage{ID: sub.ID, Type: wsNext, Payload: payload})
		case FrameError:
			_ = write(errMessage(sub.ID, frame.Err))
			return
		case FrameComplete:
			_ = write(wsMessage{ID: sub.ID, Type: wsComplete})
			return
		}
	}
}

func errMessage(id string, gerr *gqlerr.Error) wsMessage {
	payload, _ := json.Marshal(gqlerr.List{gerr})
	return wsMessage{ID: id, Type: wsError, Payload: payload}
}

func toGQLErr(err error) *gqlerr.Error {
	if gerr, ok := err.(*gqlerr.Error); ok {
		return gerr
	}
	return gqlerr.Wrap(gqlerr.CodeInternal, "subscription failed to start", err)
}

func waitForInit(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Type != wsConnectionInit {
		return gqlerr.New(gqlerr.CodeBadUserInput, "expected connection_init")
	}
	return nil
}
