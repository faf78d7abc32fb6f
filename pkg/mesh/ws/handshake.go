package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/MrWong99/chatterhouse/pkg/mesh"
)

// hello is the first text message on every link, sent by both sides.
type hello struct {
	ID   mesh.PeerID `json:"id"`
	Name string      `json:"name"`
}

var errSelfLink = errors.New("ws: link to self")

func (t *Transport) localHello() hello {
	return hello{ID: t.cfg.ID, Name: t.cfg.Name}
}

// acceptHello runs the server side: read the dialler's hello, reply, then
// vet. Replying first lets a dialler that reached itself recognise that.
func (t *Transport) acceptHello(ctx context.Context, conn *websocket.Conn) (hello, error) {
	remote, err := readHello(ctx, conn)
	if err != nil {
		return hello{}, err
	}
	if err := writeHello(ctx, conn, t.localHello()); err != nil {
		return hello{}, err
	}
	if err := t.vet(remote); err != nil {
		return hello{}, err
	}
	return remote, nil
}

// dialHello runs the client side: send our hello, read and vet the reply.
func (t *Transport) dialHello(ctx context.Context, conn *websocket.Conn) (hello, error) {
	if err := writeHello(ctx, conn, t.localHello()); err != nil {
		return hello{}, err
	}
	remote, err := readHello(ctx, conn)
	if err != nil {
		return hello{}, err
	}
	if err := t.vet(remote); err != nil {
		return hello{}, err
	}
	return remote, nil
}

func (t *Transport) vet(h hello) error {
	if h.ID == "" {
		return errors.New("ws: hello without peer id")
	}
	if h.ID == t.cfg.ID {
		return errSelfLink
	}
	if t.connected(h.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, h.ID)
	}
	return nil
}

func readHello(ctx context.Context, conn *websocket.Conn) (hello, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return hello{}, fmt.Errorf("ws: read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return hello{}, errors.New("ws: hello must be a text message")
	}
	var h hello
	if err := json.Unmarshal(data, &h); err != nil {
		return hello{}, fmt.Errorf("ws: decode hello: %w", err)
	}
	return h, nil
}

func writeHello(ctx context.Context, conn *websocket.Conn, h hello) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("ws: encode hello: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: write hello: %w", err)
	}
	return nil
}
