package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

type frame struct {
	kind int
	data []byte
}

// peer owns one websocket. All writes go through a single write pump so
// producers never block on a slow client.
type peer struct {
	id   string
	ws   *websocket.Conn
	send chan frame
	done chan struct{}

	pingInterval time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
	pumpDone  chan struct{}
}

func newPeer(id string, ws *websocket.Conn, buffer int, pingInterval, writeTimeout time.Duration) *peer {
	if buffer <= 0 {
		buffer = 64
	}
	return &peer{
		id:           id,
		ws:           ws,
		send:         make(chan frame, buffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		pumpDone:     make(chan struct{}),
	}
}

func (p *peer) ID() string   { return p.id }
func (p *peer) Closed() bool { return p.closed.Load() }

func (p *peer) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.enqueue(frame{kind: websocket.TextMessage, data: data})
}

func (p *peer) SendBinary(data []byte) error {
	return p.enqueue(frame{kind: websocket.BinaryMessage, data: data})
}

func (p *peer) enqueue(f frame) error {
	if p.closed.Load() {
		return ErrConnClosed
	}
	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which sends a close frame on its way out.
func (p *peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(p.pingInterval)
	defer func() {
		ticker.Stop()
		close(p.pumpDone)
	}()

	for {
		select {
		case f := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.ws.WriteMessage(f.kind, f.data); err != nil {
				p.Close()
				return
			}

		case <-ticker.C:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout)); err != nil {
				p.Close()
				return
			}

		case <-p.done:
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.writeTimeout))
			return
		}
	}
}

// wait blocks until the write pump has exited.
func (p *peer) wait() {
	<-p.pumpDone
}
