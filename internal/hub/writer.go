package hub

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// FrameWriter puts one encoded frame on the wire. Implementations are not
// required to be concurrency safe: the client's write pump is the sole
// caller.
type FrameWriter interface {
	WriteFrame(payload []byte) error
	// Ping keeps the transport alive between frames. Transports without a
	// control-frame concept return nil.
	Ping() error
	Close() error
}

type connWriter struct {
	conn net.Conn
}

// NewConnWriter frames payloads as newline-delimited JSON on a raw TCP (or
// TLS) connection.
func NewConnWriter(conn net.Conn) FrameWriter {
	return &connWriter{conn: conn}
}

func (w *connWriter) WriteFrame(payload []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return err
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.conn.Write(buf)
	return err
}

// Ping is a no-op: the line protocol has an application-level ping frame
// instead, and dead peers surface as write errors.
func (w *connWriter) Ping() error { return nil }

func (w *connWriter) Close() error { return w.conn.Close() }

type socketWriter struct {
	conn *websocket.Conn
}

// NewSocketWriter sends each payload as one WebSocket text message.
func NewSocketWriter(conn *websocket.Conn) FrameWriter {
	return &socketWriter{conn: conn}
}

func (w *socketWriter) WriteFrame(payload []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *socketWriter) Ping() error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *socketWriter) Close() error { return w.conn.Close() }
