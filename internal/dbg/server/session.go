package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"

	"gni.dev/dbgapi/internal/dbg/api"
)

// session serves one connection: read a frame, dispatch it, write the
// response, repeat until the peer goes away.
type session struct {
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	log  logr.Logger
}

func newSession(srv *Server, conn net.Conn) *session {
	log := srv.log.WithValues(append([]interface{}{"remote", conn.RemoteAddr().String()}, peerInfo(conn)...)...)
	return &session{
		srv:  srv,
		conn: conn,
		r:    bufio.NewReader(conn),
		log:  log,
	}
}

func (s *session) serve() {
	defer s.conn.Close()
	s.log.V(1).Info("client connected")

	for {
		msg, err := api.ReadMessage(s.r, s.srv.cfg.MaxMessageSize)
		if err != nil {
			switch {
			case errors.Is(err, api.ErrMessageTooLarge):
				s.reply(api.NewError(api.Errorf(api.CodeInvalidMessage, "message exceeds %d bytes", s.srv.cfg.MaxMessageSize)))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				s.log.V(1).Info("read failed", "error", err.Error())
			}
			s.log.V(1).Info("client disconnected")
			return
		}

		resp := s.srv.dispatcher.DispatchMessage(s.srv.ctx, msg)
		if err := s.reply(resp); err != nil {
			s.log.V(1).Info("write failed", "error", err.Error())
			return
		}
	}
}

func (s *session) reply(resp *api.Response) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout)); err != nil {
		return err
	}
	return api.WriteMessage(s.conn, resp)
}
