package chat

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"IMDeliver/logger"
	"IMDeliver/service/wire"
	"IMDeliver/tools/safe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSServer terminates client sockets. Identity rides on the query string
// (the fronting gateway has already authenticated the token); every
// subsequent frame goes through the dispatcher.
type WSServer struct {
	conns  *ConnManager
	router *Router
	disp   *Dispatcher
}

func NewWSServer(conns *ConnManager, router *Router, disp *Dispatcher) *WSServer {
	return &WSServer{conns: conns, router: router, disp: disp}
}

// Engine builds the gin engine serving the /ws endpoint.
func (s *WSServer) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	e.GET("/ws", s.HandleWS)
	e.GET("/healthz", func(c *gin.Context) {
		st := s.conns.Stats()
		c.JSON(http.StatusOK, gin.H{"active": st.Active, "users": st.Users})
	})
	return e
}

func (s *WSServer) HandleWS(c *gin.Context) {
	userID := c.Query("uid")
	deviceID := c.Query("did")
	if userID == "" || deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uid and did required"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed for %s: %v", userID, err)
		return
	}

	conn := NewWSConn(ws)
	entry, err := s.conns.Register(c.Request.Context(), userID, deviceID, conn)
	if err != nil {
		logger.Warnf("[ws] register %s/%s refused: %v", userID, deviceID, err)
		_ = ws.Close()
		return
	}

	// fresh socket drains the offline inbox before live traffic
	safe.Go(func() {
		n, err := s.router.DrainOfflineTo(c.Request.Context(), userID)
		if err != nil {
			logger.Warnf("[ws] offline replay %s: %v", userID, err)
			return
		}
		if n > 0 {
			logger.Infof("[ws] replayed %d offline messages to %s", n, userID)
		}
	})

	s.readLoop(c, userID, deviceID, entry, ws)
}

func (s *WSServer) readLoop(c *gin.Context, userID, deviceID string, entry *ConnEntry, ws *websocket.Conn) {
	defer s.conns.Unregister(c.Request.Context(), userID, deviceID, entry)

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debugf("[ws] peer closed user=%s device=%s", userID, deviceID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout user=%s: %v", userID, rerr)
			} else {
				logger.Infof("[ws] read err user=%s: %v", userID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.conns.Touch(userID, deviceID)

		f, perr := wire.Decode(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad frame user=%s err=%v sample=%q", userID, perr, sample)
			continue
		}

		hctx := &Context{
			Ctx:      c.Request.Context(),
			UserID:   userID,
			DeviceID: deviceID,
			Entry:    entry,
			Router:   s.router,
			Conns:    s.conns,
		}
		if err := s.disp.Dispatch(hctx, f); err != nil {
			logger.Warnf("[ws] handle %s frame from %s: %v", f.Type, userID, err)
		}
	}
}
