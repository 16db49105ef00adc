// Package wsserver is the reference SocketAdapter: a
// nhooyr.io/websocket server inverted from the teacher's irisfast
// client (internal/irisfast/ws_nhooyr.go). Where the client dials out
// and runs one listen goroutine plus one ping goroutine per
// connection, the server accepts inbound upgrades and runs the same
// listen/ping goroutine pair per accepted connection, fanning
// server-originated frames out to every socket in a game's room.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/latticechess/arena-core/internal/arenaerr"
	"github.com/latticechess/arena-core/internal/obslog"
	"github.com/latticechess/arena-core/internal/protocol"
)

const pingInterval = 30 * time.Second

// TokenVerifier authenticates the bearer token presented at connect
// time and returns the playerId it authorizes. The core depends on
// this interface but does not implement issuance (spec keeps identity
// issuance external); Server ships an HMAC-backed implementation
// below for local/dev use.
type TokenVerifier interface {
	Verify(token string) (playerID string, err error)
}

// HMACVerifier verifies HS256 tokens against a shared secret. It is a
// development convenience, not the production identity provider.
type HMACVerifier struct {
	Secret []byte
}

func (v HMACVerifier) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, arenaerr.New(arenaerr.Unauthenticated, "unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", arenaerr.Wrap(arenaerr.Unauthenticated, "invalid token", err)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", arenaerr.New(arenaerr.Unauthenticated, "token missing sub claim")
	}
	return sub, nil
}

// Handler processes one decoded inbound message for a connection and
// returns the response to send back on the same socket, or an
// out-of-band push handled internally (e.g. a move triggers room
// broadcasts as a side effect before returning the ack).
type Handler func(ctx context.Context, playerID string, msg protocol.ClientEnvelope) protocol.Response

// ConnectHandler runs once a socket is accepted and authenticated, so
// the caller can create/refresh presence for playerID.
type ConnectHandler func(playerID, connectionID string)

// DisconnectHandler runs once a socket is torn down, so the caller can
// cancel the player's search session and pause any active clock.
type DisconnectHandler func(playerID string)

type connection struct {
	id       string
	playerID string
	conn     *websocket.Conn
	rootCtx  context.Context
	cancel   context.CancelFunc
	sendMu   sync.Mutex
}

func (c *connection) send(ctx context.Context, env protocol.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return wsjson.Write(ctx, c.conn, env)
}

// Server accepts WebSocket upgrades, authenticates them, and routes
// decoded frames to Handler. Rooms are keyed by gameId; a room fans a
// server-pushed Envelope out to every connection currently joined,
// generalizing the teacher's pvpchan OriginRoom/ResolveRoom
// broadcast-to-a-room pattern from a fixed pair of rooms to an
// arbitrary set of sockets per game.
type Server struct {
	verifier     TokenVerifier
	handler      Handler
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler

	mu    sync.RWMutex
	conns map[string]*connection   // connectionId -> connection
	rooms map[string]map[string]struct{} // gameId -> set of connectionId
	byPlayer map[string]*connection // playerId -> latest connection
}

func New(verifier TokenVerifier, handler Handler, onConnect ConnectHandler, onDisconnect DisconnectHandler) *Server {
	return &Server{
		verifier:     verifier,
		handler:      handler,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		conns:        make(map[string]*connection),
		rooms:        make(map[string]map[string]struct{}),
		byPlayer:     make(map[string]*connection),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerFromHeader(r.Header.Get("Authorization"))
	}
	playerID, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:       connID(playerID),
		playerID: playerID,
		conn:     c,
		rootCtx:  ctx,
		cancel:   cancel,
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.byPlayer[playerID] = conn
	s.mu.Unlock()

	obslog.L().Info("ws_connected", zap.String("player_id", playerID), zap.String("conn_id", conn.id))
	if s.onConnect != nil {
		s.onConnect(playerID, conn.id)
	}

	go s.pingLoop(conn)
	s.listen(conn)
}

func (s *Server) listen(conn *connection) {
	defer s.disconnect(conn)
	for {
		var env protocol.ClientEnvelope
		if err := wsjson.Read(conn.rootCtx, conn.conn, &env); err != nil {
			return
		}
		if env.Type == "" {
			_ = conn.send(conn.rootCtx, protocol.Envelope{Type: protocol.OutError, Data: protocol.Fail("malformed message")})
			continue
		}

		resp := s.handler(conn.rootCtx, conn.playerID, env)
		_ = conn.send(conn.rootCtx, protocol.Envelope{Type: protocol.ServerMessageType(env.Type), Data: resp})
	}
}

func (s *Server) pingLoop(conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-conn.rootCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(conn.rootCtx, 3*time.Second)
			err := conn.conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					s.disconnect(conn)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Server) disconnect(conn *connection) {
	conn.cancel()
	_ = conn.conn.Close(websocket.StatusNormalClosure, "bye")

	s.mu.Lock()
	delete(s.conns, conn.id)
	lastConn := s.byPlayer[conn.playerID] == conn
	if lastConn {
		delete(s.byPlayer, conn.playerID)
	}
	for gameID, members := range s.rooms {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(s.rooms, gameID)
		}
	}
	s.mu.Unlock()

	obslog.L().Info("ws_disconnected", zap.String("player_id", conn.playerID), zap.String("conn_id", conn.id))
	// Only fire the disconnect hook if no newer connection has already
	// replaced this one for the same player.
	if lastConn && s.onDisconnect != nil {
		s.onDisconnect(conn.playerID)
	}
}

// JoinRoom adds playerID's active connection to gameId's room.
func (s *Server) JoinRoom(gameID, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byPlayer[playerID]
	if !ok {
		return
	}
	room, ok := s.rooms[gameID]
	if !ok {
		room = make(map[string]struct{})
		s.rooms[gameID] = room
	}
	room[conn.id] = struct{}{}
}

// LeaveRoom removes playerID's connection from gameId's room.
func (s *Server) LeaveRoom(gameID, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.byPlayer[playerID]
	if !ok {
		return
	}
	if room, ok := s.rooms[gameID]; ok {
		delete(room, conn.id)
		if len(room) == 0 {
			delete(s.rooms, gameID)
		}
	}
}

// Broadcast fans env out to every connection currently joined to
// gameId's room.
func (s *Server) Broadcast(gameID string, env protocol.Envelope) {
	s.mu.RLock()
	room := s.rooms[gameID]
	targets := make([]*connection, 0, len(room))
	for connID := range room {
		if c, ok := s.conns[connID]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		_ = c.send(c.rootCtx, env)
	}
}

// SendTo pushes env to a single player's active connection, if any.
func (s *Server) SendTo(playerID string, env protocol.Envelope) {
	s.mu.RLock()
	conn, ok := s.byPlayer[playerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	_ = conn.send(conn.rootCtx, env)
}

// IsConnected reports whether playerID currently has an active socket.
func (s *Server) IsConnected(playerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byPlayer[playerID]
	return ok
}

func bearerFromHeader(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func connID(playerID string) string {
	return playerID + ":" + time.Now().UTC().Format("150405.000000000")
}
