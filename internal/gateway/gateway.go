package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"planboard/collab/internal/auth"
	"planboard/collab/internal/dispatch"
	"planboard/collab/internal/doc"
	"planboard/collab/internal/preview"
	"planboard/collab/internal/rooms"
	"planboard/collab/internal/workspace"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 4 << 20
	lastClientFlushWait = 10 * time.Second
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID string
	// Workspace restricts the connection to one workspace when set.
	Workspace string
}

// Authenticator resolves the identity of an upgrade request.
type Authenticator func(r *http.Request) (Identity, error)

// Flusher persists buffered writes of a workspace once its last client
// left.
type Flusher interface {
	FlushWorkspace(ctx context.Context, workspaceID string) error
}

type Options struct {
	Authenticate   Authenticator
	OriginPatterns []string
	SendBuffer     int
	WriteTimeout   time.Duration
	ReadLimit      int64
	Logger         *zap.Logger
}

// Gateway binds websocket connections to their workspace document and
// room.
type Gateway struct {
	hub        *workspace.Hub
	registry   *rooms.Registry
	dispatcher *dispatch.Dispatcher
	previews   *preview.Coordinator
	flusher    Flusher
	opts       Options
	logger     *zap.Logger
}

func New(hub *workspace.Hub, registry *rooms.Registry, dispatcher *dispatch.Dispatcher, previews *preview.Coordinator, flusher Flusher, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Authenticate == nil {
		opts.Authenticate = QueryIdentity
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Gateway{
		hub:        hub,
		registry:   registry,
		dispatcher: dispatcher,
		previews:   previews,
		flusher:    flusher,
		opts:       opts,
		logger:     opts.Logger.Named("gateway"),
	}
}

// QueryIdentity trusts the userId query parameter.
func QueryIdentity(r *http.Request) (Identity, error) {
	return Identity{UserID: r.URL.Query().Get("userId")}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspaceID := ResolveWorkspaceID(r)
	identity, err := g.opts.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if identity.Workspace != "" && identity.Workspace != workspaceID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  g.opts.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(g.opts.ReadLimit)

	sock := newSocket(uuid.NewString(), identity.UserID, conn, g.opts.SendBuffer, g.opts.WriteTimeout, g.logger)
	if err := g.Serve(r.Context(), sock, workspaceID); err != nil {
		g.logger.Warn("connection ended with error",
			zap.String("workspace_id", workspaceID),
			zap.String("socket_id", sock.ID()),
			zap.Error(err),
		)
	}
}

// Serve runs one connection until it closes. The client receives the
// full document state before any update and before joining the room.
func (g *Gateway) Serve(ctx context.Context, sock *Socket, workspaceID string) error {
	log := g.logger.With(
		zap.String("workspace_id", workspaceID),
		zap.String("socket_id", sock.ID()),
		zap.String("user_id", sock.UserID()),
	)

	document, release, err := g.hub.Acquire(ctx, workspaceID)
	if err != nil {
		sock.close(websocket.StatusInternalError, "workspace unavailable")
		return fmt.Errorf("acquire workspace %s: %w", workspaceID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sock.writeLoop(ctx)

	var initErr error
	unsubscribe := document.Shared().SubscribeWithState(func(state doc.Update) {
		frame, err := doc.EncodeMessage(doc.KindState, state)
		if err != nil {
			initErr = err
			return
		}
		initErr = sock.SendBinary(ctx, frame)
	}, func(ev doc.Event) {
		if origin, ok := ev.Origin.(*Socket); ok && origin == sock {
			return
		}
		frame, err := doc.EncodeMessage(doc.KindUpdate, ev.Update)
		if err != nil {
			log.Error("encode update", zap.Error(err))
			return
		}
		_ = sock.SendBinary(ctx, frame)
	})
	defer g.teardown(ctx, sock, workspaceID, unsubscribe, release, log)
	if initErr != nil {
		return fmt.Errorf("send initial state: %w", initErr)
	}

	g.registry.Join(workspaceID, sock)
	log.Info("client connected")

	accept := g.previews.AcceptOp(sock.UserID())
	for {
		typ, data, err := sock.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			select {
			case <-sock.Done():
				return nil
			default:
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		switch typ {
		case websocket.MessageBinary:
			msg, err := doc.DecodeMessage(data)
			if err != nil {
				log.Debug("ignoring malformed replication frame", zap.Error(err))
				continue
			}
			if _, err := document.ApplyRemote(msg.Update, sock, accept); err != nil {
				log.Warn("apply client update", zap.Error(err))
			}
		case websocket.MessageText:
			g.dispatcher.OnMessage(ctx, sock, data, workspaceID)
		}
	}
}

// teardown deregisters the socket, flushes pending positions when the
// room became empty and only then drops the room.
func (g *Gateway) teardown(ctx context.Context, sock *Socket, workspaceID string, unsubscribe, release func(), log *zap.Logger) {
	unsubscribe()

	if room, remaining := g.registry.Leave(sock); room != "" && remaining == 0 {
		if g.flusher != nil {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastClientFlushWait)
			if err := g.flusher.FlushWorkspace(flushCtx, room); err != nil {
				log.Warn("flush on last disconnect failed", zap.Error(err))
			}
			cancel()
		}
		g.registry.RemoveIfEmpty(room)
	}
	release()
	sock.close(websocket.StatusNormalClosure, "")
	log.Info("client disconnected")
}

// TokenIdentity verifies the signed token query parameter.
func TokenIdentity(secret []byte) Authenticator {
	return func(r *http.Request) (Identity, error) {
		token := r.URL.Query().Get("token")
		if token == "" {
			return Identity{}, ErrUnauthorized
		}
		claims, err := auth.ParseToken(secret, token)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Identity{UserID: claims.Sub, Workspace: claims.Workspace}, nil
	}
}
