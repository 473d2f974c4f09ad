package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/petervdpas/counselcall/internal/docstore"
)

var log = logging.Logger("hub")

const (
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second // must be < pongWait
	sendQueueSize = 256
)

// Options configures a Server.
type Options struct {
	// Token, when set, must be presented as the token query parameter.
	Token string
	// WriteRate limits commits per second on one connection; 0 disables it.
	WriteRate  float64
	WriteBurst int
}

// Server exposes a docstore.Store to websocket clients.
type Server struct {
	store    docstore.Store
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// NewServer wraps store. The server does not close the store.
func NewServer(store docstore.Store, opts Options) *Server {
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = 20
	}
	return &Server{
		store: store,
		opts:  opts,
		upgrader: websocket.Upgrader{
			// peers are native processes, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Handler returns the hub routes: /ws for clients and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "connections": s.Connections()})
	})
	return mux
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" {
		tok := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(tok), []byte(s.opts.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	user := r.URL.Query().Get("user")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("HUB: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		srv:     s,
		ws:      ws,
		user:    user,
		send:    make(chan Frame, sendQueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[uint64]*watch),
	}
	if s.opts.WriteRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.WriteRate), s.opts.WriteBurst)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		cancel()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	log.Infof("HUB: %s connected", c.user)
	c.run()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	log.Infof("HUB: %s disconnected", c.user)
}

// conn is one client connection. Requests are handled in arrival order so
// that writes from one client reach the store in the order it sent them.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	user    string
	limiter *rate.Limiter

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	watches map[uint64]*watch
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.ws.Close()
	})
}

func (c *conn) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		log.Warnf("HUB: %s send queue full, dropping connection", c.user)
		c.close()
		return false
	}
}

func (c *conn) run() {
	defer func() {
		c.close()
		c.mu.Lock()
		watches := c.watches
		c.watches = make(map[uint64]*watch)
		c.mu.Unlock()
		for _, w := range watches {
			w.cancel()
		}
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writeLoop()
	go c.pingLoop()

	for {
		var req Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("HUB: %s read: %v", c.user, err)
			}
			return
		}
		c.handle(req)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				log.Debugf("HUB: %s write: %v", c.user, err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) reply(req Request, f Frame, err error) {
	f.Type = FrameResult
	f.ID = req.ID
	f.Error = toWire(err)
	c.enqueue(f)
}

func (c *conn) handle(req Request) {
	store := c.srv.store
	switch req.Op {
	case OpGet:
		doc, err := store.Get(c.ctx, req.Path)
		c.reply(req, Frame{Doc: doc}, err)

	case OpQuery:
		if req.Query == nil {
			c.reply(req, Frame{}, docstore.ErrInvalidArgument)
			return
		}
		docs, err := store.Query(c.ctx, *req.Query)
		c.reply(req, Frame{Docs: docs}, err)

	case OpCommit:
		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				c.reply(req, Frame{}, docstore.ErrUnavailable)
				return
			}
		}
		docs, err := store.Commit(c.ctx, req.Writes...)
		if err != nil {
			log.Debugf("HUB: %s commit: %v", c.user, err)
		}
		c.reply(req, Frame{Docs: docs}, err)

	case OpWatchDoc:
		c.unwatch(req.Sub)
		ch, cancel, err := store.WatchDoc(c.ctx, req.Path)
		if err != nil {
			c.reply(req, Frame{}, err)
			return
		}
		w := c.addWatch(req.Sub, cancel)
		c.reply(req, Frame{}, nil)
		go c.forwardDoc(req.Sub, w, ch)

	case OpWatchQuery:
		c.unwatch(req.Sub)
		if req.Query == nil {
			c.reply(req, Frame{}, docstore.ErrInvalidArgument)
			return
		}
		ch, cancel, err := store.WatchQuery(c.ctx, *req.Query)
		if err != nil {
			c.reply(req, Frame{}, err)
			return
		}
		w := c.addWatch(req.Sub, cancel)
		c.reply(req, Frame{}, nil)
		go c.forwardQuery(req.Sub, w, ch)

	case OpUnwatch:
		c.unwatch(req.Sub)
		c.reply(req, Frame{}, nil)

	default:
		c.reply(req, Frame{}, docstore.ErrInvalidArgument)
	}
}

type watch struct {
	cancel func()
}

func (c *conn) addWatch(sub uint64, cancel func()) *watch {
	w := &watch{cancel: cancel}
	c.mu.Lock()
	c.watches[sub] = w
	c.mu.Unlock()
	return w
}

func (c *conn) unwatch(sub uint64) {
	c.mu.Lock()
	w, ok := c.watches[sub]
	delete(c.watches, sub)
	c.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// current reports whether w is still the live watch for sub; a re-watch of
// the same sub replaces it.
func (c *conn) current(sub uint64, w *watch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watches[sub] == w
}

func (c *conn) forwardDoc(sub uint64, w *watch, ch <-chan docstore.DocSnapshot) {
	for snap := range ch {
		if !c.current(sub, w) {
			continue
		}
		c.enqueue(Frame{Type: FrameDoc, Sub: sub, Path: snap.Path, Doc: snap.Doc, Error: toWire(snap.Err)})
	}
	c.lost(FrameDoc, sub, w)
}

func (c *conn) forwardQuery(sub uint64, w *watch, ch <-chan docstore.QuerySnapshot) {
	first := true
	for snap := range ch {
		if !c.current(sub, w) {
			continue
		}
		f := Frame{Type: FrameQuery, Sub: sub, Error: toWire(snap.Err)}
		switch {
		case snap.Err != nil:
		case first:
			f.Initial = true
			f.Docs = snap.Docs
			first = false
		default:
			f.Changes = snap.Changes
		}
		c.enqueue(f)
	}
	c.lost(FrameQuery, sub, w)
}

// lost tells the client that a subscription ended without an unwatch, e.g.
// because the store was closed.
func (c *conn) lost(typ string, sub uint64, w *watch) {
	c.mu.Lock()
	if c.watches[sub] != w {
		c.mu.Unlock()
		return
	}
	delete(c.watches, sub)
	c.mu.Unlock()
	w.cancel()
	c.enqueue(Frame{Type: typ, Sub: sub, Error: toWire(docstore.ErrSubscriptionLost)})
}
