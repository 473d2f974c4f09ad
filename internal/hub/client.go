package hub

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/counselcall/internal/docstore"
	"github.com/petervdpas/counselcall/internal/util"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL   string // ws://host:port/ws
	Token string
	User  string
	// MaxBackoff caps the delay between reconnect attempts.
	MaxBackoff time.Duration
}

// Client is a docstore.Store backed by a hub connection. When the
// connection drops, requests fail with ErrUnavailable, every subscription
// receives an ErrSubscriptionLost snapshot, and the client reconnects in the
// background and resubscribes. Subscriptions then continue on the same
// channel; only real differences are delivered after a resubscribe.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer

	mu     sync.Mutex
	link   *link
	nextID uint64
	subs   map[uint64]*remoteSub
	closed bool
	done   chan struct{}
}

var _ docstore.Store = (*Client)(nil)

// Dial connects to the hub. Only this first connection attempt is
// synchronous.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	c := &Client{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: util.DefaultConnectTimeout},
		subs:   make(map[uint64]*remoteSub),
		done:   make(chan struct{}),
	}
	l, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial hub: %v", docstore.ErrUnavailable, err)
	}
	c.attach(l)
	return c, nil
}

// Connected reports whether the hub connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// link is one websocket connection. pending is guarded by Client.mu.
type link struct {
	ws      *websocket.Conn
	out     chan Request
	pending map[uint64]chan Frame
	done    chan struct{}
	once    sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		l.ws.Close()
	})
}

func (l *link) enqueue(r Request) bool {
	select {
	case <-l.done:
		return false
	case l.out <- r:
		return true
	}
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	if c.opts.User != "" {
		q.Set("user", c.opts.User)
	}
	u.RawQuery = q.Encode()

	ws, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &link{
		ws:      ws,
		out:     make(chan Request, sendQueueSize),
		pending: make(map[uint64]chan Frame),
		done:    make(chan struct{}),
	}, nil
}

// attach makes l the live link and restores every subscription on it.
func (c *Client) attach(l *link) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return
	}
	c.link = l
	subs := make([]*remoteSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	go c.writeLoop(l)
	go c.readLoop(l)

	for _, s := range subs {
		go func(s *remoteSub) {
			ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
			defer cancel()
			if _, err := c.request(ctx, s.watchRequest()); err != nil {
				log.Warnf("HUB: resubscribe %d: %v", s.id, err)
				s.fail(err)
			}
		}(s)
	}
}

func (c *Client) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case r := <-l.out:
			l.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.ws.WriteJSON(r); err != nil {
				l.close()
				return
			}
		}
	}
}

func (c *Client) readLoop(l *link) {
	l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPingHandler(func(data string) error {
		l.ws.SetReadDeadline(time.Now().Add(pongWait))
		return l.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	for {
		var f Frame
		if err := l.ws.ReadJSON(&f); err != nil {
			c.drop(l, err)
			return
		}
		l.ws.SetReadDeadline(time.Now().Add(pongWait))
		switch f.Type {
		case FrameResult:
			c.mu.Lock()
			ch := l.pending[f.ID]
			delete(l.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case FrameDoc, FrameQuery:
			c.mu.Lock()
			s := c.subs[f.Sub]
			c.mu.Unlock()
			if s != nil {
				s.deliver(f)
			}
		}
	}
}

func (c *Client) drop(l *link, err error) {
	l.close()

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	pending := l.pending
	l.pending = nil
	closed := c.closed
	subs := make([]*remoteSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if closed {
		return
	}
	log.Warnf("HUB: connection lost: %v", err)
	for _, s := range subs {
		s.fail(docstore.ErrSubscriptionLost)
	}
	go c.reconnect()
}

func (c *Client) reconnect() {
	backoff := 500 * time.Millisecond
	for {
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		l, err := c.connect(ctx)
		cancel()
		if err == nil {
			log.Infof("HUB: reconnected to %s", c.opts.URL)
			c.attach(l)
			return
		}
		log.Debugf("HUB: reconnect failed: %v", err)
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) request(ctx context.Context, req Request) (Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, docstore.ErrClosed
	}
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: not connected", docstore.ErrUnavailable)
	}
	c.nextID++
	req.ID = c.nextID
	ch := make(chan Frame, 1)
	l.pending[req.ID] = ch
	c.mu.Unlock()

	if !l.enqueue(req) {
		c.forget(l, req.ID)
		return Frame{}, fmt.Errorf("%w: connection lost", docstore.ErrUnavailable)
	}
	select {
	case f, ok := <-ch:
		if !ok {
			return Frame{}, fmt.Errorf("%w: connection lost", docstore.ErrUnavailable)
		}
		return f, fromWire(f.Error)
	case <-ctx.Done():
		c.forget(l, req.ID)
		return Frame{}, ctx.Err()
	}
}

func (c *Client) forget(l *link, id uint64) {
	c.mu.Lock()
	if l.pending != nil {
		delete(l.pending, id)
	}
	c.mu.Unlock()
}

// Get implements docstore.Store.
func (c *Client) Get(ctx context.Context, path string) (*docstore.Document, error) {
	f, err := c.request(ctx, Request{Op: OpGet, Path: path})
	if err != nil {
		return nil, err
	}
	if f.Doc == nil {
		return nil, docstore.ErrNotFound
	}
	return f.Doc, nil
}

// Query implements docstore.Store.
func (c *Client) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	f, err := c.request(ctx, Request{Op: OpQuery, Query: &q})
	if err != nil {
		return nil, err
	}
	return f.Docs, nil
}

// Commit implements docstore.Store. When the connection drops mid-request
// the outcome is unknown and ErrUnavailable is returned.
func (c *Client) Commit(ctx context.Context, writes ...docstore.Write) ([]*docstore.Document, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	f, err := c.request(ctx, Request{Op: OpCommit, Writes: writes})
	if err != nil {
		return nil, err
	}
	docs := f.Docs
	if len(docs) < len(writes) {
		docs = append(docs, make([]*docstore.Document, len(writes)-len(docs))...)
	}
	return docs, nil
}

// WatchDoc implements docstore.Store.
func (c *Client) WatchDoc(ctx context.Context, path string) (<-chan docstore.DocSnapshot, func(), error) {
	if !docstore.ValidDocPath(path) {
		return nil, nil, fmt.Errorf("%w: bad document path %q", docstore.ErrInvalidArgument, path)
	}
	s := &remoteSub{path: path, docBox: util.NewMailbox[docstore.DocSnapshot]()}
	cancel, err := c.watch(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	return s.docBox.Out(), cancel, nil
}

// WatchQuery implements docstore.Store.
func (c *Client) WatchQuery(ctx context.Context, q docstore.Query) (<-chan docstore.QuerySnapshot, func(), error) {
	if !docstore.ValidCollectionPath(q.Collection) {
		return nil, nil, fmt.Errorf("%w: bad collection path %q", docstore.ErrInvalidArgument, q.Collection)
	}
	nq, err := q.Normalized()
	if err != nil {
		return nil, nil, err
	}
	s := &remoteSub{query: &nq, rs: docstore.NewResultSet(nq), queryBox: util.NewMailbox[docstore.QuerySnapshot]()}
	cancel, err := c.watch(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	return s.queryBox.Out(), cancel, nil
}

func (c *Client) watch(ctx context.Context, s *remoteSub) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close()
		return nil, docstore.ErrClosed
	}
	c.nextID++
	s.id = c.nextID
	c.subs[s.id] = s
	c.mu.Unlock()

	if _, err := c.request(ctx, s.watchRequest()); err != nil {
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()
		s.close()
		return nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			_, live := c.subs[s.id]
			delete(c.subs, s.id)
			c.mu.Unlock()
			s.close()
			if !live {
				return
			}
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
				defer cancel()
				c.request(ctx, Request{Op: OpUnwatch, Sub: s.id})
			}()
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() { stop(); cancel() }, nil
}

// Close drops the connection and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	subs := c.subs
	c.subs = make(map[uint64]*remoteSub)
	c.mu.Unlock()

	close(c.done)
	if l != nil {
		l.close()
	}
	for _, s := range subs {
		s.close()
	}
	return nil
}

// remoteSub is one subscription. Its snapshot state is only touched by the
// read loop of the current link.
type remoteSub struct {
	id    uint64
	path  string
	query *docstore.Query

	docBox   *util.Mailbox[docstore.DocSnapshot]
	queryBox *util.Mailbox[docstore.QuerySnapshot]

	mu      sync.Mutex
	started bool
	doc     *docstore.Document
	rs      *docstore.ResultSet
}

func (s *remoteSub) watchRequest() Request {
	if s.query != nil {
		return Request{Op: OpWatchQuery, Sub: s.id, Query: s.query}
	}
	return Request{Op: OpWatchDoc, Sub: s.id, Path: s.path}
}

func (s *remoteSub) close() {
	if s.docBox != nil {
		s.docBox.Close()
	}
	if s.queryBox != nil {
		s.queryBox.Close()
	}
}

func (s *remoteSub) fail(err error) {
	if s.docBox != nil {
		s.docBox.Push(docstore.DocSnapshot{Path: s.path, Err: err})
	}
	if s.queryBox != nil {
		s.queryBox.Push(docstore.QuerySnapshot{Err: err})
	}
}

func (s *remoteSub) deliver(f Frame) {
	if f.Error != nil {
		s.fail(fromWire(f.Error))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.docBox != nil {
		if s.started && sameVersion(s.doc, f.Doc) {
			return
		}
		s.started = true
		s.doc = f.Doc
		s.docBox.Push(docstore.DocSnapshot{Path: s.path, Doc: f.Doc.Clone()})
		return
	}

	var changes []docstore.Change
	if f.Initial {
		changes = s.rs.Reset(f.Docs)
	} else {
		for _, ch := range f.Changes {
			if out, ok := s.rs.Apply(changeEvent(ch)); ok {
				changes = append(changes, out)
			}
		}
	}
	if s.started && len(changes) == 0 {
		return
	}
	s.started = true
	s.queryBox.Push(docstore.QuerySnapshot{Docs: s.rs.Docs(), Changes: changes})
}

func sameVersion(a, b *docstore.Document) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Seq == b.Seq && a.Version == b.Version
}

// changeEvent turns a forwarded change back into the event it came from.
// Removed changes carry the last held document, so the removal is one
// version newer.
func changeEvent(ch docstore.Change) docstore.ChangeEvent {
	if ch.Type == docstore.Removed {
		return docstore.ChangeEvent{Path: ch.Doc.Path, Deleted: true, Version: ch.Doc.Version + 1, Seq: ch.Doc.Seq}
	}
	return docstore.ChangeEvent{Path: ch.Doc.Path, Doc: ch.Doc, Version: ch.Doc.Version}
}
