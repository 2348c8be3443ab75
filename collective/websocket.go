// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WebSocketBootstrap connects workers running in different processes (or machines) with websockets.
//
// Every worker listens on its own address, and for each ring it dials the next rank
// ((Rank+1) mod worldSize) and accepts one connection from the previous rank. Values travel as
// binary messages of little-endian float64s.
type WebSocketBootstrap struct {
	// Rank of the local worker.
	Rank int

	// Peers holds the "host:port" address of every worker, indexed by rank.
	Peers []string

	// Listener used to accept connections from the previous rank. If nil, one is created
	// listening on Peers[Rank].
	Listener net.Listener

	// RetryInterval between attempts to dial the next rank, while it is not yet listening.
	// Defaults to 100ms.
	RetryInterval time.Duration
}

// RingPath is the HTTP path where workers accept ring connections.
const RingPath = "/localsgd/ring"

var ringUpgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EstablishRings implements Bootstrap.
func (b *WebSocketBootstrap) EstablishRings(ctx context.Context, worldSize, numRings int) ([]Ring, error) {
	if len(b.Peers) != worldSize {
		return nil, errors.Errorf("WebSocketBootstrap: %d peers configured, but worldSize=%d", len(b.Peers), worldSize)
	}
	if b.Rank < 0 || b.Rank >= worldSize {
		return nil, errors.Errorf("WebSocketBootstrap: rank %d out of range [0, %d)", b.Rank, worldSize)
	}
	if numRings < 1 {
		return nil, errors.Errorf("WebSocketBootstrap: numRings=%d, must be >= 1", numRings)
	}
	if worldSize == 1 {
		rings := make([]Ring, numRings)
		for id := range rings {
			rings[id] = &wsRing{id: id, rank: 0, size: 1}
		}
		return rings, nil
	}

	listener := b.Listener
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", b.Peers[b.Rank])
		if err != nil {
			return nil, errors.Wrapf(err, "WebSocketBootstrap: failed to listen on %q", b.Peers[b.Rank])
		}
	}
	srv := &wsServer{
		expectedFrom: (b.Rank - 1 + worldSize) % worldSize,
		numRings:     numRings,
		incoming:     make(chan *wsIncoming, numRings),
	}
	srv.server = &http.Server{Handler: srv}
	go func() {
		if err := srv.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("WebSocketBootstrap rank %d: server failed: %v", b.Rank, err)
		}
	}()

	rings := make([]*wsRing, numRings)
	for id := range rings {
		rings[id] = &wsRing{id: id, rank: b.Rank, size: worldSize, server: srv}
	}
	fail := func(err error) ([]Ring, error) {
		for _, r := range rings {
			_ = r.Close()
		}
		srv.shutdown()
		return nil, err
	}

	// Dial the next rank, once per ring.
	next := b.Peers[(b.Rank+1)%worldSize]
	for id, r := range rings {
		conn, err := b.dial(ctx, next, id)
		if err != nil {
			return fail(err)
		}
		r.out = conn
	}

	// Accept the connections from the previous rank.
	for range numRings {
		select {
		case in := <-srv.incoming:
			rings[in.ringID].in = in.conn
		case <-ctx.Done():
			return fail(errors.Wrapf(ctx.Err(), "WebSocketBootstrap rank %d: waiting for connections from rank %d", b.Rank, srv.expectedFrom))
		}
	}
	srv.open.Store(int32(numRings))
	for _, r := range rings {
		r.established = true
	}
	klog.V(1).Infof("WebSocketBootstrap rank %d: %d rings established with %d workers", b.Rank, numRings, worldSize)
	result := make([]Ring, numRings)
	for id, r := range rings {
		result[id] = r
	}
	return result, nil
}

func (b *WebSocketBootstrap) dial(ctx context.Context, address string, ringID int) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: RingPath}
	q := u.Query()
	q.Set("ring", strconv.Itoa(ringID))
	q.Set("from", strconv.Itoa(b.Rank))
	u.RawQuery = q.Encode()

	retry := b.RetryInterval
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			return conn, nil
		}
		klog.V(2).Infof("WebSocketBootstrap rank %d: dialing %s failed, retrying: %v", b.Rank, u.String(), err)
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "WebSocketBootstrap rank %d: failed to connect to %s (last error: %v)", b.Rank, address, err)
		}
	}
}

type wsIncoming struct {
	ringID int
	conn   *websocket.Conn
}

// wsServer accepts the ring connections from the previous rank. It's shut down when all the rings
// using it are closed.
type wsServer struct {
	server       *http.Server
	expectedFrom int
	numRings     int
	incoming     chan *wsIncoming

	mu       sync.Mutex
	accepted map[int]bool
	open     atomic.Int32 // Number of established rings not yet closed.
	closing  sync.Once
}

// ServeHTTP implements http.Handler.
func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != RingPath {
		http.NotFound(w, r)
		return
	}
	ringID, err := strconv.Atoi(r.URL.Query().Get("ring"))
	if err != nil || ringID < 0 || ringID >= s.numRings {
		http.Error(w, fmt.Sprintf("invalid ring %q", r.URL.Query().Get("ring")), http.StatusBadRequest)
		return
	}
	from, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil || from != s.expectedFrom {
		http.Error(w, fmt.Sprintf("unexpected connection from rank %q, expected %d", r.URL.Query().Get("from"), s.expectedFrom), http.StatusForbidden)
		return
	}
	s.mu.Lock()
	if s.accepted == nil {
		s.accepted = make(map[int]bool)
	}
	duplicate := s.accepted[ringID]
	s.accepted[ringID] = true
	s.mu.Unlock()
	if duplicate {
		http.Error(w, fmt.Sprintf("ring %d already connected", ringID), http.StatusConflict)
		return
	}
	conn, err := ringUpgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("ring %d: failed to upgrade connection from rank %d: %v", ringID, from, err)
		return
	}
	s.incoming <- &wsIncoming{ringID: ringID, conn: conn}
}

func (s *wsServer) shutdown() {
	s.closing.Do(func() { _ = s.server.Close() })
}

// wsRing is the view of a ring from one worker: out connects to the next rank, in to the previous one.
type wsRing struct {
	id, rank, size int
	out, in        *websocket.Conn
	server         *wsServer
	established    bool
	closeOnce      sync.Once
}

func (r *wsRing) ID() int   { return r.id }
func (r *wsRing) Rank() int { return r.rank }
func (r *wsRing) Size() int { return r.size }

// withDeadline sets the connection deadline from ctx, and interrupts blocked I/O if ctx is cancelled.
// The returned function must be called when the I/O finishes.
func withDeadline(ctx context.Context, setDeadline func(time.Time) error) (stop func()) {
	deadline, _ := ctx.Deadline()
	_ = setDeadline(deadline)
	stopAfter := context.AfterFunc(ctx, func() { _ = setDeadline(time.Now()) })
	return func() { stopAfter() }
}

func (r *wsRing) send(ctx context.Context, values []float64) error {
	if r.out == nil {
		return ErrRingClosed
	}
	stop := withDeadline(ctx, r.out.SetWriteDeadline)
	defer stop()
	buf := make([]byte, 8*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint64(buf[8*ii:], math.Float64bits(v))
	}
	if err := r.out.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return errors.Wrapf(err, "sending %d values to rank %d", len(values), (r.rank+1)%r.size)
	}
	return nil
}

func (r *wsRing) recv(ctx context.Context) ([]float64, error) {
	if r.in == nil {
		return nil, ErrRingClosed
	}
	stop := withDeadline(ctx, r.in.SetReadDeadline)
	defer stop()
	msgType, buf, err := r.in.ReadMessage()
	if err != nil {
		return nil, errors.Wrapf(err, "receiving from rank %d", (r.rank-1+r.size)%r.size)
	}
	if msgType != websocket.BinaryMessage || len(buf)%8 != 0 {
		return nil, errors.Errorf("invalid message from rank %d: type %d, %d bytes", (r.rank-1+r.size)%r.size, msgType, len(buf))
	}
	values := make([]float64, len(buf)/8)
	for ii := range values {
		values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*ii:]))
	}
	return values, nil
}

// AllReduceSum implements Ring.
func (r *wsRing) AllReduceSum(ctx context.Context, values []float64) error {
	return NewFailure(r.id, "all_reduce_sum", ringAllReduceSum(ctx, r, r.rank, r.size, values))
}

// Close implements Ring.
func (r *wsRing) Close() error {
	r.closeOnce.Do(func() {
		if r.out != nil {
			_ = r.out.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = r.out.Close()
		}
		if r.in != nil {
			_ = r.in.Close()
		}
		if r.established && r.server.open.Add(-1) == 0 {
			r.server.shutdown()
		}
	})
	return nil
}
