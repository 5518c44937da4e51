// Package wsgateway bridges external WebSocket clients to room.Rooms,
// the same role the reference corpus's Server+Stream pair plays, but
// narrowed to one endpoint: upgrade, join a room, relay deliveries out
// and client frames in as Sends. It is additive — nothing in
// pool/watch/handle/stream/room imports it, and a process using only
// the core library never pulls in net/http.
package wsgateway

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benitogf/coat"
	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mvent-dev/mvent/room"
	"github.com/mvent-dev/mvent/stream"
)

// DefaultWriteTimeout bounds one WebSocket write the same way
// Stream.WriteTimeout does for the teacher's broadcast path.
const DefaultWriteTimeout = 15 * time.Second

// startupGrace is how long StartWithError waits after handing the
// listener to Serve before declaring success. net.Listen already
// caught a busy address; this window only exists to catch a Serve
// failure that surfaces immediately after (e.g. the listener having
// been closed out from under it), instead of reporting success for a
// server that never actually served a request.
const startupGrace = 50 * time.Millisecond

// tcpKeepAliveListener mirrors the teacher's ooo.go listener wrapper
// so idle dead connections eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return r.Header.Get("Upgrade") == "websocket"
	},
}

// Options configures a Gateway.
type Options struct {
	Name              string
	Router            *mux.Router
	Console           *coat.Console
	AllowedOrigins    []string
	AllowedMethods    []string
	AllowedHeaders    []string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	WSWriteTimeout    time.Duration
}

// Gateway is an HTTP+WS front end over a room.Rooms multiplexer.
type Gateway struct {
	name    string
	rooms   *room.Rooms
	router  *mux.Router
	console *coat.Console

	allowedOrigins, allowedMethods, allowedHeaders []string
	readTimeout, writeTimeout                      time.Duration
	readHeaderTimeout, idleTimeout                 time.Duration
	wsWriteTimeout                                  time.Duration

	server  *http.Server
	active  atomic.Bool
	closing atomic.Bool
	address string

	listenWg sync.WaitGroup
	startErr chan error
	signal   chan os.Signal
}

// New builds a Gateway over rooms, applying defaults the way
// Server.defaults does.
func New(rooms *room.Rooms, opts Options) *Gateway {
	g := &Gateway{
		rooms:             rooms,
		router:            opts.Router,
		console:           opts.Console,
		allowedOrigins:    opts.AllowedOrigins,
		allowedMethods:    opts.AllowedMethods,
		allowedHeaders:    opts.AllowedHeaders,
		readTimeout:       opts.ReadTimeout,
		writeTimeout:      opts.WriteTimeout,
		readHeaderTimeout: opts.ReadHeaderTimeout,
		idleTimeout:       opts.IdleTimeout,
		wsWriteTimeout:    opts.WSWriteTimeout,
	}
	if opts.Name != "" {
		g.name = opts.Name
	} else {
		g.name = "mvent"
	}
	if g.router == nil {
		g.router = mux.NewRouter()
	}
	if g.console == nil {
		g.console = coat.NewConsole(g.name, false)
	}
	if len(g.allowedOrigins) == 0 {
		g.allowedOrigins = []string{"*"}
	}
	if len(g.allowedMethods) == 0 {
		g.allowedMethods = []string{http.MethodGet}
	}
	if len(g.allowedHeaders) == 0 {
		g.allowedHeaders = []string{"Authorization", "Content-Type"}
	}
	if g.readTimeout == 0 {
		g.readTimeout = time.Minute
	}
	if g.writeTimeout == 0 {
		g.writeTimeout = time.Minute
	}
	if g.readHeaderTimeout == 0 {
		g.readHeaderTimeout = 10 * time.Second
	}
	if g.idleTimeout == 0 {
		g.idleTimeout = 10 * time.Second
	}
	if g.wsWriteTimeout == 0 {
		g.wsWriteTimeout = DefaultWriteTimeout
	}

	g.router.HandleFunc("/room/{name}", g.serveRoom).Methods(http.MethodGet)
	return g
}

// StartWithError listens on address, returning any startup failure
// instead of the teacher's log.Fatal-on-Start pattern.
func (g *Gateway) StartWithError(address string) error {
	if g.active.Load() {
		return ErrAlreadyActive
	}
	g.closing.Store(false)
	g.startErr = make(chan error, 1)
	g.server = &http.Server{
		Addr:              address,
		ReadTimeout:       g.readTimeout,
		WriteTimeout:      g.writeTimeout,
		ReadHeaderTimeout: g.readHeaderTimeout,
		IdleTimeout:       g.idleTimeout,
		Handler: cors.New(cors.Options{
			AllowedOrigins: g.allowedOrigins,
			AllowedMethods: g.allowedMethods,
			AllowedHeaders: g.allowedHeaders,
		}).Handler(handlers.CompressHandler(g.router)),
	}

	ln, err := net.Listen("tcp4", address)
	if err != nil {
		return err
	}
	g.address = ln.Addr().String()
	g.active.Store(true)

	g.listenWg.Add(1)
	go g.listen(tcpKeepAliveListener{ln.(*net.TCPListener)})

	select {
	case err := <-g.startErr:
		g.active.Store(false)
		return err
	case <-time.After(startupGrace):
	}
	g.console.Log("glad to serve[" + g.address + "]")
	return nil
}

func (g *Gateway) listen(ln net.Listener) {
	defer g.listenWg.Done()
	err := g.server.Serve(ln)
	if !g.closing.Load() && err != nil && err != http.ErrServerClosed {
		g.console.Err("wsgateway: serve", err)
		select {
		case g.startErr <- err:
		default:
		}
	}
}

// Address reports the address the gateway is listening on, populated
// once StartWithError returns successfully.
func (g *Gateway) Address() string { return g.address }

// Close shuts the HTTP server down and stops accepting connections.
func (g *Gateway) Close() {
	if g.closing.CompareAndSwap(false, true) {
		g.active.Store(false)
		if g.server != nil {
			g.server.Shutdown(context.Background())
		}
		g.listenWg.Wait()
	}
}

// WaitClose blocks until SIGINT/SIGTERM/SIGHUP, then closes the
// gateway (spec-adjacent to the teacher's Server.WaitClose).
func (g *Gateway) WaitClose() {
	g.signal = make(chan os.Signal, 1)
	signal.Notify(g.signal, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	<-g.signal
	g.Close()
}

// envelope is the wire frame sent to a WebSocket client for one room
// delivery. It is built with goccy/go-json for the base encode and
// tidwall/sjson to stitch in the room/seq tag, avoiding a second
// unmarshal-then-remarshal round trip for that one field the way the
// teacher's wire format avoids re-encoding the whole object just to
// stamp a version.
func encodeEnvelope(roomName string, d stream.Delivery) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"value": d.Value,
		"tomb":  d.Tomb,
	})
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "room", roomName)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "seq", d.Seq)
}

func (g *Gateway) serveRoom(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.console.Err("wsgateway: upgrade["+name+"]", err)
		return
	}

	conn, err := g.rooms.Connect(name)
	if err != nil {
		g.console.Err("wsgateway: connect["+name+"]", err)
		ws.Close()
		return
	}

	var writeMu sync.Mutex
	conn.Subscribe(func(d stream.Delivery) {
		frame, err := encodeEnvelope(name, d)
		if err != nil {
			g.console.Err("wsgateway: encode["+name+"]", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(g.wsWriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			g.console.Err("wsgateway: write["+name+"]", err)
			ws.Close()
		}
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			g.console.Log("wsgateway: closed[" + name + "]")
			break
		}
		// A client may send either a bare value or a {"data": ...}
		// envelope; gjson.GetBytes picks the "data" field out without a
		// full unmarshal, falling back to the raw frame when absent.
		msg := any(string(payload))
		if data := gjson.GetBytes(payload, "data"); data.Exists() {
			msg = data.Value()
		}
		if err := conn.Send(r.Context(), msg); err != nil {
			g.console.Err("wsgateway: send["+name+"]", err)
		}
	}

	conn.Disconnect()
	ws.Close()
}
