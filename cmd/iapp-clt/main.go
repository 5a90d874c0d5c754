// Command iapp-clt is a demo TCP load-generator client built on top of
// goiapp's reactor, Comm, and thrgroup packages. Grounded on
// original_source/src/clt/clt.c.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp"
	"github.com/erikarn/goiapp/internal/logging"
	"github.com/erikarn/goiapp/internal/netbuf"
	"github.com/erikarn/goiapp/internal/reactor"
	"github.com/erikarn/goiapp/internal/thrgroup"
)

const newConnInterval = 100 * time.Millisecond

func usage(progname string) {
	fmt.Printf("Usage: %s <numthreads> <numconns> <connrate> <bufsize> <remote IPv4 address> <port>\n", progname)
	os.Exit(127)
}

// clientConn mirrors struct conn: one outbound connection and its read
// buffer plus a preloaded, repeatedly-rewritten write buffer.
type clientConn struct {
	comm    *iapp.Comm
	readBuf []byte
	writeBuf []byte
}

// app is per-worker state, mirroring struct clt_app (one per pthread in
// the original, one per thrgroup.Worker here).
type app struct {
	w          *thrgroup.Worker
	remoteAddr unix.Sockaddr
	bufSize    int
	numConns   int
	connRate   int
	logger     *logging.Logger

	mu         sync.Mutex
	numClients int
	conns      map[int]*clientConn

	totalRead, totalWritten       uint64
	totalOpened, totalClosed      uint64
}

func main() {
	if len(os.Args) < 7 {
		usage(os.Args[0])
	}

	atoi := func(name, s string) int {
		n, err := strconv.Atoi(s)
		if err != nil {
			fmt.Printf("bad integer value for %s: %q\n", name, s)
			os.Exit(127)
		}
		return n
	}

	numThreads := atoi("numthreads", os.Args[1])
	numConns := atoi("numconns", os.Args[2])
	connRate := atoi("connrate", os.Args[3])
	bufSize := atoi("bufsize", os.Args[4])
	remoteHost := os.Args[5]
	remotePort := atoi("port", os.Args[6])

	if numThreads <= 0 || numConns <= 0 || bufSize <= 0 {
		usage(os.Args[0])
	}

	sa, err := resolveAddr(remoteHost, remotePort)
	if err != nil {
		fmt.Printf("bad remote address %q: %v\n", remoteHost, err)
		os.Exit(127)
	}

	signal.Ignore(syscall.SIGPIPE)

	logger := logging.NewLogger(logging.DefaultConfig())

	group, err := thrgroup.New(thrgroup.Config{
		NumWorkers:    numThreads,
		ReactorConfig: reactor.Config{MaxWait: 1 * time.Second, Logger: logger},
		Logger:        logger,
	})
	if err != nil {
		logger.Errorf("thrgroup.New: %v", err)
		os.Exit(1)
	}

	apps := make([]*app, numThreads)
	for i := 0; i < numThreads; i++ {
		apps[i] = &app{
			w:          group.Worker(i),
			remoteAddr: sa,
			bufSize:    bufSize,
			numConns:   numConns / numThreads,
			connRate:   connRate,
			logger:     logger,
			conns:      make(map[int]*clientConn),
		}
		if apps[i].numConns == 0 {
			apps[i].numConns = 1
		}
	}

	if err := group.Start(); err != nil {
		logger.Errorf("group.Start: %v", err)
		os.Exit(1)
	}

	for i, a := range apps {
		a := a
		w := group.Worker(i)
		newConnEv := w.Reactor.CreateEvent(reactor.KindTimer, -1, false, func(ev *reactor.Event) {
			a.spawnConnections()
			_ = w.Reactor.ArmWithDeadline(ev, time.Now().Add(newConnInterval))
		})
		statsEv := w.Reactor.CreateEvent(reactor.KindTimer, -1, false, func(ev *reactor.Event) {
			a.printStats(i)
			_ = w.Reactor.ArmWithDeadline(ev, time.Now().Add(1*time.Second))
		})
		_ = w.Reactor.ArmWithDeadline(newConnEv, time.Now())
		_ = w.Reactor.ArmWithDeadline(statsEv, time.Now().Add(1*time.Second))
	}

	logger.Infof("iapp-clt connecting %d conns (rate=%d) to %s:%d across %d threads",
		numConns, connRate, remoteHost, remotePort, numThreads)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	group.Stop()
	group.Join()
	_ = group.Close()
}

// resolveAddr mirrors thrclt_open_new_conn's getaddrinfo call, which is
// itself restricted to AI_NUMERICHOST|AI_NUMERICSERV — i.e. no DNS
// resolution is ever performed, only literal IPv4/IPv6 addresses.
func resolveAddr(host string, port int) (unix.Sockaddr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("not a numeric IP address")
	}
	if v4 := ip.To4(); v4 != nil {
		return &unix.SockaddrInet4{Port: port, Addr: [4]byte{v4[0], v4[1], v4[2], v4[3]}}, nil
	}
	v6 := ip.To16()
	var addr [16]byte
	copy(addr[:], v6)
	return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
}

// spawnConnections mirrors thrclt_ev_newconn_cb: open new connections
// up to numConns, at most connRate per tick.
func (a *app) spawnConnections() {
	a.mu.Lock()
	n := a.numClients
	a.mu.Unlock()

	opened := 0
	for n < a.numConns {
		if !a.openNewConn() {
			break
		}
		opened++
		a.mu.Lock()
		n = a.numClients
		a.mu.Unlock()
		if opened >= a.connRate {
			break
		}
	}
}

func (a *app) openNewConn() bool {
	family := unix.AF_INET
	if _, ok := a.remoteAddr.(*unix.SockaddrInet6); ok {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		a.logger.Errorf("socket: %v", err)
		return false
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return false
	}

	comm, err := iapp.Open(fd, a.w.Reactor, iapp.WithLogger(a.logger))
	if err != nil {
		unix.Close(fd)
		return false
	}

	cn := &clientConn{
		comm:     comm,
		readBuf:  make([]byte, a.bufSize),
		writeBuf: preloadBuffer(a.bufSize),
	}

	a.mu.Lock()
	a.conns[fd] = cn
	a.numClients++
	a.mu.Unlock()

	if err := comm.Connect(a.remoteAddr, func(c *iapp.Comm, status iapp.Status, err error) {
		a.onConnect(fd, cn, status, err)
	}); err != nil {
		a.removeConn(fd, false)
		return false
	}
	return true
}

// preloadBuffer mirrors conn_new's digit-cycling fill of the write
// netbuf ("buf[i] = (i % 10) + '0'").
func preloadBuffer(size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i%10) + '0'
	}
	return buf
}

func (a *app) onConnect(fd int, cn *clientConn, status iapp.Status, err error) {
	if status != iapp.StatusCompleted {
		a.removeConn(fd, false)
		return
	}

	a.mu.Lock()
	a.totalOpened++
	a.mu.Unlock()

	var onRead iapp.ReadCallback
	onRead = func(c *iapp.Comm, buf []byte, n int, status iapp.Status, err error) {
		switch status {
		case iapp.StatusCompleted:
			a.mu.Lock()
			a.totalRead += uint64(n)
			a.mu.Unlock()
			if rerr := c.Read(cn.readBuf, onRead); rerr != nil {
				a.removeConn(fd, true)
			}
		case iapp.StatusEOF, iapp.StatusError, iapp.StatusClosing:
			a.removeConn(fd, true)
		}
	}

	var onWrite iapp.WriteCallback
	onWrite = func(c *iapp.Comm, n int, status iapp.Status, err error) {
		if status != iapp.StatusCompleted {
			a.removeConn(fd, true)
			return
		}
		a.mu.Lock()
		a.totalWritten += uint64(n)
		a.mu.Unlock()
		if werr := c.Write(cn.writeBuf, onWrite); werr != nil {
			a.removeConn(fd, true)
		}
	}

	if err := cn.comm.Read(cn.readBuf, onRead); err != nil {
		a.removeConn(fd, true)
		return
	}
	if err := cn.comm.Write(cn.writeBuf, onWrite); err != nil {
		a.removeConn(fd, true)
	}
}

func (a *app) removeConn(fd int, alreadyOpened bool) {
	a.mu.Lock()
	cn, ok := a.conns[fd]
	if ok {
		delete(a.conns, fd)
		a.numClients--
		a.totalClosed++
	}
	a.mu.Unlock()
	if ok {
		_ = cn.comm.Close(nil)
	}
}

// printStats mirrors thrclt_stat_print: log per-second deltas, then
// zero the counters.
func (a *app) printStats(appID int) {
	a.mu.Lock()
	n, opened, closed, written, read := a.numClients, a.totalOpened, a.totalClosed, a.totalWritten, a.totalRead
	a.totalOpened, a.totalClosed, a.totalWritten, a.totalRead = 0, 0, 0, 0
	a.mu.Unlock()

	a.logger.Infof("thrclt[%d]: %d clients; new=%d, closed=%d, TX=%d bytes, RX=%d bytes",
		appID, n, opened, closed, written, read)
}
