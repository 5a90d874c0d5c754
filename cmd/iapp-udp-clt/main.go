// Command iapp-udp-clt is a demo UDP load-generator client built on
// top of goiapp's reactor, Comm, and thrgroup packages. Grounded on
// original_source/src/udp_clt/udp_clt.c.
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

func usage(progname string) {
	fmt.Printf("Usage: %s <numthreads> <qdepth> <pktrate> <bufsize> <remote IPv4 address> <port>\n", progname)
	os.Exit(127)
}

// app is per-worker state, mirroring struct clt_app.
type app struct {
	id       int
	w        *thrgroup.Worker
	comm     *iapp.Comm
	remote   unix.Sockaddr
	bufSize  int
	pktRate  int
	logger   *logging.Logger
	pool     *netbuf.Pool

	mu                          sync.Mutex
	totalPktWritten, totalByteWritten uint64
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
	qdepth := atoi("qdepth", os.Args[2])
	pktRate := atoi("pktrate", os.Args[3])
	bufSize := atoi("bufsize", os.Args[4])
	remoteHost := os.Args[5]
	remotePort := atoi("port", os.Args[6])

	if numThreads <= 0 || bufSize <= 0 {
		usage(os.Args[0])
	}

	sa, err := resolveAddr(remoteHost, remotePort)
	if err != nil {
		fmt.Printf("bad remote address %q: %v\n", remoteHost, err)
		os.Exit(127)
	}

	signal.Ignore(syscall.SIGPIPE)

	logger := logging.NewLogger(logging.DefaultConfig())
	pool, err := netbuf.NewPool(netbuf.AllocatorMalloc, nil)
	if err != nil {
		logger.Errorf("netbuf.NewPool: %v", err)
		os.Exit(1)
	}

	group, err := thrgroup.New(thrgroup.Config{
		NumWorkers:    numThreads,
		ReactorConfig: reactor.Config{MaxWait: 1 * time.Second, Logger: logger},
		Logger:        logger,
	})
	if err != nil {
		logger.Errorf("thrgroup.New: %v", err)
		os.Exit(1)
	}

	if err := group.Start(); err != nil {
		logger.Errorf("group.Start: %v", err)
		os.Exit(1)
	}

	apps := make([]*app, numThreads)
	for i := 0; i < numThreads; i++ {
		w := group.Worker(i)
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		if err != nil {
			logger.Errorf("worker %d: socket: %v", i, err)
			os.Exit(1)
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			logger.Errorf("worker %d: SetNonblock: %v", i, err)
			os.Exit(1)
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0}); err != nil {
			logger.Errorf("worker %d: bind: %v", i, err)
			os.Exit(1)
		}

		comm, err := iapp.Open(fd, w.Reactor, iapp.WithLogger(logger), iapp.WithUDPBufferPool(pool))
		if err != nil {
			logger.Errorf("worker %d: Open: %v", i, err)
			os.Exit(1)
		}
		if err := comm.UDPWriteSetup(qdepth); err != nil {
			logger.Errorf("worker %d: UDPWriteSetup: %v", i, err)
			os.Exit(1)
		}

		a := &app{
			id:      i,
			w:       w,
			comm:    comm,
			remote:  sa,
			bufSize: bufSize,
			pktRate: pktRate,
			logger:  logger,
			pool:    pool,
		}
		apps[i] = a

		newConnEv := w.Reactor.CreateEvent(reactor.KindTimer, -1, false, func(ev *reactor.Event) {
			a.sendOne()
			_ = w.Reactor.ArmWithDeadline(ev, time.Now().Add(1*time.Second))
		})
		statsEv := w.Reactor.CreateEvent(reactor.KindTimer, -1, false, func(ev *reactor.Event) {
			a.printStats()
			_ = w.Reactor.ArmWithDeadline(ev, time.Now().Add(1*time.Second))
		})
		_ = w.Reactor.ArmWithDeadline(newConnEv, time.Now())
		_ = w.Reactor.ArmWithDeadline(statsEv, time.Now().Add(1*time.Second))
	}

	logger.Infof("iapp-udp-clt sending to %s:%d across %d threads (bufsize=%d, qdepth=%d)",
		remoteHost, remotePort, numThreads, bufSize, qdepth)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Infof("shutting down")
	group.Stop()
	group.Join()
	_ = group.Close()
}

// resolveAddr is restricted to numeric literals, matching the
// original's direct inet_addr() call (no name resolution performed).
func resolveAddr(host string, port int) (unix.Sockaddr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("not a numeric IP address")
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("only IPv4 remotes are supported")
	}
	return &unix.SockaddrInet4{Port: port, Addr: [4]byte{v4[0], v4[1], v4[2], v4[3]}}, nil
}

// sendOne mirrors thrclt_ev_newconn_cb: allocate one frame of bufSize
// A-Z-cycling bytes and queue it for transmission to the remote.
func (a *app) sendOne() {
	buf, err := a.pool.Alloc(a.bufSize)
	if err != nil {
		a.logger.Errorf("[%d]: alloc: %v", a.id, err)
		return
	}
	b := buf.Bytes()
	for i := range b {
		b[i] = 'A' + byte(i%26)
	}

	frame := &iapp.UDPFrame{Buf: buf, Remote: a.remote}
	if err := a.comm.UDPWrite(frame, a.writeDone); err != nil {
		a.pool.Free(buf)
	}
}

func (a *app) writeDone(c *iapp.Comm, frame *iapp.UDPFrame, status iapp.Status, err error) {
	if status == iapp.StatusCompleted {
		a.mu.Lock()
		a.totalPktWritten++
		a.totalByteWritten += uint64(frame.Buf.Len())
		a.mu.Unlock()
	}
	a.pool.Free(frame.Buf)
}

// printStats mirrors thrclt_ev_stat_print.
func (a *app) printStats() {
	a.mu.Lock()
	pkts, bytes := a.totalPktWritten, a.totalByteWritten
	a.mu.Unlock()
	a.logger.Infof("thrclt[%d]: written %d packets, %d bytes", a.id, pkts, bytes)
}
