// Command iapp-srv is a demo TCP echo/throughput server built on top
// of goiapp's reactor, Comm, and thrgroup packages. Grounded on
// original_source/src/srv/srv.c.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp"
	"github.com/erikarn/goiapp/internal/logging"
	"github.com/erikarn/goiapp/internal/netbuf"
	"github.com/erikarn/goiapp/internal/reactor"
	"github.com/erikarn/goiapp/internal/smp"
	"github.com/erikarn/goiapp/internal/thrgroup"
)

// cfg mirrors struct cfg in srv.c: a flat bag of key=value options with
// the same defaults.
type cfg struct {
	numThreads   int
	ioSize       int
	maxNumConns  int
	atype        netbuf.AllocatorType
	port         int
	doThreadPin  bool
	doFDAffinity bool
}

func defaultCfg() cfg {
	return cfg{
		numThreads:  2,
		ioSize:      16384,
		maxNumConns: 32768,
		atype:       netbuf.AllocatorMalloc,
		port:        1667,
		doThreadPin: true,
	}
}

// parseOption mirrors srv_parse_option's "attrib=value" walk over a
// single argv token, aborting the whole program with os.Exit(127) on
// anything it doesn't recognize.
func parseOption(c *cfg, opt string) {
	parts := strings.SplitN(opt, "=", 2)
	if len(parts) != 2 {
		fmt.Printf("unknown option %q\n", opt)
		os.Exit(127)
	}
	key, val := parts[0], parts[1]

	atoi := func(s string) int {
		n, err := strconv.Atoi(s)
		if err != nil {
			fmt.Printf("bad integer value for %s: %q\n", key, s)
			os.Exit(127)
		}
		return n
	}

	switch key {
	case "num_threads":
		c.numThreads = atoi(val)
	case "io_size":
		c.ioSize = atoi(val)
	case "max_num_conns":
		c.maxNumConns = atoi(val)
	case "atype":
		t, err := netbuf.ParseAllocatorType(val)
		if err != nil {
			fmt.Printf("unknown atype (posixshm or malloc, got %q)\n", val)
			os.Exit(127)
		}
		c.atype = t
	case "port":
		c.port = atoi(val)
	case "do_thread_pin":
		c.doThreadPin = atoi(val) != 0
	case "do_fd_affinity":
		c.doFDAffinity = atoi(val) != 0
	default:
		fmt.Printf("unknown option %q\n", key)
		os.Exit(127)
	}
}

// conn is the demo's connection-list record (SUPPLEMENTED FEATURE #5):
// the original per-thread struct conn plus its TAILQ slot, generalized
// into a worker-scoped map keyed by fd.
type conn struct {
	comm         *iapp.Comm
	readBuf      []byte
	totalRead    uint64
	totalWritten uint64
}

type workerState struct {
	mu    sync.Mutex
	conns map[int]*conn
}

func main() {
	c := defaultCfg()
	for _, arg := range os.Args[1:] {
		parseOption(&c, arg)
	}

	// Ignore SIGPIPE on all threads, matching srv.c's pthread_sigmask
	// block (Go additionally never delivers SIGPIPE to a write(2) on a
	// closed socket as a process-fatal signal, but this keeps the
	// default disposition from printing anything if it ever is).
	signal.Ignore(syscall.SIGPIPE)

	logger := logging.NewLogger(logging.DefaultConfig())
	metrics := iapp.NewMetrics()

	var smpPool *smp.Pool
	if c.atype == netbuf.AllocatorPosixSHM {
		smpCfg := smp.DefaultConfig()
		smpCfg.SlabSize = c.maxNumConns * c.ioSize
		p, err := smp.New(smpCfg)
		if err != nil {
			logger.Errorf("smp.New: %v", err)
			os.Exit(1)
		}
		smpPool = p
	}
	pool, err := netbuf.NewPool(c.atype, smpPool)
	if err != nil {
		logger.Errorf("netbuf.NewPool: %v", err)
		os.Exit(1)
	}

	var cpuAffinity []int
	if c.doThreadPin {
		ncpu := runtime.NumCPU()
		cpuAffinity = make([]int, ncpu)
		for i := range cpuAffinity {
			cpuAffinity[i] = i
		}
	}

	states := make([]*workerState, c.numThreads)
	for i := range states {
		states[i] = &workerState{conns: make(map[int]*conn)}
	}

	onAccept := func(w *thrgroup.Worker, fd int, sa unix.Sockaddr, flowID uint32) {
		handleNewConn(w, states[w.ID], fd, c, pool, metrics, logger)
	}

	group, err := thrgroup.New(thrgroup.Config{
		NumWorkers:    c.numThreads,
		CPUAffinity:   cpuAffinity,
		ReactorConfig: reactor.Config{MaxWait: 1 * time.Second, Logger: logger},
		OnAccept:      onAccept,
		Logger:        logger,
	})
	if err != nil {
		logger.Errorf("thrgroup.New: %v", err)
		os.Exit(1)
	}

	fdV4, fdV6, err := thrgroup.ListenBoth(c.port)
	if err != nil {
		logger.Errorf("listen on port %d: %v", c.port, err)
		os.Exit(1)
	}

	// Every worker listens on the same shared listen socket(s) from its
	// own Reactor, matching thrsrv_new's per-thread comm_listen call
	// against one shared thr_sockfd_v4/v6 (the kernel arbitrates which
	// thread's accept4 wins each incoming connection).
	for i := 0; i < c.numThreads; i++ {
		w := group.Worker(i)
		workerID := i
		if fdV4 >= 0 {
			lc, err := iapp.Open(fdV4, w.Reactor)
			if err != nil {
				logger.Errorf("worker %d: open v4 listener: %v", i, err)
				os.Exit(1)
			}
			lc.MarkKeepDescriptor()
			if err := lc.Listen(acceptCallback(group, workerID, c.doFDAffinity)); err != nil {
				logger.Errorf("worker %d: listen v4: %v", i, err)
				os.Exit(1)
			}
		}
		if fdV6 >= 0 {
			lc, err := iapp.Open(fdV6, w.Reactor)
			if err != nil {
				logger.Errorf("worker %d: open v6 listener: %v", i, err)
				os.Exit(1)
			}
			lc.MarkKeepDescriptor()
			if err := lc.Listen(acceptCallback(group, workerID, c.doFDAffinity)); err != nil {
				logger.Errorf("worker %d: listen v6: %v", i, err)
				os.Exit(1)
			}
		}
	}

	if err := group.Start(); err != nil {
		logger.Errorf("group.Start: %v", err)
		os.Exit(1)
	}

	logger.Infof("iapp-srv listening on port %d (threads=%d, io_size=%d, atype=%s)",
		c.port, c.numThreads, c.ioSize, c.atype)

	statTicker := time.NewTicker(1 * time.Second)
	defer statTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case <-sigCh:
			break loop
		case <-statTicker.C:
			snap := metrics.Snapshot()
			logger.Infof("clients=%d new=%d closed=%d tx=%d rx=%d",
				snap.NumClients, snap.TotalOpened, snap.TotalClosed,
				snap.TotalWritten, snap.TotalRead)
		}
	}

	logger.Infof("shutting down")
	group.Stop()
	group.Join()
	_ = group.Close()
}

// acceptCallback hands a freshly-accepted connection off to the group,
// either for flow-id-based steering (group.Dispatch) or, when
// do_fd_affinity is disabled, straight to the accepting worker
// (group.DispatchLocal) — mirroring thrsrv_acceptfd's
// cfg->do_fd_affinity branch.
func acceptCallback(group *thrgroup.Group, workerID int, fdAffinity bool) iapp.AcceptCallback {
	return func(c *iapp.Comm, newFd int, sa unix.Sockaddr, status iapp.Status, err error) {
		if status != iapp.StatusCompleted {
			return
		}
		if fdAffinity {
			group.Dispatch(workerID, newFd, sa)
		} else {
			group.DispatchLocal(workerID, newFd, sa)
		}
	}
}

func handleNewConn(w *thrgroup.Worker, state *workerState, fd int, c cfg, pool *netbuf.Pool, metrics *iapp.Metrics, logger *logging.Logger) {
	comm, err := iapp.Open(fd, w.Reactor, iapp.WithLogger(logger), iapp.WithMetrics(metrics), iapp.WithUDPBufferPool(pool))
	if err != nil {
		unix.Close(fd)
		return
	}

	cn := &conn{comm: comm, readBuf: make([]byte, c.ioSize)}

	state.mu.Lock()
	if len(state.conns) >= c.maxNumConns {
		state.mu.Unlock()
		_ = comm.Close(nil)
		return
	}
	state.conns[fd] = cn
	state.mu.Unlock()

	var onRead iapp.ReadCallback
	onRead = func(c *iapp.Comm, buf []byte, n int, status iapp.Status, err error) {
		switch status {
		case iapp.StatusCompleted:
			cn.totalRead += uint64(n)
			if werr := c.Write(buf[:n], func(c *iapp.Comm, written int, status iapp.Status, err error) {
				if status != iapp.StatusCompleted {
					return
				}
				cn.totalWritten += uint64(written)
				if rerr := c.Read(cn.readBuf, onRead); rerr != nil {
					closeConn(state, fd, c)
				}
			}); werr != nil {
				closeConn(state, fd, c)
			}
		case iapp.StatusEOF, iapp.StatusError, iapp.StatusClosing:
			closeConn(state, fd, c)
		}
	}

	if err := comm.Read(cn.readBuf, onRead); err != nil {
		closeConn(state, fd, comm)
	}
}

func closeConn(state *workerState, fd int, c *iapp.Comm) {
	state.mu.Lock()
	delete(state.conns, fd)
	state.mu.Unlock()
	_ = c.Close(nil)
}
