// Command iapp-udp-srv is a demo UDP echo/throughput server built on
// top of goiapp's reactor, Comm, and thrgroup packages. Grounded on
// original_source/src/udp_srv/udp_srv.c.
package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/erikarn/goiapp"
	"github.com/erikarn/goiapp/internal/logging"
	"github.com/erikarn/goiapp/internal/netbuf"
	"github.com/erikarn/goiapp/internal/reactor"
	"github.com/erikarn/goiapp/internal/thrgroup"
)

// numWorkers and port mirror udp_srv.c's NUM_THREADS and the hardcoded
// 1667, both of which the original takes no argv for.
const (
	numWorkers = 16
	udpPort    = 1667
)

func udpListenfd(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func main() {
	signal.Ignore(syscall.SIGPIPE)

	logger := logging.NewLogger(logging.DefaultConfig())
	metrics := iapp.NewMetrics()

	pool, err := netbuf.NewPool(netbuf.AllocatorMalloc, nil)
	if err != nil {
		logger.Errorf("netbuf.NewPool: %v", err)
		os.Exit(1)
	}

	cpuAffinity := make([]int, runtime.NumCPU())
	for i := range cpuAffinity {
		cpuAffinity[i] = i
	}

	group, err := thrgroup.New(thrgroup.Config{
		NumWorkers:    numWorkers,
		CPUAffinity:   cpuAffinity,
		ReactorConfig: reactor.Config{MaxWait: 1 * time.Second, Logger: logger},
		Logger:        logger,
	})
	if err != nil {
		logger.Errorf("thrgroup.New: %v", err)
		os.Exit(1)
	}

	fd, err := udpListenfd(udpPort)
	if err != nil {
		logger.Errorf("udpListenfd(%d): %v", udpPort, err)
		os.Exit(1)
	}

	// Every worker recvfrom()s on the same shared datagram socket from
	// its own Reactor, matching thrsrv_new: one thrsrv_listenfd result
	// handed to every pthread, each racing comm_udp_read against it.
	for i := 0; i < numWorkers; i++ {
		w := group.Worker(i)
		comm, err := iapp.Open(fd, w.Reactor, iapp.WithLogger(logger), iapp.WithMetrics(metrics), iapp.WithUDPBufferPool(pool))
		if err != nil {
			logger.Errorf("worker %d: open udp socket: %v", i, err)
			os.Exit(1)
		}
		comm.MarkKeepDescriptor()
		if err := comm.UDPRead(iapp.DefaultIOSize, echoCallback(logger, pool)); err != nil {
			logger.Errorf("worker %d: UDPRead: %v", i, err)
			os.Exit(1)
		}
	}

	if err := group.Start(); err != nil {
		logger.Errorf("group.Start: %v", err)
		os.Exit(1)
	}

	logger.Infof("iapp-udp-srv listening on udp port %d (threads=%d)", udpPort, numWorkers)

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
			logger.Infof("rx=%d tx=%d", snap.TotalRead, snap.TotalWritten)
		}
	}

	logger.Infof("shutting down")
	group.Stop()
	group.Join()
	_ = group.Close()
}

// echoCallback mirrors conn_recvmsg: receive a frame, discard it (the
// original free()s the frame without replying). Non-EAGAIN errors are
// logged; the frame's buffer is always freed back to the pool.
func echoCallback(logger *logging.Logger, pool *netbuf.Pool) iapp.UDPReadCallback {
	return func(c *iapp.Comm, frame *iapp.UDPFrame, n int, status iapp.Status, err error) {
		if frame != nil && frame.Buf != nil {
			defer pool.Free(frame.Buf)
		}
		if status == iapp.StatusError {
			logger.Errorf("udp recv: %v", err)
		}
	}
}
