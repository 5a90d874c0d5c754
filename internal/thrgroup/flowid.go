package thrgroup

import "golang.org/x/sys/unix"

// ipFlowID mirrors srv.c's local IP_FLOWID fallback definition: the
// constant isn't always exposed by the host's netinet/in.h (or, here,
// by golang.org/x/sys/unix), so thread-steering code keeps its own
// copy rather than depending on it being wired up system-wide.
const ipFlowID = 25

// FlowID reads IP_FLOWID off newFd via getsockopt(IPPROTO_IP,
// IP_FLOWID), the RSS/flow-steering hint a BSD listener socket
// inherits from the accepted connection. Returns 0 (meaning "no
// steering hint") on any platform or socket that doesn't support it,
// matching srv.c's best-effort getsockopt call.
func FlowID(newFd int) uint32 {
	v, err := unix.GetsockoptInt(newFd, unix.IPPROTO_IP, ipFlowID)
	if err != nil || v == 0 {
		return 0
	}
	return uint32(v)
}

// WorkerForFlow maps a flow identifier onto one of nWorkers, or
// returns -1 if flowID carries no steering hint (flowID == 0),
// meaning the caller should keep the connection on the accepting
// worker rather than hand it off. Grounded on
// thrsrv_flowid_to_thread's "assume 8 CPUs, mask low bits" scheme,
// generalized to mask-then-mod against the actual worker count.
func WorkerForFlow(flowID uint32, nWorkers int) int {
	if flowID == 0 || nWorkers <= 0 {
		return -1
	}
	return int(flowID&0x7) % nWorkers
}
