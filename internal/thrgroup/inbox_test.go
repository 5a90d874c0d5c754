package thrgroup

import "testing"

func TestInboxPushDrain(t *testing.T) {
	var b Inbox
	b.Push(HandoffConn{Fd: 5, FlowID: 1})
	b.Push(HandoffConn{Fd: 6, FlowID: 2})

	items := b.Drain()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Fd != 5 || items[1].Fd != 6 {
		t.Fatalf("unexpected item order: %+v", items)
	}

	if items := b.Drain(); items != nil {
		t.Fatalf("expected nil after drain, got %+v", items)
	}
}
