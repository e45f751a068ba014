package broker

import (
	"bytes"
	"fmt"
	"testing"
)

func TestBrokerFanOut(t *testing.T) {
	b := New(8)
	defer b.Close()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish([]byte("hello"))

	for i, s := range []*Subscriber{s1, s2} {
		pkt := <-s.C
		if !bytes.Equal(pkt.Data, []byte("hello")) {
			t.Errorf("subscriber %d got %q, want hello", i, pkt.Data)
		}
	}
}

func TestBrokerOrdering(t *testing.T) {
	b := New(64)
	defer b.Close()

	s := b.Subscribe()
	for i := range 10 {
		b.Publish([]byte(fmt.Sprintf("pkt-%d", i)))
	}
	for i := range 10 {
		pkt := <-s.C
		want := fmt.Sprintf("pkt-%d", i)
		if string(pkt.Data) != want {
			t.Fatalf("packet %d = %q, want %q", i, pkt.Data, want)
		}
	}
}

func TestBrokerSlowSubscriberDropsWithMarker(t *testing.T) {
	b := New(2)
	defer b.Close()

	s := b.Subscribe()

	// Fill the queue and then some; the excess drops for this
	// subscriber only.
	for i := range 6 {
		b.Publish([]byte(fmt.Sprintf("pkt-%d", i)))
	}
	if s.Missed() == 0 {
		t.Fatal("slow subscriber should have missed packets")
	}

	// Drain what made it through.
	<-s.C
	<-s.C

	// Next publish owes the discontinuity marker first.
	b.Publish([]byte("after"))
	pkt := <-s.C
	if !pkt.Discontinuity {
		t.Fatalf("expected discontinuity marker, got data %q", pkt.Data)
	}
	if pkt.Missed == 0 {
		t.Error("marker should carry the missed count")
	}
	pkt = <-s.C
	if string(pkt.Data) != "after" {
		t.Errorf("post-marker packet = %q, want after", pkt.Data)
	}
}

func TestBrokerDropIsPerSubscriber(t *testing.T) {
	b := New(2)
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// The fast subscriber drains between publishes; the slow one never
	// reads. Only the slow one may drop.
	received := 0
	for i := range 6 {
		b.Publish([]byte(fmt.Sprintf("pkt-%d", i)))
		for {
			select {
			case <-fast.C:
				received++
				continue
			default:
			}
			break
		}
	}
	if received != 6 {
		t.Errorf("fast subscriber received %d packets, want 6", received)
	}
	if fast.Missed() != 0 {
		t.Errorf("fast subscriber missed %d, want 0", fast.Missed())
	}
	if slow.Missed() == 0 {
		t.Error("slow subscriber should have missed packets")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	defer b.Close()

	s := b.Subscribe()
	s.Close()
	if _, ok := <-s.C; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	// Publishing after unsubscribe must not panic.
	b.Publish([]byte("x"))
}

func TestBrokerCloseClosesAll(t *testing.T) {
	b := New(4)
	s := b.Subscribe()
	b.Close()
	if _, ok := <-s.C; ok {
		t.Error("channel should be closed after broker close")
	}
	if b.Subscribe() != nil {
		t.Error("subscribe after close should return nil")
	}
	b.Publish([]byte("x")) // no-op, no panic
}

func TestBrokerEmptyPublish(t *testing.T) {
	b := New(4)
	defer b.Close()
	s := b.Subscribe()
	b.Publish(nil)
	select {
	case pkt := <-s.C:
		t.Errorf("empty publish delivered %+v", pkt)
	default:
	}
}
