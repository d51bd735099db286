package kbd

import (
	"testing"
	"time"

	"github.com/felipeek/rawOS/internal/defs"
)

func TestReadBlocksUntilDelivered(t *testing.T) {
	d := New()
	const fd = defs.Fd_t(3)

	blocked := make(chan struct{}, 1)
	done := make(chan int, 1)

	go func() {
		buf := make([]byte, 1)
		n := d.Read(fd, buf, func() { blocked <- struct{}{} })
		if n == 1 && buf[0] == 'k' {
			done <- 1
		} else {
			done <- 0
		}
	}()

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatalf("onBlock was never called; Read should have parked")
	}

	d.Deliver(fd, 'k')

	select {
	case ok := <-done:
		if ok != 1 {
			t.Fatalf("Read returned the wrong byte")
		}
	case <-time.After(time.Second):
		t.Fatalf("Read never woke up after Deliver")
	}
}

func TestDeliverWithoutReaderIsQueued(t *testing.T) {
	d := New()
	const fd = defs.Fd_t(1)
	d.Deliver(fd, 'x')

	buf := make([]byte, 1)
	done := make(chan int, 1)
	go func() {
		done <- d.Read(fd, buf, nil)
	}()

	select {
	case n := <-done:
		if n != 1 || buf[0] != 'x' {
			t.Fatalf("expected the queued byte to still be delivered to the first reader")
		}
	case <-time.After(time.Second):
		t.Fatalf("Read should have returned immediately: a byte was already queued")
	}
}

func TestMultipleBytesDrainInOrder(t *testing.T) {
	d := New()
	const fd = defs.Fd_t(2)
	d.Deliver(fd, 'a')
	d.Deliver(fd, 'b')
	d.Deliver(fd, 'c')

	buf := make([]byte, 3)
	n := d.Read(fd, buf, nil)
	if n != 3 || string(buf) != "abc" {
		t.Fatalf("Read = %q (n=%d), want \"abc\" (n=3)", buf[:n], n)
	}
}
