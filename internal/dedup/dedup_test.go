package dedup

import (
	"bytes"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	a := Key([]byte(`{"model":"auto","messages":[]}`))
	b := Key([]byte(`{"model":"auto","messages":[]}`))
	c := Key([]byte(`{"model":"auto","messages":[{}]}`))

	if a != b {
		t.Errorf("identical bodies produced different keys: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different bodies produced the same key: %s", a)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestJoinOwnerThenReplay(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	key := Key([]byte("request-1"))
	res := d.Join(key)
	if !res.Owner {
		t.Fatalf("first Join: expected owner, got %+v", res)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	body := []byte(`{"id":"chatcmpl-1"}`)
	d.Complete(key, &Response{Status: 200, Header: header, Body: body})

	replay := d.Join(key)
	if replay.Response == nil {
		t.Fatalf("second Join: expected replay, got %+v", replay)
	}
	if replay.Response.Status != 200 {
		t.Errorf("replay status = %d, want 200", replay.Response.Status)
	}
	if !bytes.Equal(replay.Response.Body, body) {
		t.Errorf("replay body = %q, want %q", replay.Response.Body, body)
	}
	if got := replay.Response.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("replay Content-Type = %q, want application/json", got)
	}
}

func TestSingleFlight(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	const callers = 10
	key := Key([]byte("concurrent"))
	body := []byte(`{"id":"chatcmpl-sf"}`)

	var owners int32
	joined := make(chan struct{}, callers)
	bodies := make(chan []byte, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.Join(key)
			switch {
			case res.Owner:
				atomic.AddInt32(&owners, 1)
				for j := 0; j < callers-1; j++ {
					<-joined
				}
				d.Complete(key, &Response{Status: 200, Body: body})
				bodies <- body
			case res.Waiter != nil:
				joined <- struct{}{}
				select {
				case <-res.Waiter.Done():
					resp := res.Waiter.Response()
					if resp == nil {
						t.Error("waiter woke with nil response")
						bodies <- nil
						return
					}
					bodies <- resp.Body
				case <-time.After(2 * time.Second):
					t.Error("waiter timed out")
					bodies <- nil
				}
			case res.Response != nil:
				joined <- struct{}{}
				bodies <- res.Response.Body
			}
		}()
	}
	wg.Wait()

	if owners != 1 {
		t.Errorf("owners = %d, want exactly 1", owners)
	}
	for i := 0; i < callers; i++ {
		got := <-bodies
		if !bytes.Equal(got, body) {
			t.Errorf("caller %d body = %q, want %q", i, got, body)
		}
	}
	if d.InflightLen() != 0 {
		t.Errorf("inflight after completion = %d, want 0", d.InflightLen())
	}
	if d.CompletedLen() != 1 {
		t.Errorf("completed after completion = %d, want 1", d.CompletedLen())
	}
}

func TestAbortPromotesWaiter(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	key := Key([]byte("aborted"))
	if res := d.Join(key); !res.Owner {
		t.Fatalf("expected owner, got %+v", res)
	}

	attached := d.Join(key)
	if attached.Waiter == nil {
		t.Fatalf("expected waiter, got %+v", attached)
	}

	d.Abort(key)

	select {
	case <-attached.Waiter.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by abort")
	}
	if resp := attached.Waiter.Response(); resp != nil {
		t.Errorf("aborted waiter response = %+v, want nil", resp)
	}

	retry := d.Join(key)
	if !retry.Owner {
		t.Errorf("Join after abort: expected new owner, got %+v", retry)
	}
}

func TestCompleteDropsHopHeaders(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	key := Key([]byte("hop"))
	d.Join(key)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Transfer-Encoding", "chunked")
	header.Set("Connection", "keep-alive")
	header.Set("Content-Encoding", "gzip")
	d.Complete(key, &Response{Status: 200, Header: header, Body: []byte("{}")})

	replay := d.Join(key)
	if replay.Response == nil {
		t.Fatalf("expected replay, got %+v", replay)
	}
	for _, name := range []string{"Transfer-Encoding", "Connection", "Content-Encoding"} {
		if got := replay.Response.Header.Get(name); got != "" {
			t.Errorf("replay retained hop header %s=%q", name, got)
		}
	}
	if got := replay.Response.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

func TestReplayExpiry(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	key := Key([]byte("expiring"))
	d.Join(key)
	d.Complete(key, &Response{Status: 200, Body: []byte("{}")})

	d.mu.Lock()
	d.completed[key].CompletedAt = time.Now().Add(-2 * time.Minute)
	d.mu.Unlock()

	res := d.Join(key)
	if !res.Owner {
		t.Errorf("Join after expiry: expected owner, got %+v", res)
	}
	if d.CompletedLen() != 0 {
		t.Errorf("expired entry still retained, completed = %d", d.CompletedLen())
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	for _, body := range []string{"a", "b", "c"} {
		key := Key([]byte(body))
		d.Join(key)
		d.Complete(key, &Response{Status: 200, Body: []byte(body)})
	}

	d.mu.Lock()
	for _, resp := range d.completed {
		resp.CompletedAt = time.Now().Add(-2 * time.Minute)
	}
	d.mu.Unlock()

	d.sweep()

	if d.CompletedLen() != 0 {
		t.Errorf("completed after sweep = %d, want 0", d.CompletedLen())
	}
}

func TestCompleteUncached(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	key := Key([]byte("oversized"))
	if res := d.Join(key); !res.Owner {
		t.Fatalf("expected owner, got %+v", res)
	}
	attached := d.Join(key)
	if attached.Waiter == nil {
		t.Fatalf("expected waiter, got %+v", attached)
	}

	body := []byte(`{"error":{"message":"response too large to replay","type":"provider_error"}}`)
	d.CompleteUncached(key, &Response{Status: 502, Body: body})

	select {
	case <-attached.Waiter.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken")
	}
	resp := attached.Waiter.Response()
	if resp == nil || resp.Status != 502 {
		t.Fatalf("waiter response = %+v, want status 502", resp)
	}
	if !bytes.Equal(resp.Body, body) {
		t.Errorf("waiter body = %q, want %q", resp.Body, body)
	}

	if res := d.Join(key); !res.Owner {
		t.Errorf("Join after uncached completion: expected owner, got %+v", res)
	}
	if d.CompletedLen() != 0 {
		t.Errorf("uncached completion retained an entry, completed = %d", d.CompletedLen())
	}
}

func TestCompleteAfterAbortIsNoop(t *testing.T) {
	d := New(time.Minute)
	defer d.Close()

	key := Key([]byte("stale"))
	d.Join(key)
	d.Abort(key)
	d.Complete(key, &Response{Status: 200, Body: []byte("{}")})

	if d.CompletedLen() != 0 {
		t.Errorf("stale Complete retained an entry, completed = %d", d.CompletedLen())
	}
	if res := d.Join(key); !res.Owner {
		t.Errorf("expected fresh owner, got %+v", res)
	}
}

func TestCloseIdempotent(t *testing.T) {
	d := New(time.Minute)
	d.Close()
	d.Close()
}
