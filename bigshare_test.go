// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigshare

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigshare/network"
	"github.com/grailbio/bigshare/serial"
	"github.com/grailbio/bigshare/stats"
	"github.com/grailbio/bigshare/txn"
	"github.com/grailbio/testutil/assert"
)

type counter struct {
	Shared
	Value int
	Name  string
	Next  Ptr[counter]
}

// startHosts returns n hosts connected by a fabric. Hosts whose
// index is in started have polling goroutines.
func startHosts(t *testing.T, n int, started ...int) (context.Context, []*Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	f := network.NewFabric(n)
	hosts := make([]*Host, n)
	for i := range hosts {
		hosts[i] = NewHost(f.Endpoint(i))
	}
	if len(started) == 0 {
		for i := range hosts {
			started = append(started, i)
		}
	}
	for _, i := range started {
		hosts[i].Start(ctx)
	}
	t.Cleanup(func() {
		for _, h := range hosts {
			h.Shutdown()
		}
		f.Close()
		cancel()
	})
	return ctx, hosts
}

func TestPtr(t *testing.T) {
	_, hosts := startHosts(t, 2)
	a, b := hosts[0], hosts[1]
	x, y := &counter{Value: 1}, &counter{Value: 2}
	px := NewPtr(a, x)
	if got, want := NewPtr(a, x), px; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	py := NewPtr(b, y)
	if px.IsNull() {
		t.Error("registered pointer is null")
	}
	if got, want := px.String(), "[0,1]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := py.String(), "[1,1]"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !px.IsLocal(a) || px.IsLocal(b) {
		t.Error("wrong locality")
	}
	if !px.Less(py) || py.Less(px) || px.Compare(py) != -1 || py.Compare(px) != 1 || px.Compare(px) != 0 {
		t.Error("wrong ordering")
	}
	if got, want := KeyOf(x), px.Key(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var null Ptr[counter]
	if !null.IsNull() || null.Owner() != 0 || null.Addr() != 0 {
		t.Error("zero pointer is not null")
	}
	if _, err := Resolve(context.Background(), a, nil, null); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestPtrRoundTrip(t *testing.T) {
	_, hosts := startHosts(t, 1)
	h := hosts[0]
	p := NewPtr(h, &counter{})
	var b serial.Buffer
	assert.NoError(t, serial.Encode(&b, p))
	var q Ptr[counter]
	assert.NoError(t, serial.Decode(serial.NewBuffer(b.Bytes()), &q))
	if !p.Equal(q) {
		t.Errorf("got %v, want %v", q, p)
	}
	// Pointers embedded in objects round trip too.
	in := counter{Value: 3, Name: "x", Next: p}
	b.Reset()
	assert.NoError(t, serial.Encode(&b, &in))
	var out counter
	assert.NoError(t, serial.Decode(serial.NewBuffer(b.Bytes()), &out))
	if got, want := out.Next, p; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := out.Value, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLocalConflict(t *testing.T) {
	ctx, hosts := startHosts(t, 1)
	h := hosts[0]
	p := NewPtr(h, &counter{Value: 1})
	tx1, tx2 := txn.NewContext(), txn.NewContext()
	tx1.Begin()
	tx2.Begin()
	c, err := Resolve(ctx, h, tx1, p)
	assert.NoError(t, err)
	c.Value++
	_, err = Resolve(ctx, h, tx2, p)
	if got, want := txn.OutcomeOf(err), txn.Conflicted; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	tx2.Abort()
	tx1.Commit()
	tx2.Begin()
	c, err = Resolve(ctx, h, tx2, p)
	assert.NoError(t, err)
	if got, want := c.Value, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Resolving again within the same unit of work succeeds.
	_, err = Resolve(ctx, h, tx2, p)
	assert.NoError(t, err)
	tx2.Commit()
	if got, want := h.Stats()[stats.Conflicts], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// TestRecall runs the recall scenario: host A owns X=1, host B
// caches it, A recalls it before setting it to 2, and B then sees 2.
func TestRecall(t *testing.T) {
	ctx, hosts := startHosts(t, 2)
	a, b := hosts[0], hosts[1]
	x := &counter{Value: 1}
	p := NewPtr(a, x)

	bx, err := Resolve(ctx, b, nil, p)
	assert.NoError(t, err)
	if got, want := bx.Value, 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if bx == x {
		t.Fatal("remote resolve returned the owner's object")
	}
	// While B caches X, A's copy is held by its directory: there is
	// exactly one authoritative copy.
	if holder, ok := a.ld.exportedTo(p.Addr()); !ok || holder != 1 {
		t.Fatalf("got %v %v, want exported to 1", holder, ok)
	}
	if !x.IsAcquiredBy(a.ld) {
		t.Fatal("owner copy not held by directory")
	}
	bx.Value = 10 // B's proxy is the writable copy.

	tx := txn.NewContext()
	tx.Begin()
	_, err = Resolve(ctx, a, tx, p)
	if !txn.IsRemote(err) {
		t.Fatalf("expected remote conflict, got %v", err)
	}
	tx.Abort()
	tx.Begin()
	ax, err := Acquire(ctx, a, tx, p)
	assert.NoError(t, err)
	if got, want := ax.Value, 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	ax.Value = 2
	tx.Commit()
	if b.rd.cached(p.Key()) {
		t.Error("proxy still cached after recall")
	}

	bx, err = Resolve(ctx, b, nil, p)
	assert.NoError(t, err)
	if got, want := bx.Value, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRecallIdempotent(t *testing.T) {
	ctx, hosts := startHosts(t, 2)
	a, b := hosts[0], hosts[1]
	p := NewPtr(a, &counter{Value: 1})

	// No remote copy: nothing happens.
	assert.NoError(t, a.Recall(p.Key()))
	assert.NoError(t, a.Recall(p.Key()))
	if got, want := a.Stats()[stats.Recalls], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := b.Recall(p.Key()); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}

	// Hold B's proxy so that the recall is deferred.
	tx := txn.NewContext()
	tx.Begin()
	_, err := Acquire(ctx, b, tx, p)
	assert.NoError(t, err)
	assert.NoError(t, a.Recall(p.Key()))
	assert.NoError(t, a.Recall(p.Key()))
	if got, want := a.Stats()[stats.Recalls], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, b.WaitUntil(ctx, func() bool { return b.rd.recalls[p.Key()] }))
	// A recalled proxy cannot be acquired by new units of work, but
	// remains usable by its holder.
	tx2 := txn.NewContext()
	tx2.Begin()
	if _, err := Resolve(ctx, b, tx2, p); !txn.IsRemote(err) {
		t.Errorf("expected remote conflict, got %v", err)
	}
	tx2.Abort()
	_, err = Resolve(ctx, b, tx, p)
	assert.NoError(t, err)
	tx.Commit()
	assert.NoError(t, a.WaitUntil(ctx, func() bool {
		_, ok := a.ld.exported[p.Addr()]
		return !ok
	}))
}

func TestRemoteConflict(t *testing.T) {
	ctx, hosts := startHosts(t, 2)
	a, b := hosts[0], hosts[1]
	p := NewPtr(a, &counter{})
	tx1, tx2 := txn.NewContext(), txn.NewContext()
	tx1.Begin()
	tx2.Begin()
	// The first transactional resolve of an uncached object fails
	// with a remote conflict while the object is fetched.
	_, err := Resolve(ctx, b, tx1, p)
	if !txn.IsRemote(err) {
		t.Fatalf("expected remote conflict, got %v", err)
	}
	_, err = Acquire(ctx, b, tx1, p)
	assert.NoError(t, err)
	_, err = Resolve(ctx, b, tx2, p)
	if got, want := txn.OutcomeOf(err), txn.Conflicted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	tx2.Abort()
	assert.NoError(t, Release(b, tx1, p))
	if err := Release(b, tx1, p); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	tx2.Begin()
	c, ok, err := TryAcquire(ctx, b, tx2, p)
	assert.NoError(t, err)
	if !ok || c == nil {
		t.Error("acquire after release failed")
	}
	tx2.Commit()
	tx1.Commit()
}

func TestMissing(t *testing.T) {
	ctx, hosts := startHosts(t, 2)
	p := PtrTo[counter](Key{Owner: 0, Addr: 999})
	if _, err := Resolve(ctx, hosts[1], nil, p); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
	if _, err := Resolve(ctx, hosts[0], nil, p); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}

// resolveTx resolves p in a unit of work on h, retrying while the
// object is on its way.
func resolveTx(ctx context.Context, t *testing.T, h *Host, p Ptr[counter]) (*counter, error) {
	t.Helper()
	tx := txn.NewContext()
	for {
		tx.Begin()
		c, err := Resolve(ctx, h, tx, p)
		tx.Abort()
		if !txn.IsRemote(err) {
			return c, err
		}
		if err := h.Yield(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMissingThenRegistered(t *testing.T) {
	ctx, hosts := startHosts(t, 2)
	a, b := hosts[0], hosts[1]
	p := PtrTo[counter](Key{Owner: 0, Addr: 1})
	if _, err := Resolve(ctx, b, nil, p); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected not exist error, got %v", err)
	}
	if _, err := resolveTx(ctx, t, b, p); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected not exist error, got %v", err)
	}
	if got, want := NewPtr(a, &counter{Value: 5}), p; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	c, err := resolveTx(ctx, t, b, p)
	assert.NoError(t, err)
	if got, want := c.Value, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.Flush()

	q := PtrTo[counter](Key{Owner: 0, Addr: 2})
	if _, err := Resolve(ctx, b, nil, q); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected not exist error, got %v", err)
	}
	NewPtr(a, &counter{Value: 6})
	c, err = Resolve(ctx, b, nil, q)
	assert.NoError(t, err)
	if got, want := c.Value, 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// unreadable encodes to a value that cannot be decoded.
type unreadable struct{}

func (unreadable) Serialize(b *serial.Buffer) { b.PutUint8(1) }

func (*unreadable) Deserialize(b *serial.Buffer) error {
	b.Uint8()
	return errors.E(errors.Integrity, "unreadable")
}

type broken struct {
	Shared
	Value unreadable
}

func TestUndecodableObject(t *testing.T) {
	ctx, hosts := startHosts(t, 2)
	p := NewPtr(hosts[0], &broken{})
	for i := 0; i < 2; i++ {
		if _, err := Resolve(ctx, hosts[1], nil, p); !errors.Is(errors.Integrity, err) {
			t.Errorf("expected integrity error, got %v", err)
		}
	}
	tx := txn.NewContext()
	tx.Begin()
	if _, err := Resolve(ctx, hosts[1], tx, p); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
	tx.Abort()
	if hosts[1].lookup(p.Key()) != nil {
		t.Error("undecodable proxy is visible")
	}
}

func TestSelfPoll(t *testing.T) {
	// Only the owner runs a polling goroutine; the requester polls
	// itself while it waits.
	ctx, hosts := startHosts(t, 2, 0)
	p := NewPtr(hosts[0], &counter{Value: 7})
	c, err := Resolve(ctx, hosts[1], nil, p)
	assert.NoError(t, err)
	if got, want := c.Value, 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

type dedicated struct{ network.Interface }

func (dedicated) NeedsDedicatedThread() bool { return true }

func TestNeedsDedicatedThread(t *testing.T) {
	f := network.NewFabric(2)
	defer f.Close()
	h := NewHost(dedicated{f.Endpoint(1)})
	p := PtrTo[counter](Key{Owner: 0, Addr: 1})
	if _, err := Resolve(context.Background(), h, nil, p); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
	if err := h.Barrier(context.Background()); !errors.Is(errors.Precondition, err) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

func TestFlushPrefetch(t *testing.T) {
	ctx, hosts := startHosts(t, 2)
	a, b := hosts[0], hosts[1]
	p := NewPtr(a, &counter{Value: 5})
	Prefetch(b, p)
	assert.NoError(t, b.WaitUntil(ctx, func() bool {
		e := b.rd.entries[p.Key()]
		return e != nil && e.state == entryPresent
	}))
	if got, want := b.Flush(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, a.WaitUntil(ctx, func() bool { return len(a.ld.exported) == 0 }))
	c, err := Resolve(ctx, a, nil, p)
	assert.NoError(t, err)
	if got, want := c.Value, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	const (
		nhost   = 3
		nworker = 2
		nincr   = 50
	)
	ctx, hosts := startHosts(t, nhost)
	x := &counter{}
	p := NewPtr(hosts[0], x)
	var wg sync.WaitGroup
	for _, h := range hosts {
		for w := 0; w < nworker; w++ {
			h := h
			wg.Add(1)
			go func() {
				defer wg.Done()
				tx := txn.NewContext()
				for i := 0; i < nincr; {
					tx.Begin()
					c, err := Resolve(ctx, h, tx, p)
					if err == nil {
						c.Value++
						tx.Commit()
						i++
						continue
					}
					tx.Abort()
					if !txn.IsConflict(err) {
						t.Error(err)
						return
					}
					if err := h.yield(ctx); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
	}
	wg.Wait()
	for _, h := range hosts {
		h.Flush()
	}
	c, err := Resolve(ctx, hosts[0], nil, p)
	assert.NoError(t, err)
	if got, want := c.Value, nhost*nworker*nincr; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBarrier(t *testing.T) {
	ctx, hosts := startHosts(t, 3)
	var wg sync.WaitGroup
	for _, h := range hosts {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Barrier(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}
