package relay

import (
	"testing"
	"time"
)

func TestAudioFanOut(t *testing.T) {
	gw := newFakeGateway("CA1")
	h := startHub(t, gw, testPolicy())
	a := connect(t, h, "a")
	b := connect(t, h, "b")
	c := connect(t, h, "c")
	activate(t, h, a)

	h.Audio("a", []byte("f1"))
	h.Audio("a", []byte("f2"))

	for _, p := range []*fakePeer{b, c} {
		if got := string(waitBinary(t, p)); got != "f1" {
			t.Fatalf("peer %s first frame = %q", p.id, got)
		}
		if got := string(waitBinary(t, p)); got != "f2" {
			t.Fatalf("peer %s second frame = %q", p.id, got)
		}
	}
	expectNoBinary(t, h, a)
}

func TestAudioDroppedBeforeActive(t *testing.T) {
	gw := newFakeGateway("CA1")
	gw.hold = make(chan struct{})
	h := startHub(t, gw, testPolicy())
	a := connect(t, h, "a")
	b := connect(t, h, "b")

	// Idle: no session yet.
	h.Audio("a", []byte("idle"))
	expectNoBinary(t, h, b)

	send(t, h, "a", Message{Type: TypeStartCall, To: "+15550001111"})
	waitState(t, h, "a", StateDialing)
	h.Audio("a", []byte("dialing"))
	expectNoBinary(t, h, b)

	close(gw.hold)
	waitText(t, a, TypeCallStarted)
	waitState(t, h, "a", StateActive)
	h.Audio("a", []byte("live"))
	if got := string(waitBinary(t, b)); got != "live" {
		t.Fatalf("frame = %q, buffered frames leaked", got)
	}
}

func TestAudioEchoPolicy(t *testing.T) {
	p := testPolicy()
	p.EchoAudio = true
	h := startHub(t, newFakeGateway("CA1"), p)
	a := connect(t, h, "a")
	b := connect(t, h, "b")
	activate(t, h, a)

	h.Audio("a", []byte("x"))
	if got := string(waitBinary(t, a)); got != "x" {
		t.Fatalf("echo = %q", got)
	}
	if got := string(waitBinary(t, b)); got != "x" {
		t.Fatalf("fan-out = %q", got)
	}
}

func TestAudioSkipsClosedPeers(t *testing.T) {
	h := startHub(t, newFakeGateway("CA1"), testPolicy())
	a := connect(t, h, "a")
	b := connect(t, h, "b")
	c := connect(t, h, "c")
	activate(t, h, a)

	_ = b.Close()
	h.Audio("a", []byte("x"))
	if got := string(waitBinary(t, c)); got != "x" {
		t.Fatalf("frame = %q", got)
	}
	select {
	case frame := <-b.bin:
		t.Fatalf("closed peer got %q", frame)
	default:
	}
}

func TestAudioAckPolicy(t *testing.T) {
	p := testPolicy()
	p.AckAudio = true
	h := startHub(t, newFakeGateway("CA1"), p)
	a := connect(t, h, "a")

	h.Audio("a", []byte("12345"))
	ack := waitText(t, a, TypeAck)
	if ack.Size != 5 {
		t.Fatalf("ack size = %d", ack.Size)
	}
}

func TestMediaPeerJoinsSessionByCallID(t *testing.T) {
	h := startHub(t, newFakeGateway("CA1"), testPolicy())
	a := connect(t, h, "a")
	b := connect(t, h, "b")
	activate(t, h, a)

	m := newFakeMediaPeer("m")
	if err := h.Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	expectNoText(t, h, m)

	// Unbound media frames go nowhere.
	h.Audio("m", []byte("early"))
	expectNoBinary(t, h, b)

	h.Bind("m", "CA1")
	h.Audio("m", []byte("callee"))
	if got := string(waitBinary(t, a)); got != "callee" {
		t.Fatalf("operator got %q", got)
	}
	if got := string(waitBinary(t, b)); got != "callee" {
		t.Fatalf("listener got %q", got)
	}

	h.Audio("a", []byte("operator"))
	if got := string(waitBinary(t, m)); got != "operator" {
		t.Fatalf("media peer got %q", got)
	}

	// The stream ending leaves the call alone.
	h.Unregister("m", "stream stopped")
	flush(t, h)
	waitState(t, h, "a", StateActive)
}

func TestBindUnknownCallIsIgnored(t *testing.T) {
	h := startHub(t, newFakeGateway("CA1"), testPolicy())
	m := newFakeMediaPeer("m")
	_ = h.Register(m)
	h.Bind("m", "CA404")
	st, _ := h.Stats(t.Context())
	if st.Media != 1 || st.Sessions != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRegistryBroadcastCounts(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	a, b := newFakePeer("a"), newFakePeer("b")
	r.add(a, now)
	r.add(b, now)
	if _, ok := r.add(newFakePeer("a"), now); ok {
		t.Fatalf("duplicate add accepted")
	}
	if n := r.broadcast("a", []byte("x"), false); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if n := r.broadcast("a", []byte("x"), true); n != 2 {
		t.Fatalf("delivered with echo = %d, want 2", n)
	}
	if _, ok := r.remove("b"); !ok {
		t.Fatalf("remove failed")
	}
	if _, ok := r.remove("b"); ok {
		t.Fatalf("second remove reported success")
	}
	if r.len() != 1 || r.count(PeerClient) != 1 || r.count(PeerMedia) != 0 {
		t.Fatalf("len = %d", r.len())
	}
}
