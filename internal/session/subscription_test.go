package session

import (
	"math/rand"
	"testing"

	"github.com/poelstra/mhub-sub000/internal/match"
	"github.com/poelstra/mhub-sub000/internal/message"
	"github.com/poelstra/mhub-sub000/internal/node"
	"github.com/poelstra/mhub-sub000/pkg/logging"
)

type delivery struct {
	id    string
	topic string
	seq   int
}

type deliveryLog struct {
	deliveries []delivery
}

func (l *deliveryLog) deliverer() Deliverer {
	return func(id string, m *message.Message, seq int) {
		l.deliveries = append(l.deliveries, delivery{id: id, topic: m.Topic, seq: seq})
	}
}

func (l *deliveryLog) topics() []string {
	out := make([]string, len(l.deliveries))
	for i, d := range l.deliveries {
		out[i] = d.topic
	}
	return out
}

func intp(v int) *int { return &v }

func msg(topic string) *message.Message { return message.New(topic, nil, nil) }

func TestWindowGatedDelivery(t *testing.T) {
	sub := NewSubscription("s", false, logging.NewLogger())
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	if err := sub.Ack(0, intp(2)); err != nil {
		t.Fatal(err)
	}
	sub.add(msg("m1"))
	sub.add(msg("m2"))
	sub.add(msg("m3"))

	if len(log.deliveries) != 2 {
		t.Fatalf("delivered %v, want first two only", log.topics())
	}
	if log.deliveries[0].seq != 1 || log.deliveries[1].seq != 2 {
		t.Fatalf("sequence numbers %v, want 1, 2", log.deliveries)
	}

	if err := sub.Ack(2, intp(2)); err != nil {
		t.Fatal(err)
	}
	if len(log.deliveries) != 3 || log.deliveries[2].topic != "m3" || log.deliveries[2].seq != 3 {
		t.Fatalf("after ack, delivered %v", log.deliveries)
	}
	if sub.LastAck() != 2 {
		t.Fatalf("LastAck = %d, want 2", sub.LastAck())
	}
}

func TestAutoAckDeliversImmediately(t *testing.T) {
	sub := NewSubscription("s", true, logging.NewLogger())
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	for _, topic := range []string{"a", "b", "c"} {
		sub.add(msg(topic))
	}

	if len(log.deliveries) != 3 {
		t.Fatalf("delivered %v, want all three", log.topics())
	}
	for i, d := range log.deliveries {
		if d.seq != i+1 {
			t.Fatalf("seq of delivery %d = %d, want %d", i, d.seq, i+1)
		}
	}
	if len(sub.buffer) != 0 {
		t.Fatalf("auto-ack left %d buffered messages", len(sub.buffer))
	}
	if err := sub.Ack(3, nil); err != ErrAutoAck {
		t.Fatalf("Ack on auto-ack subscription: %v, want ErrAutoAck", err)
	}
}

func TestAckValidation(t *testing.T) {
	sub := NewSubscription("s", false, logging.NewLogger())
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	sub.Ack(0, intp(5))
	sub.add(msg("a"))
	sub.add(msg("b"))

	// Acking the current position only may change the window.
	if err := sub.Ack(2, intp(3)); err != nil {
		t.Fatal(err)
	}
	if err := sub.Ack(2, nil); err != nil {
		t.Fatalf("ack equal to first must be a no-op, got %v", err)
	}

	// Older than first and beyond the buffer both fail.
	if err := sub.Ack(1, nil); err == nil {
		t.Fatal("stale ack accepted")
	}
	if err := sub.Ack(5, nil); err == nil {
		t.Fatal("ack beyond buffer accepted")
	}
	if err := sub.Ack(2, intp(-1)); err == nil {
		t.Fatal("negative window accepted")
	}
}

func TestWindowReductionKeepsInflight(t *testing.T) {
	sub := NewSubscription("s", false, logging.NewLogger())
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	sub.Ack(0, intp(3))
	for _, topic := range []string{"a", "b", "c"} {
		sub.add(msg(topic))
	}
	if len(log.deliveries) != 3 {
		t.Fatalf("delivered %v", log.topics())
	}

	// Shrinking the window does not cancel inflight messages.
	if err := sub.Ack(0, intp(1)); err != nil {
		t.Fatal(err)
	}
	if sub.inflight != 3 {
		t.Fatalf("inflight = %d after window shrink, want 3", sub.inflight)
	}
}

func TestConnectResendsFromLastAck(t *testing.T) {
	sub := NewSubscription("s", false, logging.NewLogger())
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	sub.Ack(0, intp(2))
	for _, topic := range []string{"m1", "m2", "m3"} {
		sub.add(msg(topic))
	}
	if got := log.topics(); len(got) != 2 {
		t.Fatalf("delivered %v before disconnect", got)
	}

	// Client disconnects without acking and comes back.
	sub.detach()
	sub.connect()
	relog := &deliveryLog{}
	sub.attach(relog.deliverer())

	if len(relog.deliveries) != 0 {
		t.Fatalf("window must stay closed until the client acks, got %v", relog.topics())
	}
	if err := sub.Ack(0, intp(2)); err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "m2"}
	if got := relog.topics(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("redelivered %v, want %v", got, want)
	}
	if err := sub.Ack(2, nil); err != nil {
		t.Fatal(err)
	}
	if got := relog.topics(); len(got) != 3 || got[2] != "m3" {
		t.Fatalf("after ack, delivered %v", got)
	}
	// Sequence numbers are strictly increasing across the reconnect.
	for i, d := range relog.deliveries {
		if d.seq != i+1 {
			t.Fatalf("seq %d at position %d", d.seq, i)
		}
	}
}

func TestSubscriptionInvariantsUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sub := NewSubscription("s", false, logging.NewLogger())

	lastSeq := 0
	sub.attach(func(id string, m *message.Message, seq int) {
		if seq != lastSeq+1 {
			t.Fatalf("sequence jumped from %d to %d", lastSeq, seq)
		}
		lastSeq = seq
	})

	// The window caps new deliveries but shrinking it never cancels
	// messages already inflight, so inflight is bounded by whichever of
	// the window and the pre-operation inflight is larger.
	check := func(prevInflight int) {
		if sub.first < 0 {
			t.Fatalf("first = %d", sub.first)
		}
		limit := sub.window
		if prevInflight > limit {
			limit = prevInflight
		}
		if sub.inflight < 0 || sub.inflight > limit {
			t.Fatalf("inflight = %d, window = %d, previous inflight = %d", sub.inflight, sub.window, prevInflight)
		}
		if sub.inflight > len(sub.buffer) {
			t.Fatalf("inflight = %d exceeds buffer %d", sub.inflight, len(sub.buffer))
		}
	}

	prevFirst := 0
	for i := 0; i < 2000; i++ {
		prevInflight := sub.inflight
		switch rng.Intn(3) {
		case 0:
			sub.add(msg("t"))
		case 1:
			upTo := sub.first + rng.Intn(len(sub.buffer)+1)
			if err := sub.Ack(upTo, nil); err != nil {
				t.Fatal(err)
			}
		case 2:
			if err := sub.Ack(sub.first, intp(rng.Intn(5))); err != nil {
				t.Fatal(err)
			}
		}
		check(prevInflight)
		if sub.first < prevFirst {
			t.Fatalf("first decreased from %d to %d", prevFirst, sub.first)
		}
		prevFirst = sub.first
	}
}

func TestSubscribeAndUnsubscribePatterns(t *testing.T) {
	logger := logging.NewLogger()
	src := node.NewExchange("ex", logger)
	sub := NewSubscription("s", true, logger)
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	if err := sub.Subscribe(src, nil, "/foo/**"); err != nil {
		t.Fatal(err)
	}
	for _, topic := range []string{"/foo/bar", "/baz", "/foo/x/y"} {
		src.Send(msg(topic))
	}
	want := []string{"/foo/bar", "/foo/x/y"}
	if got := log.topics(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("delivered %v, want %v", got, want)
	}

	sub.Unsubscribe(src, "/foo/**")
	src.Send(msg("/foo/bar"))
	if len(log.deliveries) != 2 {
		t.Fatalf("still receiving after unsubscribe: %v", log.topics())
	}
	if len(sub.Bindings()) != 0 {
		t.Fatalf("bindings left: %v", sub.Bindings())
	}
}

func TestResubscribeDoesNotReplay(t *testing.T) {
	logger := logging.NewLogger()
	q, err := node.NewQueue("q", logger, node.QueueOptions{})
	if err != nil {
		t.Fatal(err)
	}
	sub := NewSubscription("s", true, logger)
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	q.Send(msg("t"))
	if err := sub.Subscribe(q, nil, "t"); err != nil {
		t.Fatal(err)
	}
	if got := log.topics(); len(got) != 1 {
		t.Fatalf("delivered %v after first subscribe", got)
	}

	// Re-adding a present pattern is a no-op; in particular it must not
	// replay the queue's history again.
	if err := sub.Subscribe(q, nil, "t"); err != nil {
		t.Fatal(err)
	}
	if got := log.topics(); len(got) != 1 {
		t.Fatalf("delivered %v after repeated subscribe", got)
	}
	if got := sub.Bindings()["q"]; len(got) != 1 {
		t.Fatalf("patterns = %v after repeated subscribe", got)
	}

	// A genuinely new pattern still replays the history it matches.
	q.Send(msg("u"))
	if err := sub.Subscribe(q, nil, "u"); err != nil {
		t.Fatal(err)
	}
	want := []string{"t", "u"}
	if got := log.topics(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("delivered %v, want %v", got, want)
	}
}

func TestAuthFilterAppliesAtDelivery(t *testing.T) {
	logger := logging.NewLogger()
	src := node.NewExchange("ex", logger)
	sub := NewSubscription("s", true, logger)
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	authMatcher, err := match.New("allowed/**")
	if err != nil {
		t.Fatal(err)
	}
	// Client pattern is wider than the user's rights; rights win.
	if err := sub.Subscribe(src, authMatcher, "**"); err != nil {
		t.Fatal(err)
	}
	src.Send(msg("allowed/a"))
	src.Send(msg("secret/b"))

	if got := log.topics(); len(got) != 1 || got[0] != "allowed/a" {
		t.Fatalf("delivered %v, want only allowed/a", got)
	}
}

func TestSetBindingsReconciles(t *testing.T) {
	logger := logging.NewLogger()
	a := node.NewExchange("a", logger)
	b := node.NewExchange("b", logger)
	sub := NewSubscription("s", true, logger)
	log := &deliveryLog{}
	sub.attach(log.deliverer())

	if err := sub.SetBindings([]SourceBinding{
		{Source: a, Patterns: []string{"x/*"}},
		{Source: b, Patterns: []string{"y/*"}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := sub.SetBindings([]SourceBinding{
		{Source: a, Patterns: []string{"z/*"}},
	}); err != nil {
		t.Fatal(err)
	}

	a.Send(msg("x/1"))
	a.Send(msg("z/1"))
	b.Send(msg("y/1"))

	if got := log.topics(); len(got) != 1 || got[0] != "z/1" {
		t.Fatalf("delivered %v, want only z/1", got)
	}
	bindings := sub.Bindings()
	if len(bindings) != 1 || len(bindings["a"]) != 1 || bindings["a"][0] != "z/*" {
		t.Fatalf("bindings = %v", bindings)
	}
}
