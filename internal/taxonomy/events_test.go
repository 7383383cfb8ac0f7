package taxonomy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_SubscribeScoped(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("sql-engine")

	bus.Publish(Event{Kind: EventReady, Dependency: "sql-engine"})
	bus.Publish(Event{Kind: EventReady, Dependency: "columnar-runtime"})

	select {
	case ev := <-ch:
		assert.Equal(t, "sql-engine", ev.Dependency)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for other dependency: %+v", ev)
	default:
	}
}

func TestBus_GlobalSubscriber(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("")

	bus.Publish(Event{Kind: EventLoading, Dependency: "compute-module"})

	select {
	case ev := <-ch:
		assert.Equal(t, EventLoading, ev.Kind)
		assert.Equal(t, "compute-module", ev.Dependency)
	case <-time.After(time.Second):
		t.Fatal("expected global subscriber to receive event")
	}
}
