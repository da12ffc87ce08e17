package dag

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/evgraph/internal/event"
)

func TestProperty_TimestampBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	drift := int64(event.TimeDrift / time.Second)

	properties.Property("insert accepted iff within drift of parent and local clock", prop.ForAll(
		func(parentOffset, childOffset int64) bool {
			g, clock := newTestGraph(t)
			clock.Advance(time.Hour)
			now := t0 + 3600

			parent := event.Event{
				Header: event.Header{
					Timestamp: uint64(now + parentOffset),
					Parents:   [event.NumParents]event.Hash{g.Genesis()},
					Layer:     1,
				},
				Content: []byte("parent"),
			}
			if _, err := g.Insert(context.Background(), parent); err != nil {
				return parentOffset > drift
			}

			childTS := now + childOffset
			child := event.Event{
				Header: event.Header{
					Timestamp: uint64(childTS),
					Parents:   [event.NumParents]event.Hash{parent.ID()},
					Layer:     2,
				},
				Content: []byte("child"),
			}
			_, err := g.Insert(context.Background(), child)

			want := childTS <= now+drift && childTS+drift >= now+parentOffset
			if want {
				return err == nil
			}
			return CodeOf(err) == CodeTimestampOutOfRange
		},
		gen.Int64Range(-120, 120),
		gen.Int64Range(-300, 300),
	))

	properties.TestingRun(t)
}

// randomDAG builds len(words) events on top of Genesis(t0). Each word picks
// one to three distinct parents among the events built so far and a
// timestamp at or up to two seconds after the latest parent, so equal
// timestamps exercise the id tie-break. Events come back in a valid
// insertion order.
func randomDAG(words []uint32) []event.Event {
	genesis := event.Genesis(t0)
	type built struct {
		id    event.Hash
		ts    uint64
		layer uint32
	}
	nodes := []built{{id: genesis.ID(), ts: t0}}
	out := make([]event.Event, 0, len(words))

	for i, w := range words {
		k := min(1+int(w%3), len(nodes))
		var h event.Header
		var picked []int
		for j := 0; len(picked) < k; j++ {
			idx := int((w>>2)+uint32(j)*7919) % len(nodes)
			for slices.Contains(picked, idx) {
				idx = (idx + 1) % len(nodes)
			}
			picked = append(picked, idx)
		}

		var maxTS uint64
		var maxLayer uint32
		for j, idx := range picked {
			h.Parents[j] = nodes[idx].id
			maxTS = max(maxTS, nodes[idx].ts)
			maxLayer = max(maxLayer, nodes[idx].layer)
		}
		h.Timestamp = maxTS + uint64((w>>16)%3)
		h.Layer = maxLayer + 1

		e := event.Event{Header: h, Content: []byte(fmt.Sprintf("e%d", i))}
		out = append(out, e)
		nodes = append(nodes, built{id: e.ID(), ts: h.Timestamp, layer: h.Layer})
	}
	return out
}

// insertAll inserts events in the given order, holding back any event
// whose parents have not arrived yet.
func insertAll(g *Graph, events []event.Event) error {
	pending := slices.Clone(events)
	for len(pending) > 0 {
		var retry []event.Event
		for _, e := range pending {
			_, err := g.Insert(context.Background(), e)
			switch {
			case err == nil:
			case IsUnknownParent(err):
				retry = append(retry, e)
			default:
				return err
			}
		}
		if len(retry) == len(pending) {
			return fmt.Errorf("no progress with %d events pending", len(retry))
		}
		pending = retry
	}
	return nil
}

func TestProperty_OrderDeterministicAcrossInsertOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical DAGs order identically whatever the arrival order", prop.ForAll(
		func(words []uint32, seed int64) bool {
			events := randomDAG(words)
			shuffled := slices.Clone(events)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			var orders [2][]event.Hash
			for i, batch := range [][]event.Event{events, shuffled} {
				g, clock := newTestGraph(t)
				clock.Advance(time.Hour)
				if err := insertAll(g, batch); err != nil {
					t.Logf("insert: %v", err)
					return false
				}
				order, err := g.OrderEvents(context.Background())
				if err != nil {
					return false
				}
				orders[i] = order
			}

			return len(orders[0]) == len(events)+1 && slices.Equal(orders[0], orders[1])
		},
		gen.SliceOfN(30, gen.UInt32()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
