package synchub_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/basegraph-relay/reactor/internal/domain"
	"github.com/basegraph-relay/reactor/internal/synchub"
)

var _ = Describe("Hub", func() {
	Describe("Join", func() {
		It("broadcasts a state_update only to sockets sharing its mode (§8.7)", func() {
			docs := newFakeDocStore()
			hub := synchub.New(docs, 50*time.Millisecond, nil)

			labConn := newFakeConn(
				map[string]any{"type": "connect", "payload": map[string]any{"mode": "laboratory"}},
			)
			dashConn := newFakeConn(
				map[string]any{"type": "connect", "payload": map[string]any{"mode": "laboratory-dashboard"}},
			)
			senderConn := newFakeConn(
				map[string]any{"type": "connect", "payload": map[string]any{"mode": "laboratory"}},
				stateUpdateFrame(domain.ModeLaboratory, []map[string]any{card("c1", 1)}),
			)

			var wg sync.WaitGroup
			wg.Add(3)
			ctx := context.Background()
			go func() { defer wg.Done(); hub.Join(ctx, testProject(), labConn) }()
			go func() { defer wg.Done(); hub.Join(ctx, testProject(), dashConn) }()
			go func() { defer wg.Done(); hub.Join(ctx, testProject(), senderConn) }()

			time.Sleep(100 * time.Millisecond)
			labConn.hangUp()
			dashConn.hangUp()
			senderConn.hangUp()
			wg.Wait()

			Expect(labConn.eventTypes()).To(ContainElement("state_update"))
			Expect(dashConn.eventTypes()).NotTo(ContainElement("state_update"),
				"a dashboard-mode socket must not receive a laboratory-mode broadcast")
		})

		It("collapses duplicate card ids to their last occurrence before the debounced save (§8.8)", func() {
			docs := newFakeDocStore()
			hub := synchub.New(docs, 20*time.Millisecond, nil)

			conn := newFakeConn(
				map[string]any{"type": "connect", "payload": map[string]any{"mode": "laboratory"}},
				stateUpdateFrame(domain.ModeLaboratory, []map[string]any{
					card("c1", "first"),
					card("c1", "second"),
					card("c2", "only"),
				}),
			)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() { defer wg.Done(); hub.Join(context.Background(), testProject(), conn) }()

			Eventually(docs.putCount, 2*time.Second, 5*time.Millisecond).Should(BeNumerically(">", 0))
			conn.hangUp()
			wg.Wait()

			var state domain.ProjectState
			for _, data := range docs.snapshot() {
				Expect(json.Unmarshal(data, &state)).To(Succeed())
			}
			Expect(state.Cards).To(HaveLen(2))
			for _, c := range state.Cards {
				if c.ID == "c1" {
					Expect(c.Payload["value"]).To(Equal("second"), "the last occurrence of a duplicate card id must win")
				}
			}
		})

		It("collapses a burst of updates within the debounce window into a single write (§4.11)", func() {
			docs := newFakeDocStore()
			hub := synchub.New(docs, 60*time.Millisecond, nil)

			conn := newFakeConn(
				map[string]any{"type": "connect", "payload": map[string]any{"mode": "laboratory"}},
				stateUpdateFrame(domain.ModeLaboratory, []map[string]any{card("c1", 1)}),
				stateUpdateFrame(domain.ModeLaboratory, []map[string]any{card("c1", 2)}),
				stateUpdateFrame(domain.ModeLaboratory, []map[string]any{card("c1", 3)}),
			)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() { defer wg.Done(); hub.Join(context.Background(), testProject(), conn) }()

			time.Sleep(250 * time.Millisecond)
			conn.hangUp()
			wg.Wait()

			Expect(docs.putCount()).To(Equal(1))
		})

		It("forgets a room once its last socket disconnects", func() {
			docs := newFakeDocStore()
			hub := synchub.New(docs, time.Second, nil)

			conn := newFakeConn(map[string]any{"type": "connect", "payload": map[string]any{"mode": "laboratory"}})

			done := make(chan struct{})
			go func() {
				hub.Join(context.Background(), testProject(), conn)
				close(done)
			}()

			Eventually(hub.RoomCount, time.Second, 5*time.Millisecond).Should(Equal(1))

			conn.hangUp()
			<-done

			Expect(hub.RoomCount()).To(Equal(0))
		})
	})
})
