package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/life-stream-dev/opcua-pubsub-engine/internal/clock"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/config"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/dispatcher"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/engine"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/event"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/logger"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/publish"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/session"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/subscription"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/topicmatch"
	"github.com/life-stream-dev/opcua-pubsub-engine/internal/utils"
)

// sampleProducer is a demo subscription.Producer: it buffers synthetic data-change values
// routed to it by topic and hands them to the engine on the next ProduceNotification call.
type sampleProducer struct {
	mu      sync.Mutex
	values  []interface{}
	resends int
}

func (p *sampleProducer) push(value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, value)
}

func (p *sampleProducer) HasPendingNotifications() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.values) > 0
}

func (p *sampleProducer) ProduceNotification(now time.Time) []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.values
	p.values = nil
	return data
}

func (p *sampleProducer) ResendInitialValues() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resends++
}

func (p *sampleProducer) MonitoredItemCount() int { return 1 }

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	defer cleaner.Clean()

	tickInterval := utils.ParseStringTime(cfg.TickInterval)
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}

	clk := clock.Real()
	eng := engine.New(cfg.MaxPublishRequestInQueue, clk)
	routes := topicmatch.NewStore()
	sessions := session.GetManager()

	producer := &sampleProducer{}
	sub := subscription.New(1, 0, tickInterval, 10, 40, true, 100, producer)
	eng.AddSubscription(sub)
	if err := routes.InsertRoute("demo/temperature", uint32(sub.ID())); err != nil {
		logger.ErrorF("failed to register demo route: %v", err)
	}

	sessions.Add(&session.Session{
		ID: "demo-session",
		Deliver: func(data []byte) error {
			logger.DebugF("delivered %d bytes to demo-session", len(data))
			return nil
		},
	})
	cleaner.Add(shutdownEngine{engine: eng, subscription: sub})

	disp := dispatcher.New(64)
	cleaner.Add(shutdownDispatcher{dispatcher: disp})

	stopSampling := make(chan struct{})
	go runSampleFeed(producer, routes, uint32(sub.ID()), stopSampling)
	cleaner.Add(shutdownSampling{stop: stopSampling})

	stopRequests := make(chan struct{})
	go runPublishRequestLoop(eng, disp, "demo-session", tickInterval, stopRequests)
	cleaner.Add(shutdownSampling{stop: stopRequests})

	logger.InfoF("%s started, tick interval %s, subscription %d registered on demo/temperature", cfg.AppName, tickInterval, sub.ID())

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		disp.SubmitWait(eng.Tick)
	}
}

// runPublishRequestLoop stands in for a real client: it keeps exactly one PublishRequest
// outstanding against the engine and hands each answered PublishResponse to the demo session's
// delivery channel, the same request-then-respond cycle a real secure-channel binding drives.
func runPublishRequestLoop(eng *engine.PublishEngine, disp *dispatcher.Dispatcher, sessionID string, interval time.Duration, stop <-chan struct{}) {
	var handle uint32
	for {
		select {
		case <-stop:
			return
		default:
		}

		handle++
		done := make(chan publish.Response, 1)
		disp.Submit(func() {
			eng.OnPublishRequest(publish.Request{
				RequestHeader: publish.RequestHeader{RequestHandle: handle, TimeoutHint: uint32(5 * interval / time.Millisecond)},
			}, func(_ publish.Request, resp publish.Response) {
				done <- resp
			})
		})

		select {
		case resp := <-done:
			sess, ok := session.GetManager().Get(sessionID)
			if ok {
				_ = sess.Deliver([]byte(fmt.Sprintf("publish response: handle=%d result=%v seq=%v",
					resp.ResponseHeader.RequestHandle, resp.ResponseHeader.ServiceResult, resp.NotificationMessage)))
			}
		case <-stop:
			return
		}

		select {
		case <-time.After(interval):
		case <-stop:
			return
		}
	}
}

func runSampleFeed(producer *sampleProducer, routes *topicmatch.Store, subID topicmatch.SubscriptionID, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range routes.MatchTopic("demo/temperature") {
				if id == subID {
					producer.push(fmt.Sprintf("%.2f", 20+rand.Float64()*5))
				}
			}
		}
	}
}

type shutdownEngine struct {
	engine       *engine.PublishEngine
	subscription *subscription.Subscription
}

func (s shutdownEngine) Invoke(_ context.Context) error {
	// The subscription may already have expired and been detached by a Tick before shutdown
	// runs (engine.go's Tick removes it from the map and calls sub.Detach itself); detaching it
	// again here would panic on the already-nil back-reference, so only detach if it's still
	// attached.
	if _, attached := s.engine.SubscriptionSnapshot(s.subscription.ID()); attached {
		s.engine.DetachSubscription(s.subscription)
	}
	s.engine.Shutdown()
	return nil
}

type shutdownDispatcher struct {
	dispatcher *dispatcher.Dispatcher
}

func (s shutdownDispatcher) Invoke(_ context.Context) error {
	s.dispatcher.Stop()
	return nil
}

type shutdownSampling struct {
	stop chan struct{}
}

func (s shutdownSampling) Invoke(_ context.Context) error {
	close(s.stop)
	return nil
}
