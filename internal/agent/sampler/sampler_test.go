package sampler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/fixes"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/prefs"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/agent/queue"
	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/ids"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type channelSource struct {
	fixes chan fixes.Fix

	mu       sync.Mutex
	requests []fixes.Request
}

func newChannelSource() *channelSource {
	return &channelSource{fixes: make(chan fixes.Fix)}
}

func (s *channelSource) Fixes() <-chan fixes.Fix {
	return s.fixes
}

func (s *channelSource) SetRequest(request fixes.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, request)
}

func (s *channelSource) lastRequest() fixes.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return fixes.Request{}
	}
	return s.requests[len(s.requests)-1]
}

type countingListener struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (l *countingListener) TrackingStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *countingListener) TrackingStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
}

type samplerHarness struct {
	sampler  *Sampler
	source   *channelSource
	queue    *queue.Store
	prefs    *prefs.GormStore
	listener *countingListener
}

func newSamplerHarness(t *testing.T) *samplerHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&queue.Sample{}, &prefs.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	queueStore, err := queue.NewStore(queue.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	prefStore, err := prefs.NewGormStore(db, prefs.Preferences{UpdateIntervalSeconds: 60, AuthCredentialsPresent: true}, nil)
	if err != nil {
		t.Fatalf("failed to construct prefs: %v", err)
	}
	source := newChannelSource()
	listener := &countingListener{}
	sampler, err := New(Config{
		Queue:                 queueStore,
		Preferences:           prefStore,
		Source:                source,
		IDProvider:            ids.NewUUIDProvider(),
		Listener:              listener,
		ViewerIntervalSeconds: 30,
	})
	if err != nil {
		t.Fatalf("failed to construct sampler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sampler.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &samplerHarness{sampler: sampler, source: source, queue: queueStore, prefs: prefStore, listener: listener}
}

func (h *samplerHarness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sampler.Sync(ctx); err != nil {
		t.Fatalf("sampler did not drain commands: %v", err)
	}
}

func (h *samplerHarness) sendFix(t *testing.T, fix fixes.Fix) {
	t.Helper()
	select {
	case h.source.fixes <- fix:
	case <-time.After(2 * time.Second):
		t.Fatalf("sampler did not accept fix")
	}
	h.sync(t)
}

func TestSamplerQueuesFixesOnlyWhileRecording(t *testing.T) {
	harness := newSamplerHarness(t)
	ctx := context.Background()
	speed := 2.0
	capturedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	harness.sendFix(t, fixes.Fix{Lat: 1, Lng: 1, CapturedAt: capturedAt})

	harness.sampler.Start()
	harness.sync(t)
	harness.sendFix(t, fixes.Fix{Lat: 2, Lng: 2, Speed: &speed, CapturedAt: capturedAt.Add(time.Minute)})

	harness.sampler.Pause()
	harness.sync(t)
	harness.sendFix(t, fixes.Fix{Lat: 3, Lng: 3, CapturedAt: capturedAt.Add(2 * time.Minute)})

	samples, err := harness.queue.Unsent(ctx, 10)
	if err != nil {
		t.Fatalf("unsent failed: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("expected only the MOVING fix to be queued, got %d", len(samples))
	}
	if samples[0].Lat != 2 || !samples[0].IsMoving || samples[0].SpeedKmh == nil || *samples[0].SpeedKmh != 7.2 {
		t.Fatalf("unexpected queued sample %+v", samples[0])
	}
	if samples[0].ClientEventID == "" || samples[0].RetryCount != 0 || samples[0].Sent {
		t.Fatalf("expected fresh queued sample, got %+v", samples[0])
	}

	status := harness.sampler.Status()
	if status.Mode != ModePaused || status.SamplesQueued != 1 || status.SamplesDropped != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSamplerDropsOutOfRangeFixesWithoutBlockingNeighbours(t *testing.T) {
	harness := newSamplerHarness(t)
	ctx := context.Background()
	capturedAt := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	harness.sampler.Start()
	harness.sync(t)
	harness.sendFix(t, fixes.Fix{Lat: -33.9, Lng: 18.4, CapturedAt: capturedAt})
	harness.sendFix(t, fixes.Fix{Lat: 200, Lng: 18.4, CapturedAt: capturedAt.Add(time.Minute)})
	harness.sendFix(t, fixes.Fix{Lat: -33.8, Lng: 18.5, CapturedAt: capturedAt.Add(2 * time.Minute)})

	samples, err := harness.queue.Unsent(ctx, 10)
	if err != nil {
		t.Fatalf("unsent failed: %v", err)
	}
	if len(samples) != 2 || samples[0].Lat != -33.9 || samples[1].Lat != -33.8 {
		t.Fatalf("expected only the in-range fixes to be queued, got %+v", samples)
	}
	if status := harness.sampler.Status(); status.SamplesQueued != 2 || status.SamplesDropped != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSamplerStartAndStopPersistPreferences(t *testing.T) {
	harness := newSamplerHarness(t)
	ctx := context.Background()

	harness.sampler.Start()
	harness.sync(t)
	stored, err := harness.prefs.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !stored.TrackingEnabled || stored.UserRequestedStop {
		t.Fatalf("expected start to enable tracking, got %+v", stored)
	}
	if request := harness.source.lastRequest(); !request.Active || request.IntervalSeconds != 60 {
		t.Fatalf("unexpected request after start %+v", request)
	}

	harness.sampler.Stop()
	harness.sync(t)
	stored, err = harness.prefs.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !stored.UserRequestedStop || stored.RestartPermitted() {
		t.Fatalf("expected stop to forbid restarts, got %+v", stored)
	}
	if harness.source.lastRequest().Active {
		t.Fatalf("expected requests to stop")
	}

	harness.listener.mu.Lock()
	defer harness.listener.mu.Unlock()
	if harness.listener.started != 1 || harness.listener.stopped != 1 {
		t.Fatalf("unexpected listener calls %d/%d", harness.listener.started, harness.listener.stopped)
	}
}

func TestSamplerUpdateSettingsDuringBoost(t *testing.T) {
	harness := newSamplerHarness(t)
	ctx := context.Background()

	harness.sampler.Start()
	harness.sampler.ViewerVisible()
	harness.sampler.UpdateSettings(300, true)
	harness.sync(t)

	stored, err := harness.prefs.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stored.UpdateIntervalSeconds != 300 || !stored.HighAccuracy {
		t.Fatalf("expected settings to be persisted, got %+v", stored)
	}
	if request := harness.source.lastRequest(); request.IntervalSeconds != 30 {
		t.Fatalf("expected boost interval to hold, got %+v", request)
	}

	harness.sampler.ViewerHidden()
	harness.sync(t)
	if request := harness.source.lastRequest(); request.IntervalSeconds != 60 {
		t.Fatalf("expected pre-boost interval 60, got %+v", request)
	}

	harness.sampler.Refresh()
	harness.sync(t)
	if request := harness.source.lastRequest(); request.IntervalSeconds != 300 {
		t.Fatalf("expected stored interval after refresh, got %+v", request)
	}
}

func TestSamplerRefreshAppliesServerSuspension(t *testing.T) {
	harness := newSamplerHarness(t)
	ctx := context.Background()

	harness.sampler.Start()
	harness.sync(t)
	if _, err := harness.prefs.Update(ctx, func(p *prefs.Preferences) {
		disabled := false
		p.ServerTrackingEnabled = &disabled
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	harness.sampler.Refresh()
	harness.sync(t)

	status := harness.sampler.Status()
	if status.Mode != ModeMoving || !status.ServerSuspended || status.Request.Active {
		t.Fatalf("unexpected status after suspension %+v", status)
	}
}

func TestSamplerSupervisedResumeNeverOverridesUserStop(t *testing.T) {
	harness := newSamplerHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	harness.sampler.Start()
	harness.sampler.Stop()
	resumed, err := harness.sampler.ResumeIfPermitted(ctx)
	if err != nil {
		t.Fatalf("supervised resume failed: %v", err)
	}
	if resumed {
		t.Fatalf("expected supervised resume to be declined after a user stop")
	}
	if mode := harness.sampler.Status().Mode; mode != ModeIdle {
		t.Fatalf("expected IDLE after declined resume, got %s", mode)
	}
	stored, err := harness.prefs.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !stored.UserRequestedStop || stored.TrackingEnabled {
		t.Fatalf("expected the user stop to persist, got %+v", stored)
	}

	if _, err := harness.prefs.Update(ctx, func(p *prefs.Preferences) {
		p.TrackingEnabled = true
		p.UserRequestedStop = false
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	resumed, err = harness.sampler.ResumeIfPermitted(ctx)
	if err != nil {
		t.Fatalf("supervised resume failed: %v", err)
	}
	if !resumed || harness.sampler.Status().Mode != ModeMoving {
		t.Fatalf("expected permitted resume to reach MOVING, got resumed=%v status=%+v", resumed, harness.sampler.Status())
	}

	harness.listener.mu.Lock()
	defer harness.listener.mu.Unlock()
	if harness.listener.started != 2 {
		t.Fatalf("expected two tracking starts, got %d", harness.listener.started)
	}
}

type memoryPreferences struct {
	mu     sync.Mutex
	stored prefs.Preferences
}

func (m *memoryPreferences) Load(context.Context) (prefs.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored, nil
}

func (m *memoryPreferences) Update(_ context.Context, mutate func(*prefs.Preferences)) (prefs.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.stored)
	return m.stored, nil
}

type discardQueue struct{}

func (discardQueue) Enqueue(context.Context, queue.Sample) error { return nil }

func TestSamplerDropsCommandsWhenBufferIsFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sampler, err := New(Config{
		Queue:       discardQueue{},
		Preferences: &memoryPreferences{},
		Source:      newChannelSource(),
		IDProvider:  ids.NewUUIDProvider(),
		Logger:      zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct sampler: %v", err)
	}

	for index := 0; index < commandBufferSize; index++ {
		if !sampler.Pause() {
			t.Fatalf("expected command %d to be accepted", index)
		}
	}

	accepted := make(chan bool, 1)
	go func() { accepted <- sampler.Stop() }()
	select {
	case ok := <-accepted:
		if ok {
			t.Fatalf("expected the command to be dropped")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("command submission blocked on a full buffer")
	}

	entries := logs.FilterMessage("sampler command dropped").All()
	if len(entries) != 1 {
		t.Fatalf("expected one dropped command log, got %d", len(entries))
	}
	if command := entries[0].ContextMap()["command"]; command != "stop" {
		t.Fatalf("expected dropped command to be named, got %v", command)
	}
}
