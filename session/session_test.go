package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/padraicbc/raceway/live"
)

const (
	testUser    = "user-1"
	testCreator = "creator-1"
	testRace    = "race-1"
	testCircuit = "circuit-1"
)

type fakeAPI struct {
	mu           sync.Mutex
	races        map[string]*Race
	circuits     map[string]*Circuit
	leaderboards map[string][]LeaderboardEntry
	joinCalls    int
	startCalls   int
	raceCalls    int
	joinErr      error
	startErr     error
	joinBlock    chan struct{}
	raceBlock    chan struct{}
}

func (a *fakeAPI) Race(ctx context.Context, id string) (*Race, error) {
	a.mu.Lock()
	a.raceCalls++
	block := a.raceBlock
	a.mu.Unlock()

	if block != nil {
		<-block
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	race, ok := a.races[id]
	if !ok {
		return nil, fmt.Errorf("%w: race %s", ErrNotFound, id)
	}
	cp := *race
	cp.Participants = append([]string(nil), race.Participants...)
	return &cp, nil
}

func (a *fakeAPI) Circuit(ctx context.Context, id string) (*Circuit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	circuit, ok := a.circuits[id]
	if !ok {
		return nil, fmt.Errorf("%w: circuit %s", ErrNotFound, id)
	}
	cp := *circuit
	return &cp, nil
}

func (a *fakeAPI) Leaderboard(ctx context.Context, raceID string) ([]LeaderboardEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]LeaderboardEntry(nil), a.leaderboards[raceID]...), nil
}

func (a *fakeAPI) Join(ctx context.Context, raceID string) error {
	a.mu.Lock()
	a.joinCalls++
	block := a.joinBlock
	err := a.joinErr
	a.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if race, ok := a.races[raceID]; ok {
		race.Participants = append(race.Participants, testUser)
	}
	return nil
}

func (a *fakeAPI) Start(ctx context.Context, raceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startCalls++
	return a.startErr
}

type fakeChannel struct {
	mu      sync.Mutex
	events  chan live.Event
	sent    []live.Event
	sendErr error
	closes  int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan live.Event, 16)}
}

func (c *fakeChannel) Events() <-chan live.Event { return c.events }

func (c *fakeChannel) Send(e live.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, e)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeChannel) sentEvents() []live.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.Event(nil), c.sent...)
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeDialer struct {
	mu    sync.Mutex
	ch    *fakeChannel
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials++
	return d.ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeLocator struct {
	mu         sync.Mutex
	samples    chan Sample
	err        error
	subscribes int
	stops      int
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{samples: make(chan Sample, 16)}
}

func (l *fakeLocator) Subscribe(ctx context.Context, policy SamplePolicy) (<-chan Sample, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, nil, l.err
	}
	l.subscribes++

	var once sync.Once
	stop := func() {
		once.Do(func() {
			l.mu.Lock()
			l.stops++
			l.mu.Unlock()
		})
	}
	return l.samples, stop, nil
}

func (l *fakeLocator) counts() (subscribes, stops int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribes, l.stops
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	api     *fakeAPI
	ch      *fakeChannel
	dialer  *fakeDialer
	locator *fakeLocator
	clock   *fakeClock
	s       *Session
}

func newFixture(t *testing.T, status string, participants ...string) *fixture {
	t.Helper()

	api := &fakeAPI{
		races: map[string]*Race{
			testRace: {
				ID:           testRace,
				CircuitID:    testCircuit,
				CreatorID:    testCreator,
				Status:       status,
				Participants: participants,
			},
		},
		circuits: map[string]*Circuit{
			testCircuit: {
				ID:   testCircuit,
				Name: "riverside loop",
				Coordinates: []Coordinate{
					{Latitude: 48.8566, Longitude: 2.3522},
					{Latitude: 48.8606, Longitude: 2.3376},
				},
				Distance: 1.2,
			},
		},
		leaderboards: map[string][]LeaderboardEntry{},
	}

	ch := newFakeChannel()
	dialer := &fakeDialer{ch: ch}
	locator := newFakeLocator()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	s := New(api, dialer, locator, testUser, Options{
		Now:  clock.Now,
		Tick: 5 * time.Millisecond,
	})
	t.Cleanup(s.Close)

	return &fixture{api: api, ch: ch, dialer: dialer, locator: locator, clock: clock, s: s}
}

func (f *fixture) load(t *testing.T) {
	t.Helper()
	if err := f.s.Load(context.Background(), testRace); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoadGuardsAgainstConcurrentCalls(t *testing.T) {
	f := newFixture(t, StatusWaiting, testCreator)
	f.api.raceBlock = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- f.s.Load(context.Background(), testRace) }()

	eventually(t, func() bool {
		f.api.mu.Lock()
		defer f.api.mu.Unlock()
		return f.api.raceCalls == 1
	}, "first load never started fetching")

	if err := f.s.Load(context.Background(), testRace); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent Load err = %v, want ErrBusy", err)
	}

	close(f.api.raceBlock)
	if err := <-first; err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// One load, one channel; a repeat is rejected as already loaded.
	if f.dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", f.dialer.dialCount())
	}
	if err := f.s.Load(context.Background(), testRace); err == nil || errors.Is(err, ErrBusy) {
		t.Fatalf("Load after load err = %v, want already-loaded error", err)
	}

	f.s.Close()
	if n := f.ch.closeCount(); n != 1 {
		t.Fatalf("channel closes = %d, want exactly 1", n)
	}
}

func TestLoadUnknownRaceIsNotFound(t *testing.T) {
	f := newFixture(t, StatusWaiting)

	err := f.s.Load(context.Background(), "no-such-race")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load err = %v, want ErrNotFound", err)
	}
	if f.dialer.dialCount() != 0 {
		t.Fatalf("dials = %d, want 0: no channel for a failed load", f.dialer.dialCount())
	}
	if f.s.Race() != nil {
		t.Fatal("race snapshot present after failed load, want no partial state")
	}
}

func TestLoadCompletedRaceOpensNoChannel(t *testing.T) {
	f := newFixture(t, StatusCompleted, testUser)
	f.load(t)

	if f.dialer.dialCount() != 0 {
		t.Fatalf("dials = %d, want 0 for a completed race", f.dialer.dialCount())
	}
}

func TestLoadAnnouncesJoinOnChannel(t *testing.T) {
	f := newFixture(t, StatusWaiting, testCreator)
	f.load(t)

	if f.dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", f.dialer.dialCount())
	}

	sent := f.ch.sentEvents()
	if len(sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(sent))
	}
	join, ok := sent[0].(*live.JoinRace)
	if !ok || join.RaceID != testRace {
		t.Fatalf("first event = %#v, want join_race for %s", sent[0], testRace)
	}
}

func TestLoadClosesChannelWhenAnnounceFails(t *testing.T) {
	f := newFixture(t, StatusWaiting, testCreator)
	f.ch.sendErr = errors.New("boom")

	if err := f.s.Load(context.Background(), testRace); err == nil {
		t.Fatal("Load succeeded, want error")
	}
	if n := f.ch.closeCount(); n != 1 {
		t.Fatalf("channel closes = %d, want exactly 1 on the error path", n)
	}
}

func TestJoinRejectedLocallyUnlessWaiting(t *testing.T) {
	f := newFixture(t, StatusActive, testCreator)
	f.load(t)

	if err := f.s.Join(context.Background()); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Join err = %v, want ErrNotWaiting", err)
	}
	if f.api.joinCalls != 0 {
		t.Fatalf("joinCalls = %d, want 0: precondition must reject before any network call", f.api.joinCalls)
	}
}

func TestJoinReloadsOnSuccess(t *testing.T) {
	f := newFixture(t, StatusWaiting, testCreator)
	f.load(t)

	if f.s.Joined() {
		t.Fatal("joined before Join")
	}
	if err := f.s.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !f.s.Joined() {
		t.Fatal("not joined after successful Join + reload")
	}

	// A second join is now a local rejection.
	if err := f.s.Join(context.Background()); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second Join err = %v, want ErrAlreadyJoined", err)
	}
	if f.api.joinCalls != 1 {
		t.Fatalf("joinCalls = %d, want 1", f.api.joinCalls)
	}
}

func TestJoinGuardsAgainstDoubleTap(t *testing.T) {
	f := newFixture(t, StatusWaiting, testCreator)
	f.api.joinBlock = make(chan struct{})
	f.load(t)

	first := make(chan error, 1)
	go func() { first <- f.s.Join(context.Background()) }()

	eventually(t, func() bool {
		f.api.mu.Lock()
		defer f.api.mu.Unlock()
		return f.api.joinCalls == 1
	}, "first join never issued")

	if err := f.s.Join(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent Join err = %v, want ErrBusy", err)
	}

	close(f.api.joinBlock)
	if err := <-first; err != nil {
		t.Fatalf("first Join: %v", err)
	}
	if f.api.joinCalls != 1 {
		t.Fatalf("joinCalls = %d, want 1", f.api.joinCalls)
	}
}

func TestStartAsCreatorPreconditions(t *testing.T) {
	t.Run("not creator", func(t *testing.T) {
		f := newFixture(t, StatusWaiting, testUser)
		f.load(t)

		if err := f.s.StartAsCreator(context.Background()); !errors.Is(err, ErrNotCreator) {
			t.Fatalf("err = %v, want ErrNotCreator", err)
		}
		if f.api.startCalls != 0 {
			t.Fatalf("startCalls = %d, want 0", f.api.startCalls)
		}
	})

	t.Run("no participants", func(t *testing.T) {
		f := newFixture(t, StatusWaiting)
		f.s.userID = testCreator

		f.load(t)
		if err := f.s.StartAsCreator(context.Background()); !errors.Is(err, ErrNoParticipants) {
			t.Fatalf("err = %v, want ErrNoParticipants", err)
		}
		if f.api.startCalls != 0 {
			t.Fatalf("startCalls = %d, want 0", f.api.startCalls)
		}
	})
}

func TestStartAsCreatorWaitsForChannelConfirmation(t *testing.T) {
	f := newFixture(t, StatusWaiting, testCreator)
	f.s.userID = testCreator
	f.load(t)

	if err := f.s.StartAsCreator(context.Background()); err != nil {
		t.Fatalf("StartAsCreator: %v", err)
	}
	if f.api.startCalls != 1 {
		t.Fatalf("startCalls = %d, want 1", f.api.startCalls)
	}

	// Status stays waiting until race_started arrives over the channel.
	if got := f.s.Race().Status; got != StatusWaiting {
		t.Fatalf("status = %q after start request, want %q", got, StatusWaiting)
	}

	f.ch.events <- &live.RaceStarted{RaceID: testRace}
	eventually(t, func() bool { return f.s.Race().Status == StatusActive }, "race_started never applied")
}

func TestRaceStartedBeginsRacingForJoinedParticipant(t *testing.T) {
	f := newFixture(t, StatusWaiting, testUser)
	f.load(t)

	f.ch.events <- &live.RaceStarted{RaceID: testRace}

	eventually(t, f.s.IsRacing, "racing never began after race_started")
	subs, _ := f.locator.counts()
	if subs != 1 {
		t.Fatalf("location subscribes = %d, want 1", subs)
	}
}

func TestBeginRacingPermissionDenied(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.locator.err = ErrPermissionDenied
	f.load(t)

	if err := f.s.BeginRacing(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("BeginRacing err = %v, want ErrPermissionDenied", err)
	}
	if f.s.IsRacing() {
		t.Fatal("racing after refused permission")
	}
}

func TestSampleSpeedConversionAndForwarding(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)
	if err := f.s.BeginRacing(context.Background()); err != nil {
		t.Fatalf("BeginRacing: %v", err)
	}

	f.locator.samples <- Sample{Latitude: 48.85, Longitude: 2.35, Speed: 5.0}

	eventually(t, func() bool { return f.s.SpeedKmh() == 18.0 }, "5 m/s never displayed as 18 km/h")

	eventually(t, func() bool {
		for _, e := range f.ch.sentEvents() {
			if pu, ok := e.(*live.PositionUpdate); ok {
				return pu.RaceID == testRace && pu.Speed == 5.0
			}
		}
		return false
	}, "position_update with raw m/s speed never forwarded")
}

func TestElapsedTracksClockWhileRacing(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)
	if err := f.s.BeginRacing(context.Background()); err != nil {
		t.Fatalf("BeginRacing: %v", err)
	}

	f.clock.Advance(42 * time.Second)
	eventually(t, func() bool { return f.s.Elapsed() == 42*time.Second }, "elapsed never reached 42s")
}

func TestFinishComputesElapsedSeconds(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)
	if err := f.s.BeginRacing(context.Background()); err != nil {
		t.Fatalf("BeginRacing: %v", err)
	}

	f.clock.Advance(90 * time.Second)
	final, err := f.s.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if final != 90.0 {
		t.Fatalf("final = %v, want 90.0 seconds", final)
	}
	if f.s.IsRacing() {
		t.Fatal("still racing after Finish")
	}

	var finish *live.FinishRace
	for _, e := range f.ch.sentEvents() {
		if fr, ok := e.(*live.FinishRace); ok {
			if finish != nil {
				t.Fatal("finish_race emitted more than once")
			}
			finish = fr
		}
	}
	if finish == nil || finish.FinalTime != 90.0 || finish.RaceID != testRace {
		t.Fatalf("finish_race = %#v, want final_time 90.0 for %s", finish, testRace)
	}

	_, stops := f.locator.counts()
	if stops != 1 {
		t.Fatalf("location stops = %d, want exactly 1", stops)
	}
}

func TestFinishRequiresRacing(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)

	if _, err := f.s.Finish(context.Background()); !errors.Is(err, ErrNotRacing) {
		t.Fatalf("Finish err = %v, want ErrNotRacing", err)
	}
}

func TestCloseReleasesResourcesExactlyOnce(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)
	if err := f.s.BeginRacing(context.Background()); err != nil {
		t.Fatalf("BeginRacing: %v", err)
	}

	f.s.Close()
	f.s.Close()

	if n := f.ch.closeCount(); n != 1 {
		t.Fatalf("channel closes = %d, want exactly 1", n)
	}
	_, stops := f.locator.counts()
	if stops != 1 {
		t.Fatalf("location stops = %d, want exactly 1", stops)
	}

	if err := f.s.Join(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Join after Close err = %v, want ErrClosed", err)
	}
}

func TestParticipantFinishedTriggersReload(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)

	finished := 31.2
	f.api.mu.Lock()
	f.api.leaderboards[testRace] = []LeaderboardEntry{
		{UserID: "rival", UserName: "Rival", Status: "finished", FinalTime: &finished},
	}
	f.api.mu.Unlock()

	f.ch.events <- &live.ParticipantFinished{UserID: "rival", FinalTime: finished}

	eventually(t, func() bool {
		lb := f.s.Leaderboard()
		return len(lb) == 1 && lb[0].UserID == "rival"
	}, "leaderboard never refreshed after participant_finished")
}

func TestUnknownParticipantPositionIsTolerated(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)

	// A participant the initial snapshot never mentioned must not crash the
	// session; latest sample wins.
	f.ch.events <- &live.ParticipantPosition{UserID: "stranger", Latitude: 1, Longitude: 2, Speed: 5}
	f.ch.events <- &live.ParticipantPosition{UserID: "stranger", Latitude: 3, Longitude: 4, Speed: 10}

	eventually(t, func() bool {
		m, ok := f.s.Markers()["stranger"]
		return ok && m.Latitude == 3 && m.SpeedKmh == 36.0
	}, "latest marker never recorded")
}

func TestRaceCompletedEventAdvancesStatus(t *testing.T) {
	f := newFixture(t, StatusActive, testUser)
	f.load(t)

	f.ch.events <- &live.RaceCompleted{RaceID: testRace}
	eventually(t, func() bool { return f.s.Race().Status == StatusCompleted }, "race_completed never applied")
}

func TestStatusNeverRegressesOnReload(t *testing.T) {
	f := newFixture(t, StatusWaiting, testUser)
	f.load(t)

	// Channel advances the session before the server snapshot catches up.
	f.ch.events <- &live.RaceStarted{RaceID: testRace}
	eventually(t, func() bool { return f.s.Race().Status == StatusActive }, "race_started never applied")

	// The fake API still reports waiting; a reload must not move status back.
	if err := f.s.reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := f.s.Race().Status; got != StatusActive {
		t.Fatalf("status regressed to %q on reload", got)
	}
}
