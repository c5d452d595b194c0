package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/raceway/live"
)

// MsToKmh converts provider speed (m/s) to display speed (km/h).
const MsToKmh = 3.6

const (
	defaultTick         = 100 * time.Millisecond
	defaultTelemetryCap = 32
)

// DefaultPolicy is the sampling policy used when none is supplied:
// about one sample per second, at least ten metres apart.
var DefaultPolicy = SamplePolicy{Interval: time.Second, MinDistance: 10}

// Options tunes a Session. The zero value is usable.
type Options struct {
	Log *zap.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
	// Tick is the display-timer refresh interval.
	Tick time.Duration
	// Policy is the location sampling policy.
	Policy SamplePolicy
	// TelemetryBuffer bounds the outbound sample queue; overflow drops.
	TelemetryBuffer int
}

// Session owns one race from one participant's perspective. It is created
// with New, populated with Load, driven by actions and channel events, and
// released with Close. The channel connection and location subscription are
// exclusively owned by the session and released on every exit path.
type Session struct {
	api     API
	dialer  Dialer
	locator Locator
	userID  string

	log    *zap.Logger
	now    func() time.Time
	tick   time.Duration
	policy SamplePolicy

	mu          sync.Mutex
	loading     bool
	race        *Race
	circuit     *Circuit
	leaderboard []LeaderboardEntry
	markers     map[string]Marker
	joined      bool
	racing      bool
	startedAt   time.Time
	elapsed     time.Duration
	speedKmh    float64
	inflight    map[string]bool
	ch          Channel
	stopLoc     func()
	raceStop    chan struct{}
	closed      bool

	done      chan struct{}
	closeOnce sync.Once
	telemetry chan *live.PositionUpdate
}

// New creates an unloaded session for the given user.
func New(api API, dialer Dialer, locator Locator, userID string, opts Options) *Session {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.Policy == (SamplePolicy{}) {
		opts.Policy = DefaultPolicy
	}
	if opts.TelemetryBuffer <= 0 {
		opts.TelemetryBuffer = defaultTelemetryCap
	}

	return &Session{
		api:       api,
		dialer:    dialer,
		locator:   locator,
		userID:    userID,
		log:       opts.Log,
		now:       opts.Now,
		tick:      opts.Tick,
		policy:    opts.Policy,
		markers:   make(map[string]Marker),
		inflight:  make(map[string]bool),
		done:      make(chan struct{}),
		telemetry: make(chan *live.PositionUpdate, opts.TelemetryBuffer),
	}
}

// Load fetches the race, circuit and leaderboard snapshots, then opens the
// live channel unless the race is already completed. The race and leaderboard
// fetches run concurrently; the circuit fetch depends on the race result. Any
// failure leaves the session unusable with no partial state. A second Load
// while one is in flight is rejected with ErrBusy so at most one channel is
// ever dialled.
func (s *Session) Load(ctx context.Context, raceID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.race != nil {
		s.mu.Unlock()
		return errors.New("session already loaded")
	}
	if s.loading {
		s.mu.Unlock()
		return ErrBusy
	}
	s.loading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	type lbResult struct {
		entries []LeaderboardEntry
		err     error
	}
	lbCh := make(chan lbResult, 1)
	go func() {
		entries, err := s.api.Leaderboard(ctx, raceID)
		lbCh <- lbResult{entries, err}
	}()

	race, err := s.api.Race(ctx, raceID)
	if err != nil {
		return fmt.Errorf("load race: %w", err)
	}

	circuit, err := s.api.Circuit(ctx, race.CircuitID)
	if err != nil {
		return fmt.Errorf("load circuit: %w", err)
	}

	lb := <-lbCh
	if lb.err != nil {
		return fmt.Errorf("load leaderboard: %w", lb.err)
	}

	// No live updates are expected from a completed race.
	var ch Channel
	if race.Status != StatusCompleted {
		ch, err = s.dialer.Dial(ctx)
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		if err := ch.Send(&live.JoinRace{RaceID: raceID}); err != nil {
			_ = ch.Close()
			return fmt.Errorf("announce join: %w", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return ErrClosed
	}
	s.race = race
	s.circuit = circuit
	s.leaderboard = lb.entries
	s.joined = contains(race.Participants, s.userID)
	s.ch = ch
	s.mu.Unlock()

	if ch != nil {
		go s.eventLoop(ch)
		go s.telemetryLoop(ch)
	}
	return nil
}

// Join requests server-side addition to the participant set. Valid only while
// the race is waiting; otherwise it is rejected locally without a network
// call. On success the session state is reloaded.
func (s *Session) Join(ctx context.Context) error {
	if err := s.beginAction("join", func() error {
		if s.race.Status != StatusWaiting {
			return ErrNotWaiting
		}
		if s.joined {
			return ErrAlreadyJoined
		}
		return nil
	}); err != nil {
		return err
	}
	defer s.endAction("join")

	if err := s.api.Join(ctx, s.raceID()); err != nil {
		return fmt.Errorf("join race: %w", err)
	}
	return s.reload(ctx)
}

// StartAsCreator asks the server to transition the race to active. Valid only
// for the creator, only while waiting, and only with at least one
// participant. Local status is not flipped here: every participant observes
// the transition through the race_started channel event.
func (s *Session) StartAsCreator(ctx context.Context) error {
	if err := s.beginAction("start", func() error {
		if s.race.CreatorID != s.userID {
			return ErrNotCreator
		}
		if s.race.Status != StatusWaiting {
			return ErrNotWaiting
		}
		if len(s.race.Participants) < 1 {
			return ErrNoParticipants
		}
		return nil
	}); err != nil {
		return err
	}
	defer s.endAction("start")

	if err := s.api.Start(ctx, s.raceID()); err != nil {
		return fmt.Errorf("start race: %w", err)
	}
	return nil
}

// BeginRacing starts the local racing timer and the position subscription.
// Valid only once the race is active and this user has joined. A refused
// location permission surfaces as ErrPermissionDenied and nothing starts.
func (s *Session) BeginRacing(ctx context.Context) error {
	if err := s.beginAction("begin_racing", func() error {
		if s.race.Status != StatusActive {
			return ErrNotActive
		}
		if !s.joined {
			return ErrNotJoined
		}
		if s.racing {
			return ErrAlreadyRacing
		}
		return nil
	}); err != nil {
		return err
	}
	defer s.endAction("begin_racing")

	samples, stop, err := s.locator.Subscribe(ctx, s.policy)
	if err != nil {
		return fmt.Errorf("subscribe location: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return ErrClosed
	}
	s.racing = true
	s.startedAt = s.now()
	s.elapsed = 0
	s.speedKmh = 0
	s.stopLoc = stop
	stopC := make(chan struct{})
	s.raceStop = stopC
	raceID := s.race.ID
	s.mu.Unlock()

	go s.consumeSamples(raceID, samples, stopC)
	go s.tickElapsed(stopC)
	return nil
}

// Finish computes the final elapsed time in seconds, emits one finish_race
// event, stops the timer, releases the location subscription and reloads so
// the leaderboard reflects the server's acceptance. There is no optimistic
// local leaderboard insertion. Returns the computed final time.
func (s *Session) Finish(ctx context.Context) (float64, error) {
	if err := s.beginAction("finish", func() error {
		if !s.racing {
			return ErrNotRacing
		}
		return nil
	}); err != nil {
		return 0, err
	}
	defer s.endAction("finish")

	s.mu.Lock()
	final := s.now().Sub(s.startedAt).Seconds()
	raceID := s.race.ID
	ch := s.ch
	s.mu.Unlock()

	if err := ch.Send(&live.FinishRace{RaceID: raceID, FinalTime: final}); err != nil {
		return 0, fmt.Errorf("send finish: %w", err)
	}

	s.mu.Lock()
	s.stopRacingLocked()
	s.elapsed = time.Duration(final * float64(time.Second))
	s.mu.Unlock()

	if err := s.reload(ctx); err != nil {
		return final, err
	}
	return final, nil
}

// Close releases everything the session owns: the live channel, the location
// subscription and all internal goroutines. Safe to call more than once, and
// on every path including a failed Load. Results of requests still in flight
// when Close runs are discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.stopRacingLocked()
		ch := s.ch
		s.ch = nil
		s.mu.Unlock()

		close(s.done)
		if ch != nil {
			_ = ch.Close()
		}
	})
}

// beginAction takes the lock, checks base state plus the action-specific
// precondition and marks the action in flight so a double tap cannot issue
// two requests.
func (s *Session) beginAction(action string, pre func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.race == nil {
		return ErrNotLoaded
	}
	if s.inflight[action] {
		return ErrBusy
	}
	if err := pre(); err != nil {
		return err
	}
	s.inflight[action] = true
	return nil
}

func (s *Session) endAction(action string) {
	s.mu.Lock()
	delete(s.inflight, action)
	s.mu.Unlock()
}

func (s *Session) raceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.race.ID
}

// reload refetches race and leaderboard. The session treats channel signals
// as cache invalidation, never as incremental updates. A reload resolving
// after Close is discarded.
func (s *Session) reload(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.race == nil {
		s.mu.Unlock()
		return ErrClosed
	}
	raceID := s.race.ID
	s.mu.Unlock()

	race, err := s.api.Race(ctx, raceID)
	if err != nil {
		return fmt.Errorf("reload race: %w", err)
	}
	entries, err := s.api.Leaderboard(ctx, raceID)
	if err != nil {
		return fmt.Errorf("reload leaderboard: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.race == nil {
		return ErrClosed
	}

	// Status never regresses locally: a channel event may have advanced it
	// past a snapshot fetched moments earlier.
	if statusRank(race.Status) < statusRank(s.race.Status) {
		race.Status = s.race.Status
	}
	s.race = race
	s.leaderboard = entries
	s.joined = contains(race.Participants, s.userID)
	return nil
}

func (s *Session) eventLoop(ch Channel) {
	events := ch.Events()
	for {
		select {
		case <-s.done:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(e)
		}
	}
}

// handleEvent reacts to one inbound channel event. Events may describe state
// the initial snapshot has not reflected yet, including unknown participants;
// none of them are allowed to fail the session.
func (s *Session) handleEvent(e live.Event) {
	switch ev := e.(type) {
	case *live.RaceStarted:
		s.onRaceStarted()
	case *live.ParticipantPosition:
		s.mu.Lock()
		if ev.UserID != s.userID {
			s.markers[ev.UserID] = Marker{
				Latitude:  ev.Latitude,
				Longitude: ev.Longitude,
				SpeedKmh:  ev.Speed * MsToKmh,
				Seen:      ev.Timestamp,
			}
		}
		s.mu.Unlock()
	case *live.ParticipantFinished:
		go func() {
			if err := s.reload(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
				s.log.Warn("reload after participant finish", zap.Error(err))
			}
		}()
	case *live.RaceCompleted:
		s.mu.Lock()
		if s.race != nil {
			s.race.Status = StatusCompleted
		}
		s.mu.Unlock()
	default:
		s.log.Debug("ignoring channel event", zap.String("type", e.Type()))
	}
}

func (s *Session) onRaceStarted() {
	s.mu.Lock()
	if s.race == nil || s.race.Status != StatusWaiting {
		s.mu.Unlock()
		return
	}
	s.race.Status = StatusActive
	joined := s.joined
	s.mu.Unlock()

	if !joined {
		return
	}
	// Racing begins immediately for joined participants. Permission prompts
	// block, so not on the event loop.
	go func() {
		if err := s.BeginRacing(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			s.log.Warn("begin racing on race_started", zap.Error(err))
		}
	}()
}

// consumeSamples converts each device sample for display and enqueues the
// raw m/s reading for upstream delivery. The enqueue never blocks; a full
// buffer drops the sample so a network stall cannot interrupt the race.
func (s *Session) consumeSamples(raceID string, samples <-chan Sample, stopC <-chan struct{}) {
	for {
		select {
		case <-s.done:
			return
		case <-stopC:
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}

			s.mu.Lock()
			s.speedKmh = sample.Speed * MsToKmh
			s.mu.Unlock()

			ev := &live.PositionUpdate{
				RaceID:    raceID,
				Latitude:  sample.Latitude,
				Longitude: sample.Longitude,
				Speed:     sample.Speed,
			}
			select {
			case s.telemetry <- ev:
			default:
				s.log.Debug("telemetry buffer full, dropping sample")
			}
		}
	}
}

// telemetryLoop forwards queued samples over the channel, fire-and-forget.
// A failed send is logged and never surfaced.
func (s *Session) telemetryLoop(ch Channel) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.telemetry:
			if err := ch.Send(ev); err != nil {
				s.log.Debug("telemetry send failed", zap.Error(err))
			}
		}
	}
}

// tickElapsed refreshes the display timer. The value is derived for UI
// smoothness only; the authoritative final time is computed once in Finish.
func (s *Session) tickElapsed(stopC <-chan struct{}) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-stopC:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.racing {
				s.elapsed = s.now().Sub(s.startedAt)
			}
			s.mu.Unlock()
		}
	}
}

// stopRacingLocked freezes the timer and releases the location subscription.
// Caller holds s.mu.
func (s *Session) stopRacingLocked() {
	if !s.racing {
		return
	}
	s.racing = false
	if s.raceStop != nil {
		close(s.raceStop)
		s.raceStop = nil
	}
	if s.stopLoc != nil {
		s.stopLoc()
		s.stopLoc = nil
	}
}

// Race returns a copy of the current race snapshot, or nil before Load.
func (s *Session) Race() *Race {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.race == nil {
		return nil
	}
	cp := *s.race
	cp.Participants = append([]string(nil), s.race.Participants...)
	return &cp
}

// Circuit returns a copy of the loaded circuit, or nil before Load.
func (s *Session) Circuit() *Circuit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuit == nil {
		return nil
	}
	cp := *s.circuit
	cp.Coordinates = append([]Coordinate(nil), s.circuit.Coordinates...)
	return &cp
}

// Leaderboard returns the latest leaderboard snapshot.
func (s *Session) Leaderboard() []LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LeaderboardEntry(nil), s.leaderboard...)
}

// Markers returns the latest known live positions of other participants.
func (s *Session) Markers() map[string]Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Marker, len(s.markers))
	for k, v := range s.markers {
		out[k] = v
	}
	return out
}

// Joined reports whether this user is in the participant set.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// IsRacing reports whether the local timer is running.
func (s *Session) IsRacing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.racing
}

// Elapsed returns the display elapsed time. Meaningful only while racing or
// after a finish froze it.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// SpeedKmh returns the display speed derived from the most recent sample.
func (s *Session) SpeedKmh() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speedKmh
}

func statusRank(status string) int {
	switch status {
	case StatusWaiting:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
