package price

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/coinpulse/internal/model"
	"github.com/rickgao/coinpulse/internal/stream"
)

var (
	ErrScreenClosed   = errors.New("screen closed")
	ErrEmptyName      = errors.New("screen name is empty")
	ErrNoCoins        = errors.New("no coin ids given")
	ErrRegistryClosed = errors.New("screen registry closed")
)

// Subscriber records coin interest on the shared feed.
type Subscriber interface {
	Subscribe(owner string, coinIDs []string) error
	Unsubscribe(owner string, coinIDs []string) error
	UnsubscribeAll(owner string) error
}

// ScreenState is the UI state of one screen.
type ScreenState struct {
	Name   string        `json:"name"`
	Coins  []string      `json:"coins"`
	Quotes []model.Quote `json:"quotes"`
}

// Screen is a named observer of a set of coins.
type Screen struct {
	name    string
	owner   string
	subs    Subscriber
	tracker *Tracker
	logger  *slog.Logger

	// opMu orders Watch, Unwatch and Close so the feed sees interest
	// changes in the same order as the watched set.
	opMu sync.Mutex

	mu      sync.RWMutex
	watched map[string]struct{}
	quotes  map[string]model.Quote
	closed  bool

	in   *stream.Subscription[model.Quote]
	out  *stream.Broadcaster[model.Quote]
	done chan struct{}
}

// NewScreen creates a screen fed by tracker. It watches nothing until Watch
// is called.
func NewScreen(name string, subs Subscriber, tracker *Tracker, logger *slog.Logger) *Screen {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Screen{
		name:    name,
		owner:   name + "/" + uuid.NewString(),
		subs:    subs,
		tracker: tracker,
		logger:  logger.With("screen", name),
		watched: make(map[string]struct{}),
		quotes:  make(map[string]model.Quote),
		in:      tracker.Quotes(),
		out:     stream.NewBroadcaster[model.Quote](0),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Name returns the screen name.
func (s *Screen) Name() string { return s.name }

// Owner returns the token the screen subscribes under.
func (s *Screen) Owner() string { return s.owner }

// Watch adds coinIDs to the screen. Known quotes are shown immediately.
func (s *Screen) Watch(coinIDs ...string) error {
	if len(coinIDs) == 0 {
		return ErrNoCoins
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScreenClosed
	}
	var added []string
	for _, id := range coinIDs {
		if id == "" {
			continue
		}
		if _, ok := s.watched[id]; ok {
			continue
		}
		s.watched[id] = struct{}{}
		added = append(added, id)

		if q, ok := s.tracker.Quote(id); ok {
			s.storeLocked(q)
		}
	}
	s.mu.Unlock()

	if len(added) == 0 {
		return nil
	}

	s.logger.Debug("watching coins", "coins", added)
	if err := s.subs.Subscribe(s.owner, added); err != nil {
		return fmt.Errorf("watch %s: %w", s.name, err)
	}
	return nil
}

// Unwatch removes coinIDs from the screen.
func (s *Screen) Unwatch(coinIDs ...string) error {
	if len(coinIDs) == 0 {
		return ErrNoCoins
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScreenClosed
	}
	var removed []string
	for _, id := range coinIDs {
		if _, ok := s.watched[id]; !ok {
			continue
		}
		delete(s.watched, id)
		delete(s.quotes, id)
		removed = append(removed, id)
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}

	s.logger.Debug("unwatching coins", "coins", removed)
	if err := s.subs.Unsubscribe(s.owner, removed); err != nil {
		return fmt.Errorf("unwatch %s: %w", s.name, err)
	}
	return nil
}

// Watched returns the watched coin ids, sorted.
func (s *Screen) Watched() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watchedLocked()
}

// Quote returns the screen's quote for coinID.
func (s *Screen) Quote(coinID string) (model.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[coinID]
	return q, ok
}

// State returns a copy of the screen's UI state.
func (s *Screen) State() ScreenState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quotes := make([]model.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].CoinID < quotes[j].CoinID })

	return ScreenState{
		Name:   s.name,
		Coins:  s.watchedLocked(),
		Quotes: quotes,
	}
}

// Updates returns a stream of quotes for the watched coins.
func (s *Screen) Updates() *stream.Subscription[model.Quote] {
	return s.out.Subscribe()
}

// Close releases every subscription the screen holds and ends its stream.
func (s *Screen) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.subs.UnsubscribeAll(s.owner)

	s.in.Close()
	<-s.done
	s.out.Close()

	if err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}

func (s *Screen) loop() {
	defer close(s.done)

	for q := range s.in.C() {
		s.mu.Lock()
		if _, ok := s.watched[q.CoinID]; ok && !s.closed {
			s.storeLocked(q)
		}
		s.mu.Unlock()
	}
}

// storeLocked keeps q unless the screen already holds a newer quote.
func (s *Screen) storeLocked(q model.Quote) {
	if cur, ok := s.quotes[q.CoinID]; ok && q.Timestamp < cur.Timestamp {
		return
	}
	s.quotes[q.CoinID] = q
	s.out.Publish(q)
}

func (s *Screen) watchedLocked() []string {
	ids := make([]string, 0, len(s.watched))
	for id := range s.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry holds the open screens by name.
type Registry struct {
	subs    Subscriber
	tracker *Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	screens map[string]*Screen
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(subs Subscriber, tracker *Tracker, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		subs:    subs,
		tracker: tracker,
		logger:  logger,
		screens: make(map[string]*Screen),
	}
}

// Get returns the screen called name.
func (r *Registry) Get(name string) (*Screen, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.screens[name]
	return s, ok
}

// Open returns the screen called name, creating it if needed.
func (r *Registry) Open(name string) (*Screen, error) {
	if name == "" {
		return nil, ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if s, ok := r.screens[name]; ok {
		return s, nil
	}

	s := NewScreen(name, r.subs, r.tracker, r.logger)
	r.screens[name] = s
	r.logger.Info("screen opened", "screen", name)
	return s, nil
}

// Remove closes and forgets the screen called name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	s, ok := r.screens[name]
	delete(r.screens, name)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// Names returns the open screen names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.screens))
	for n := range r.screens {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every screen.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	screens := r.screens
	r.screens = make(map[string]*Screen)
	r.mu.Unlock()

	var errs []error
	for _, s := range screens {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
