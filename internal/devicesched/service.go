package devicesched

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pillbot/pkg/logx"
)

func New(cfg Config, fire FireFunc, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		fire:    fire,
		entries: map[string]*entry{},
	}
}

// DeviceLocation returns the zone the device clock runs in. Daily triggers
// fire relative to this zone, not to a schedule's stored timezone.
func (s *Service) DeviceLocation() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locLocked()
}

func (s *Service) locLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		s.loc = time.Local
		return s.loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid device timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		loc = time.Local
	}
	s.loc = loc
	return s.loc
}

// Register accepts a notification request and returns its opaque identifier.
// Registrations made while stopped are attached to cron on the next Start.
func (s *Service) Register(req Request) (string, error) {
	if err := validateTrigger(req.Trigger); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := &entry{req: req}
	switch {
	case req.Trigger.Daily != nil:
		e.id = fmt.Sprintf("daily:%x:%d", time.Now().UnixNano(), s.seq)
	default:
		e.id = fmt.Sprintf("once:%x:%d", time.Now().UnixNano(), s.seq)
	}
	s.entries[e.id] = e

	if s.c != nil {
		if err := s.attachLocked(e); err != nil {
			delete(s.entries, e.id)
			return "", fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	s.log.Debug("notification registered",
		logx.String("id", e.id),
		logx.String("title", req.Content.Title),
		logx.String("type", string(req.Content.Payload.Type)),
		logx.String("trigger", describeTrigger(req.Trigger)),
	)
	return e.id, nil
}

// Cancel removes a registration. Unknown ids are a no-op: the caller may be
// repairing drift and the entry may already be gone.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		s.detachLocked(e)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		s.log.Debug("notification cancelled", logx.String("id", id))
	}
}

// ListAll snapshots the current registry state.
func (s *Service) ListAll() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Registration{ID: e.id, Trigger: e.req.Trigger, Content: e.req.Content})
	}
	return out
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.queue = make(chan Registration, s.cfg.QueueSize)

	loc := s.locLocked()
	s.c = cron.New(cron.WithLocation(loc))
	for _, e := range s.entries {
		if err := s.attachLocked(e); err != nil {
			s.log.Error("registration attach failed", logx.String("id", e.id), logx.Err(err))
		}
	}

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	workers := s.cfg.Workers
	n := len(s.entries)
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.c.Start()
	s.log.Info("device scheduler started", logx.Int("workers", workers), logx.String("tz", loc.String()), logx.Int("registrations", n))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.cancel
	c := s.c
	s.c = nil
	s.cancel = nil
	s.stopCh = nil
	s.queue = nil
	// Stop runtime timers but keep registrations: they re-attach on Start,
	// like a notification center surviving an app suspend.
	for _, e := range s.entries {
		if e.timer != nil {
			_ = e.timer.Stop()
			e.timer = nil
		}
		e.entryID = 0
	}
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("device scheduler stopped")
}

// Snapshot returns diagnostic state for the /status view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Timezone:      s.locLocked().String(),
		Registrations: len(s.entries),
	}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]FiredItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// attachLocked wires an entry to cron or a timer. Call with s.mu held and
// s.c non-nil for daily triggers.
func (s *Service) attachLocked(e *entry) error {
	if e.req.Trigger.Daily != nil {
		d := e.req.Trigger.Daily
		spec := fmt.Sprintf("%d %d * * *", d.Minute, d.Hour)
		id := e.id
		eid, err := s.c.AddFunc(spec, func() { s.fireByID(id) })
		if err != nil {
			return err
		}
		e.entryID = eid
		return nil
	}

	at := e.req.Trigger.Date.At
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	id := e.id
	e.timer = time.AfterFunc(delay, func() {
		// One-shot: consume the registration before firing so a concurrent
		// ListAll never sees an entry that will fire twice.
		s.mu.Lock()
		cur, ok := s.entries[id]
		var reg Registration
		if ok {
			reg = Registration{ID: cur.id, Trigger: cur.req.Trigger, Content: cur.req.Content}
			delete(s.entries, id)
		}
		q := s.queue
		s.mu.Unlock()
		if ok {
			s.enqueue(q, reg)
		}
	})
	return nil
}

func (s *Service) detachLocked(e *entry) {
	if e.entryID != 0 && s.c != nil {
		s.c.Remove(e.entryID)
		e.entryID = 0
	}
	if e.timer != nil {
		_ = e.timer.Stop()
		e.timer = nil
	}
}

func (s *Service) fireByID(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	var reg Registration
	if ok {
		reg = Registration{ID: e.id, Trigger: e.req.Trigger, Content: e.req.Content}
	}
	q := s.queue
	s.mu.Unlock()

	if !ok {
		return
	}
	s.enqueue(q, reg)
}

func (s *Service) enqueue(q chan Registration, reg Registration) {
	if q == nil {
		s.log.Debug("scheduler not running; dropping fire", logx.String("id", reg.ID))
		return
	}
	select {
	case q <- reg:
	default:
		s.log.Warn("fire queue full; dropping notification", logx.String("id", reg.ID), logx.String("title", reg.Content.Title))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Registration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case reg := <-queue:
			s.appendHistory(FiredItem{
				ID:    reg.ID,
				Title: reg.Content.Title,
				Type:  reg.Content.Payload.Type,
				At:    time.Now(),
			})
			if s.fire != nil {
				s.fire(ctx, reg)
			}
		}
	}
}

func (s *Service) appendHistory(it FiredItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

func validateTrigger(t Trigger) error {
	switch {
	case t.Daily != nil && t.Date != nil:
		return fmt.Errorf("%w: trigger sets both daily and date", ErrRejected)
	case t.Daily != nil:
		d := t.Daily
		if d.Hour < 0 || d.Hour > 23 || d.Minute < 0 || d.Minute > 59 {
			return fmt.Errorf("%w: daily trigger %02d:%02d out of range", ErrRejected, d.Hour, d.Minute)
		}
		return nil
	case t.Date != nil:
		if t.Date.At.IsZero() {
			return fmt.Errorf("%w: date trigger has zero time", ErrRejected)
		}
		return nil
	default:
		return fmt.Errorf("%w: empty trigger", ErrRejected)
	}
}

func describeTrigger(t Trigger) string {
	switch {
	case t.Daily != nil:
		return fmt.Sprintf("daily %02d:%02d", t.Daily.Hour, t.Daily.Minute)
	case t.Date != nil:
		return "once " + t.Date.At.Format(time.RFC3339)
	default:
		return "empty"
	}
}
