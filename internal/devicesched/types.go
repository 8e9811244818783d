package devicesched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pillbot/pkg/logx"
)

// ErrRejected is returned when a registration cannot be accepted
// (malformed trigger, one-shot time in the past).
var ErrRejected = errors.New("scheduler rejected registration")

// Level is the interruption level requested for a notification.
type Level string

const (
	LevelActive        Level = "active"
	LevelTimeSensitive Level = "timeSensitive"
	LevelCritical      Level = "critical"
)

// NotificationType tags what kind of reminder a registration carries.
type NotificationType string

const (
	TypeReminder     NotificationType = "reminder"
	TypeFollowUp     NotificationType = "follow_up"
	TypeDailyCheckin NotificationType = "daily_checkin"
)

// DailyTrigger fires every day at Hour:Minute on the device clock.
type DailyTrigger struct {
	Hour   int
	Minute int
}

// DateTrigger fires once at At, then the registration removes itself.
type DateTrigger struct {
	At time.Time
}

// Trigger is a tagged union: exactly one of Daily or Date is set.
// The reminder engine only ever constructs Daily triggers so that reminders
// survive app restarts without rescheduling.
type Trigger struct {
	Daily *DailyTrigger
	Date  *DateTrigger
}

// Payload is the structured data a fired notification carries downstream
// (which medications/schedules it covers, so doses can be logged per member).
type Payload struct {
	MedicationIDs []string
	ScheduleIDs   []string
	Type          NotificationType
	GroupKey      string
	IsFollowUp    bool
}

// Content is the rendered notification.
type Content struct {
	Title   string
	Body    string
	Level   Level
	Payload Payload
}

// Request is what callers submit to Register.
type Request struct {
	Content Content
	Trigger Trigger
}

// Registration is a live entry in the registry, as returned by ListAll.
type Registration struct {
	ID      string
	Trigger Trigger
	Content Content
}

// FireFunc receives a registration when its trigger fires.
type FireFunc func(ctx context.Context, reg Registration)

// Config controls the scheduler service.
type Config struct {
	Workers     int
	QueueSize   int
	HistorySize int
	// Timezone overrides the device clock zone (IANA name). Empty means
	// time.Local, which is what a real device uses.
	Timezone string
}

// FiredItem is a history entry for diagnostics display.
type FiredItem struct {
	ID    string
	Title string
	Type  NotificationType
	At    time.Time
}

type entry struct {
	id      string
	req     Request
	entryID cron.EntryID // daily triggers
	timer   *time.Timer  // one-shot triggers
}

// Service is the device scheduler. Registrations are accepted while stopped
// and attached to cron on Start, mirroring a notification center that queues
// requests before the app finishes launching.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	fire FireFunc

	loc     *time.Location
	c       *cron.Cron
	entries map[string]*entry
	seq     uint64

	queue    chan Registration
	stopCh   chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	hmu     sync.Mutex
	history []FiredItem
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Timezone      string
	Registrations int
	QueueLen      int
	History       []FiredItem
}
