package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DueSource yields reminders ready for delivery.
type DueSource interface {
	Due(ctx context.Context, now time.Time) ([]Reminder, error)
	MarkSent(ctx context.Context, id string) error
}

// Notifier delivers a reminder to its owner.
type Notifier interface {
	SendDM(ctx context.Context, teamID, userID, text string) error
}

// Poller wakes on a cron schedule and DMs every due reminder. A reminder is
// marked sent only after the DM succeeds, so a delivery failure retries on the
// next tick.
type Poller struct {
	logger   *slog.Logger
	store    DueSource
	notifier Notifier
	schedule string
	cron     *cron.Cron
}

// NewPoller creates the poller. schedule is a standard five-field cron spec.
func NewPoller(log *slog.Logger, store DueSource, notifier Notifier, schedule string) *Poller {
	return &Poller{
		logger:   log.With(slog.String("service", "reminder-poller")),
		store:    store,
		notifier: notifier,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers the schedule and begins ticking.
func (p *Poller) Start() error {
	if _, err := p.cron.AddFunc(p.schedule, p.tick); err != nil {
		return fmt.Errorf("reminder schedule %q: %w", p.schedule, err)
	}
	p.cron.Start()
	p.logger.Info("reminder poller started", slog.String("schedule", p.schedule))
	return nil
}

// Stop halts the schedule and waits for a running tick to finish.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	p.Deliver(ctx, time.Now())
}

// Deliver sends every reminder due at the given instant.
func (p *Poller) Deliver(ctx context.Context, now time.Time) {
	due, err := p.store.Due(ctx, now)
	if err != nil {
		p.logger.Error("due reminders unavailable", slog.Any("error", err))
		return
	}

	for _, r := range due {
		text := fmt.Sprintf(":alarm_clock: Reminder: %s", r.Message)
		if err := p.notifier.SendDM(ctx, r.TeamID, r.UserID, text); err != nil {
			p.logger.Warn("reminder not delivered",
				slog.String("reminder_id", r.ID),
				slog.String("user_id", r.UserID),
				slog.Any("error", err),
			)
			continue
		}
		if err := p.store.MarkSent(ctx, r.ID); err != nil {
			p.logger.Error("reminder not marked sent, will resend",
				slog.String("reminder_id", r.ID),
				slog.Any("error", err),
			)
		}
	}
}
