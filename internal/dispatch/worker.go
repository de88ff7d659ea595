package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/sequence"
	"github.com/lalithlochan/herald/internal/template"
	"github.com/lalithlochan/herald/internal/transport"
)

// ReasonChannelRemoved is recorded for recipients of a channel deregistered mid-job.
const ReasonChannelRemoved = "channel removed"

const (
	limiterTries    = 3
	auditWriteTries = 3
	auditRetryDelay = 50 * time.Millisecond
)

// outcome is the result of processing one recipient.
type outcome struct {
	status    db.AuditStatus
	reason    string
	attempts  int
	address   string
	msg       template.Message
	attempted bool
}

func skipped(address, reason string) outcome {
	return outcome{status: db.AuditSkipped, reason: reason, address: address}
}

func countOutcome(c db.Counters, s db.AuditStatus) db.Counters {
	switch s {
	case db.AuditSent:
		c.Sent++
	case db.AuditFailed:
		c.Failed++
	case db.AuditSkipped:
		c.Skipped++
	}
	return c
}

// worker sends one job's share of recipients on one channel, strictly in order.
type worker struct {
	o       *Orchestrator
	run     *jobRun
	channel string
	queue   []*db.Recipient
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger

	tmpl      *db.Template
	seq       *db.SequenceDefinition
	templates map[string]*db.Template

	maxAttempts int
	dailyLimit  int
	pauseOnTrip bool
	pacing      Pacing
	rng         *rand.Rand
	sessionSent int
}

func (o *Orchestrator) newWorker(run *jobRun, channelID string, queue []*db.Recipient, tmpl *db.Template, seq *db.SequenceDefinition) *worker {
	c := run.job.Constraints

	maxAttempts := o.cfg.MaxAttempts
	if c.MaxAttempts > 0 {
		maxAttempts = clampAttempts(c.MaxAttempts)
	}

	dailyLimit := o.cfg.DailyLimit
	if ch, ok := o.channels.Get(channelID); ok && ch.DailyLimit > 0 {
		dailyLimit = ch.DailyLimit
	}
	if c.DailyLimit > 0 {
		dailyLimit = c.DailyLimit
	}

	return &worker{
		o:           o,
		run:         run,
		channel:     channelID,
		queue:       queue,
		breaker:     o.health.For(channelID),
		logger:      o.logger.With(zap.String("job_id", run.id.String()), zap.String("channel_id", channelID)),
		tmpl:        tmpl,
		seq:         seq,
		templates:   make(map[string]*db.Template),
		maxAttempts: maxAttempts,
		dailyLimit:  dailyLimit,
		pauseOnTrip: o.cfg.PauseOnBreakerTrip || c.PauseOnBreakerTrip,
		pacing:      o.cfg.Pacing.WithRange(c.MinDelayMS, c.MaxDelayMS),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (w *worker) loop() {
	w.logger.Info("channel worker started", zap.Int("recipients", len(w.queue)))

	for i, r := range w.queue {
		if err := w.run.checkpoint(w.o.cfg.PausePoll); err != nil {
			w.stopped(err, len(w.queue)-i)
			return
		}

		out, err := w.process(r)
		if err != nil {
			w.stopped(err, len(w.queue)-i)
			return
		}
		if err := w.o.record(w.run, r, w.channel, out); err != nil {
			w.run.abort(err)
			w.stopped(err, len(w.queue)-i)
			return
		}

		if out.attempted {
			d := w.pacing.Delay(w.sessionSent, w.o.now(), w.rng)
			if err := w.o.sleep(w.run.ctx, d); err != nil {
				w.stopped(w.run.abortErr(err), len(w.queue)-i-1)
				return
			}
		}
	}

	w.logger.Info("channel worker finished", zap.Int("sent", w.sessionSent))
}

func (w *worker) stopped(err error, remaining int) {
	if errors.Is(err, ErrJobCancelled) {
		w.logger.Info("channel worker cancelled", zap.Int("untouched", remaining))
		return
	}
	w.logger.Info("channel worker interrupted", zap.Int("untouched", remaining), zap.Error(err))
}

// process runs the per-recipient pipeline. A non-nil error means the job
// is stopping and no record must be written.
func (w *worker) process(r *db.Recipient) (outcome, error) {
	ctx := context.WithoutCancel(w.run.ctx)

	if _, ok := w.o.channels.Get(w.channel); !ok {
		return skipped(r.Address, ReasonChannelRemoved), nil
	}
	if !w.breaker.Allow() {
		return skipped(r.Address, ReasonChannelCooldown), nil
	}

	if w.dailyLimit > 0 {
		day := db.DayKey(w.o.now())
		ok, err := w.o.quota.reserve(w.channel, w.dailyLimit, func() (int, error) {
			return w.o.store.GetDailyStat(ctx, day, w.channel)
		})
		switch {
		case err != nil:
			w.logger.Warn("failed to read daily stat", zap.Error(err))
		case !ok:
			w.breaker.Release()
			return skipped(r.Address, ReasonDailyLimit), nil
		default:
			// Held until the send has been counted in the daily stat.
			defer w.o.quota.release(w.channel)
		}
	}

	if err := w.o.admit(w.run.ctx, w.channel, w.rng); err != nil {
		w.breaker.Release()
		if errors.Is(err, ErrLimiterUnavailable) {
			return outcome{status: db.AuditFailed, reason: ReasonLimiterUnavailable, address: r.Address}, nil
		}
		return outcome{}, w.run.abortErr(err)
	}

	res := w.o.validator.Validate(ctx, r.Address, w.channel, w.o.transport)
	address := r.Address
	if res.Canonical != "" {
		address = res.Canonical
	}
	if !res.Valid {
		w.breaker.Release()
		if res.Unreachable() {
			w.o.touchRecipient(ctx, r)
		}
		return skipped(address, string(res.Reason)), nil
	}

	msg, step, reason := w.content(ctx, r, address)
	if reason != "" {
		w.breaker.Release()
		return skipped(address, reason), nil
	}

	d, err := w.o.deliver(w.run.ctx, w.channel, address, msg, w.maxAttempts, w.breaker, w.rng, func() error {
		return w.run.checkpoint(w.o.cfg.PausePoll)
	})
	if err != nil {
		w.breaker.Release()
		return outcome{}, w.run.abortErr(err)
	}

	out := outcome{
		status:    d.status,
		reason:    d.reason,
		attempts:  d.attempts,
		address:   address,
		msg:       msg,
		attempted: true,
	}

	switch d.status {
	case db.AuditSent:
		w.sessionSent++
		w.o.afterSent(ctx, w.channel, r, msg, step)
	case db.AuditFailed:
		w.logger.Warn("send failed",
			zap.String("recipient_id", r.ID.String()),
			zap.Int("attempts", d.attempts),
			zap.String("reason", d.reason),
		)
	}
	if d.tripped {
		w.o.onTrip(w.run, w.channel, w.pauseOnTrip)
	}
	return out, nil
}

// content picks and renders the message for r. A non-empty reason means
// the recipient is skipped.
func (w *worker) content(ctx context.Context, r *db.Recipient, address string) (template.Message, *db.Step, string) {
	tmpl := w.tmpl
	var step *db.Step

	if w.seq != nil {
		res, err := sequence.NextStep(r, w.seq, w.o.cfg.Sequence)
		if err != nil {
			return template.Message{}, nil, ReasonNoTemplate
		}
		if res.Done {
			return template.Message{}, nil, ReasonSequenceComplete
		}
		t, err := w.lookupTemplate(ctx, res.Step.TemplateRef)
		if err != nil {
			w.logger.Warn("sequence step template missing",
				zap.String("template", res.Step.TemplateRef),
				zap.Error(err),
			)
			return template.Message{}, nil, ReasonNoTemplate
		}
		tmpl = t
		s := res.Step
		step = &s
	}

	msg, err := w.o.templates.Resolve(tmpl, w.run.job.Content.MediaRef, renderFields(r, address))
	if err != nil {
		return template.Message{}, nil, ReasonEmptyMessage
	}
	return msg, step, ""
}

func (w *worker) lookupTemplate(ctx context.Context, name string) (*db.Template, error) {
	if t, ok := w.templates[name]; ok {
		return t, nil
	}
	t, err := w.o.store.GetTemplate(ctx, name)
	if err != nil {
		return nil, err
	}
	w.templates[name] = t
	return t, nil
}

// renderFields exposes the canonical address as {phone} unless the
// recipient carries its own.
func renderFields(r *db.Recipient, address string) map[string]string {
	fields := make(map[string]string, len(r.Fields)+1)
	for k, v := range r.Fields {
		fields[k] = v
	}
	if _, ok := fields["phone"]; !ok && address != "" {
		fields["phone"] = address
	}
	return fields
}

type delivery struct {
	status   db.AuditStatus
	reason   string
	attempts int
	tripped  bool
}

// deliver runs the retry loop for one message. boundary is called before
// every retry; an error from it, or from a suspension, aborts the loop.
//
// Rate-limit responses record a hit on the breaker and are waited out
// without consuming an attempt. A chat-not-found response is retried once
// immediately, also without consuming an attempt.
func (o *Orchestrator) deliver(
	ctx context.Context,
	channelID, address string,
	msg template.Message,
	maxAttempts int,
	breaker *circuitbreaker.Breaker,
	rng *rand.Rand,
	boundary func() error,
) (delivery, error) {
	sendCtx := context.WithoutCancel(ctx)

	var (
		attempts    int
		tries       int
		hits        int
		chatRetried bool
		lastErr     error
	)
	for attempts < maxAttempts {
		if tries > 0 {
			if err := boundary(); err != nil {
				return delivery{}, err
			}
			if err := o.admit(ctx, channelID, rng); err != nil {
				if errors.Is(err, ErrLimiterUnavailable) {
					return delivery{status: db.AuditFailed, reason: ReasonLimiterUnavailable, attempts: tries}, nil
				}
				return delivery{}, err
			}
		}

		err := o.send(sendCtx, channelID, address, msg)
		tries++
		if err == nil {
			breaker.RecordSuccess()
			return delivery{status: db.AuditSent, attempts: tries}, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, transport.ErrRateLimited):
			hits++
			tripped := breaker.RecordRateLimitHit()
			o.syncHealth(sendCtx, channelID, breaker)
			if tripped {
				return delivery{status: db.AuditSkipped, reason: ReasonChannelCooldown, attempts: tries, tripped: true}, nil
			}
			if err := o.sleep(ctx, o.cfg.Backoff.Delay(hits, rng)); err != nil {
				return delivery{}, err
			}
			continue
		case errors.Is(err, transport.ErrChatNotFound) && !chatRetried:
			chatRetried = true
			continue
		case errors.Is(err, transport.ErrUnsupported):
			attempts = maxAttempts
			continue
		}

		attempts++
		if attempts < maxAttempts {
			if err := o.sleep(ctx, o.cfg.Backoff.Delay(attempts, rng)); err != nil {
				return delivery{}, err
			}
		}
	}

	tripped := breaker.RecordFailure()
	o.syncHealth(sendCtx, channelID, breaker)
	reason := ErrTransportFailure.Error()
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return delivery{status: db.AuditFailed, reason: reason, attempts: tries, tripped: tripped}, nil
}

// admit waits for a send slot. Backend errors are retried with backoff and
// end in ErrLimiterUnavailable when they persist; once ctx is done its error
// is returned unchanged.
func (o *Orchestrator) admit(ctx context.Context, channelID string, rng *rand.Rand) error {
	var err error
	for try := 1; try <= limiterTries; try++ {
		if err = o.limiter.Admit(ctx, channelID); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("rate limiter error",
			zap.String("channel_id", channelID),
			zap.Int("try", try),
			zap.Error(err),
		)
		if try < limiterTries {
			if err := o.sleep(ctx, o.cfg.Backoff.Delay(try, rng)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
}

func (o *Orchestrator) send(ctx context.Context, channelID, address string, msg template.Message) error {
	if msg.Kind == template.KindMedia {
		return o.transport.SendMedia(ctx, channelID, address, msg.MediaRef, msg.Text)
	}
	return o.transport.Send(ctx, channelID, address, msg.Text)
}

// afterSent advances recipient and channel bookkeeping for a delivered message.
func (o *Orchestrator) afterSent(ctx context.Context, channelID string, r *db.Recipient, msg template.Message, step *db.Step) {
	now := o.now()

	if r != nil {
		r.LastMessageSentAt = &now
		r.LastTemplateUsed = msg.Template
		if step != nil {
			sequence.Record(r, *step)
		}
		if err := o.store.UpsertRecipient(ctx, r); err != nil {
			o.logger.Error("failed to update recipient history",
				zap.String("recipient_id", r.ID.String()),
				zap.Error(err),
			)
		}
	}

	if _, err := o.store.IncrementDailyStat(ctx, db.DayKey(now), channelID); err != nil {
		o.logger.Error("failed to increment daily stat", zap.String("channel_id", channelID), zap.Error(err))
	}

	h := o.health.For(channelID).Health()
	err := o.channels.Update(ctx, channelID, func(ch *db.Channel) {
		markSent(ch, now)
		applyHealth(ch, h)
	})
	if err != nil && !errors.Is(err, db.ErrChannelNotFound) {
		o.logger.Error("failed to update channel", zap.String("channel_id", channelID), zap.Error(err))
	}
}

// touchRecipient advances the last-sent time of an unreachable recipient so
// schedules stop picking it every day.
func (o *Orchestrator) touchRecipient(ctx context.Context, r *db.Recipient) {
	now := o.now()
	r.LastMessageSentAt = &now
	if err := o.store.UpsertRecipient(ctx, r); err != nil {
		o.logger.Error("failed to update recipient history",
			zap.String("recipient_id", r.ID.String()),
			zap.Error(err),
		)
	}
}

// syncHealth writes the breaker counters through to the channel record.
func (o *Orchestrator) syncHealth(ctx context.Context, channelID string, breaker *circuitbreaker.Breaker) {
	h := breaker.Health()
	err := o.channels.Update(ctx, channelID, func(ch *db.Channel) { applyHealth(ch, h) })
	if err != nil && !errors.Is(err, db.ErrChannelNotFound) {
		o.logger.Error("failed to persist channel health", zap.String("channel_id", channelID), zap.Error(err))
	}
}

func applyHealth(ch *db.Channel, h circuitbreaker.Health) {
	ch.ConsecutiveFailures = h.ConsecutiveFailures
	ch.RateLimitHits = h.RateLimitHits
	switch h.State {
	case circuitbreaker.StateOpen:
		until := h.CooldownUntil
		ch.CooldownUntil = &until
		ch.State = db.ChannelCooldown
	default:
		ch.CooldownUntil = nil
		if ch.State == db.ChannelCooldown {
			ch.State = db.ChannelConnected
		}
	}
}

// onTrip reports a breaker trip and, under the pause policy, pauses the job.
func (o *Orchestrator) onTrip(run *jobRun, channelID string, pauseJob bool) {
	h := o.health.For(channelID).Health()
	o.logger.Warn("channel entered cooldown",
		zap.String("job_id", run.id.String()),
		zap.String("channel_id", channelID),
		zap.String("reason", h.TripReason),
		zap.Time("cooldown_until", h.CooldownUntil),
	)
	_, counters := run.snapshot()
	o.events.Publish(Event{
		Type:      EventChannelCooldown,
		JobID:     run.id,
		ChannelID: channelID,
		Reason:    h.TripReason,
		Counters:  counters,
		At:        o.now(),
	})

	if pauseJob {
		if err := o.pause(run, ReasonChannelCooldown+": "+channelID); err != nil && !errors.Is(err, ErrJobNotActive) {
			o.logger.Error("failed to pause job after cooldown", zap.String("job_id", run.id.String()), zap.Error(err))
		}
	}
}

// record writes the audit record for r, then bumps and persists the job
// counters under the job mutex. Counters move only once the record is
// stored; an error means neither happened.
func (o *Orchestrator) record(run *jobRun, r *db.Recipient, channelID string, out outcome) error {
	ctx := context.WithoutCancel(run.ctx)

	rec := &db.AuditRecord{
		ID:          uuid.New(),
		JobID:       run.id,
		RecipientID: r.ID,
		ChannelID:   channelID,
		Address:     out.address,
		Template:    out.msg.Template,
		Content:     db.TruncateContent(out.msg.Text),
		Status:      out.status,
		Reason:      out.reason,
		MediaRef:    out.msg.MediaRef,
		Attempts:    out.attempts,
		CreatedAt:   o.now(),
	}
	if err := o.appendAudit(ctx, rec); err != nil {
		o.logger.Error("failed to write audit record",
			zap.String("job_id", run.id.String()),
			zap.String("recipient_id", r.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("write audit record: %w", err)
	}

	run.mu.Lock()
	run.counters = countOutcome(run.counters, out.status)
	counters := run.counters
	status := run.status
	err := o.store.UpdateJobCounters(ctx, run.id, counters)
	run.mu.Unlock()

	if err != nil {
		o.logger.Error("failed to persist job counters", zap.String("job_id", run.id.String()), zap.Error(err))
	}

	id := r.ID
	o.events.Publish(Event{
		Type:        EventRecipient,
		JobID:       run.id,
		JobStatus:   status,
		ChannelID:   channelID,
		RecipientID: &id,
		Outcome:     out.status,
		Reason:      out.reason,
		Counters:    counters,
		At:          rec.CreatedAt,
	})
	return nil
}

func (o *Orchestrator) appendAudit(ctx context.Context, rec *db.AuditRecord) error {
	var err error
	for try := 1; try <= auditWriteTries; try++ {
		if err = o.store.AppendAudit(ctx, rec); err == nil {
			return nil
		}
		if try < auditWriteTries {
			_ = o.sleep(ctx, time.Duration(try)*auditRetryDelay)
		}
	}
	return err
}
