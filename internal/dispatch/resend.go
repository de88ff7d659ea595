package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/template"
)

// Resend retries a failed audit record once. The original record is never
// touched; the new record carries ResendOf. Repeated or concurrent calls
// for the same record return the existing resend. Job counters keep
// counting the original outcome.
func (o *Orchestrator) Resend(ctx context.Context, auditID uuid.UUID) (*db.AuditRecord, error) {
	unlock := o.resendLocks.lock(auditID)
	defer unlock()

	orig, err := o.store.GetAudit(ctx, auditID)
	if err != nil {
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	if orig.Status != db.AuditFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotResendable, orig.Status)
	}
	if existing, err := o.store.FindResend(ctx, orig.ID); err != nil {
		return nil, fmt.Errorf("find resend: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	if o.claims != nil {
		ok, err := o.claims.ClaimResend(ctx, orig.ID.String())
		if err != nil {
			return nil, fmt.Errorf("claim resend: %w", err)
		}
		if !ok {
			return nil, ErrResendInProgress
		}
		defer func() {
			if err := o.claims.ReleaseResend(context.WithoutCancel(ctx), orig.ID.String()); err != nil {
				o.logger.Warn("failed to release resend claim", zap.String("audit_id", orig.ID.String()), zap.Error(err))
			}
		}()
		// Another replica may have finished between our lookup and the claim.
		if existing, err := o.store.FindResend(ctx, orig.ID); err != nil {
			return nil, fmt.Errorf("find resend: %w", err)
		} else if existing != nil {
			return existing, nil
		}
	}

	breaker := o.health.For(orig.ChannelID)
	if !breaker.Allow() {
		return nil, ErrChannelCooldown
	}

	var recipient *db.Recipient
	if rs, err := o.store.GetRecipients(ctx, []uuid.UUID{orig.RecipientID}); err == nil && len(rs) == 1 {
		recipient = rs[0]
	}
	msg := o.resendMessage(ctx, orig, recipient)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if err := o.admit(ctx, orig.ChannelID, rng); err != nil {
		breaker.Release()
		return nil, err
	}

	d, err := o.deliver(ctx, orig.ChannelID, orig.Address, msg, o.cfg.MaxAttempts, breaker, rng, ctx.Err)
	if err != nil {
		breaker.Release()
		return nil, err
	}

	rec := &db.AuditRecord{
		ID:          uuid.New(),
		JobID:       orig.JobID,
		RecipientID: orig.RecipientID,
		ChannelID:   orig.ChannelID,
		Address:     orig.Address,
		Template:    msg.Template,
		Content:     db.TruncateContent(msg.Text),
		Status:      d.status,
		Reason:      d.reason,
		MediaRef:    msg.MediaRef,
		Attempts:    d.attempts,
		ResendOf:    &orig.ID,
		CreatedAt:   o.now(),
	}
	if d.status == db.AuditSkipped {
		// The channel tripped on rate limits before anything went out.
		rec.Status = db.AuditFailed
	}

	persist := context.WithoutCancel(ctx)
	if err := o.store.AppendAudit(persist, rec); err != nil {
		if errors.Is(err, db.ErrDuplicateResend) {
			existing, ferr := o.store.FindResend(persist, orig.ID)
			if ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("write resend record: %w", err)
	}

	if d.status == db.AuditSent {
		o.afterSent(persist, orig.ChannelID, recipient, msg, nil)
	}

	o.logger.Info("audit record resent",
		zap.String("audit_id", orig.ID.String()),
		zap.String("resend_id", rec.ID.String()),
		zap.String("status", string(rec.Status)),
	)
	id := rec.RecipientID
	o.events.Publish(Event{
		Type:        EventRecipient,
		JobID:       rec.JobID,
		ChannelID:   rec.ChannelID,
		RecipientID: &id,
		Outcome:     rec.Status,
		Reason:      rec.Reason,
		At:          rec.CreatedAt,
	})
	return rec, nil
}

// resendMessage re-renders the original template when it still exists and
// falls back to the stored content otherwise.
func (o *Orchestrator) resendMessage(ctx context.Context, orig *db.AuditRecord, r *db.Recipient) template.Message {
	if orig.Template != "" && r != nil {
		if t, err := o.store.GetTemplate(ctx, orig.Template); err == nil {
			if msg, err := o.templates.Resolve(t, orig.MediaRef, renderFields(r, orig.Address)); err == nil {
				return msg
			}
		}
	}

	msg := template.Message{Kind: template.KindText, Template: orig.Template, Text: orig.Content}
	if orig.MediaRef != "" {
		msg.Kind = template.KindMedia
		msg.MediaRef = orig.MediaRef
	}
	return msg
}
