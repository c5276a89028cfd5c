package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

// EmailResponse reports what came back for a sent email.
type EmailResponse struct {
	Bounced        bool   `json:"bounced"`
	ProviderStatus string `json:"provider_status,omitempty"`
	Note           string `json:"note,omitempty"`
}

func emailDetails(m *model.EmailCommunication, errMsg string) model.Details {
	return model.Details{Kind: model.KindEmail, Email: &model.EmailDetail{
		EmailID:   m.ID,
		Type:      m.Type,
		Recipient: m.Recipient,
		Attempts:  m.Attempts,
		Error:     errMsg,
	}}
}

func (e *Engine) saveDraft(ctx context.Context, r store.Repo, m *model.EmailCommunication, c model.StepCategory) error {
	if err := r.CreateEmail(ctx, m); err != nil {
		return eris.Wrapf(err, "engine: create email for %s", m.OrderID)
	}
	_, err := e.ledger.Append(ctx, r, m.OrderID, ledger.EmailDraftCreated, c,
		fmt.Sprintf("drafted %s email", m.Type), emailDetails(m, ""))
	return err
}

func (e *Engine) getEmail(ctx context.Context, orderID, emailID string) (*model.EmailCommunication, error) {
	m, err := e.store.GetEmail(ctx, emailID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: get email %s", emailID)
	}
	if m.OrderID != orderID {
		return nil, eris.Wrapf(store.ErrNotFound, "email %s on order %s", emailID, orderID)
	}
	return m, nil
}

// GenerateEmail drafts a correspondence email from the latest validation.
func (e *Engine) GenerateEmail(ctx context.Context, orderID string) (*model.EmailCommunication, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	if o.LatestValidation == nil {
		return nil, eris.Wrapf(ErrNoValidation, "order %s", orderID)
	}
	m, err := e.composer.Compose(*o, *o.LatestValidation)
	if err != nil {
		return nil, err
	}
	if err := e.store.InTx(ctx, func(r store.Repo) error {
		return e.saveDraft(ctx, r, m, model.CategoryCommunication)
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// GenerateCustomEmail drafts a free-form email about the order.
func (e *Engine) GenerateCustomEmail(ctx context.Context, orderID, subject, body string) (*model.EmailCommunication, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	m, err := e.composer.ComposeCustom(*o, subject, body)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidInput, "%v", err)
	}
	if err := e.store.InTx(ctx, func(r store.Repo) error {
		return e.saveDraft(ctx, r, m, model.CategoryCommunication)
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// EmailEdit changes a draft before it is approved. Empty fields are kept.
type EmailEdit struct {
	Subject   string `json:"subject,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content,omitempty"`
}

// EditEmail updates a draft email.
func (e *Engine) EditEmail(ctx context.Context, orderID, emailID string, edit EmailEdit) (*model.EmailCommunication, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := e.getEmail(ctx, orderID, emailID)
	if err != nil {
		return nil, err
	}
	if !m.Editable() {
		return nil, eris.Wrapf(ErrEmailState, "email %s is %s", emailID, m.Status)
	}
	if edit.Subject != "" {
		m.Subject = edit.Subject
	}
	if edit.Recipient != "" {
		m.Recipient = edit.Recipient
	}
	if edit.Content != "" {
		m.Content = edit.Content
	}
	m.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateEmail(ctx, m); err != nil {
		return nil, eris.Wrapf(err, "engine: update email %s", emailID)
	}
	return m, nil
}

// ApproveEmail claims a draft for sending by moving it to pending under the
// order lock, then sends it. The lock is released while the transport is
// called; a pending email belongs to the send in flight. A dispatch failure is recorded on the
// email and raises a manual intervention action; it is not returned as an
// error.
func (e *Engine) ApproveEmail(ctx context.Context, orderID, emailID string) (*model.EmailCommunication, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	m, err := e.getEmail(ctx, orderID, emailID)
	if err != nil {
		release()
		return nil, err
	}
	if m.Status != model.EmailDraft {
		release()
		return nil, eris.Wrapf(ErrEmailState, "email %s is %s, not draft", emailID, m.Status)
	}
	err = e.store.InTx(ctx, func(r store.Repo) error {
		m.Status = model.EmailPending
		m.UpdatedAt = e.now().UTC()
		if err := r.UpdateEmail(ctx, m); err != nil {
			return eris.Wrapf(err, "engine: update email %s", emailID)
		}
		actions, err := r.ListUserActions(ctx, orderID)
		if err != nil {
			return eris.Wrapf(err, "engine: list actions of %s", orderID)
		}
		for i := range actions {
			a := &actions[i]
			if a.Type == model.ActionApproveEmail && a.Status.Open() && a.CurrentData.EmailID == emailID {
				if err := e.resolveAction(ctx, r, a, model.ActionCompleted, "email approved"); err != nil {
					return err
				}
			}
		}
		return nil
	})
	release()
	if err != nil {
		return nil, err
	}
	return e.send(ctx, m)
}

// ResendEmail sends a failed or bounced email again. A pending email is
// already being sent and is rejected; one left pending by a crashed send is
// picked up by RedispatchStaleEmails.
func (e *Engine) ResendEmail(ctx context.Context, orderID, emailID string) (*model.EmailCommunication, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	m, err := e.getEmail(ctx, orderID, emailID)
	if err == nil {
		switch m.Status {
		case model.EmailFailed, model.EmailBounced:
			m.Status = model.EmailPending
			m.UpdatedAt = e.now().UTC()
			err = eris.Wrapf(e.store.UpdateEmail(ctx, m), "engine: update email %s", emailID)
		default:
			err = eris.Wrapf(ErrEmailState, "email %s is %s", emailID, m.Status)
		}
	}
	release()
	if err != nil {
		return nil, err
	}
	return e.send(ctx, m)
}

// send dispatches a pending email outside the order lock and records the
// outcome under it.
func (e *Engine) send(ctx context.Context, m *model.EmailCommunication) (*model.EmailCommunication, error) {
	out := e.mail.Dispatch(ctx, *m)
	e.metrics.email(ctx, m.Type, out.Sent())

	release, err := e.wait(context.WithoutCancel(ctx), m.OrderID)
	if err != nil {
		return nil, err
	}
	defer release()

	var saved *model.EmailCommunication
	err = e.store.InTx(ctx, func(r store.Repo) error {
		cur, err := r.GetEmail(ctx, m.ID)
		if err != nil {
			return eris.Wrapf(err, "engine: get email %s", m.ID)
		}
		now := e.now().UTC()
		cur.Attempts += out.Attempts
		cur.UpdatedAt = now
		if out.Sent() {
			cur.Status = model.EmailSent
			cur.SentAt = &now
			cur.Delivery = out.Delivery
			cur.LastError = ""
			if err := r.UpdateEmail(ctx, cur); err != nil {
				return eris.Wrapf(err, "engine: update email %s", m.ID)
			}
			_, err := e.ledger.Append(ctx, r, cur.OrderID, ledger.EmailSent, model.CategoryCommunication,
				fmt.Sprintf("sent %s email to %s", cur.Type, cur.Recipient), emailDetails(cur, ""))
			saved = cur
			return err
		}

		msg := out.Err.Error()
		cur.Status = model.EmailFailed
		cur.LastError = msg
		if err := r.UpdateEmail(ctx, cur); err != nil {
			return eris.Wrapf(err, "engine: update email %s", m.ID)
		}
		if _, err := e.ledger.Append(ctx, r, cur.OrderID, ledger.EmailSendFailed, model.CategoryCommunication,
			msg, emailDetails(cur, msg)); err != nil {
			return err
		}
		o, err := e.getOrder(ctx, r, cur.OrderID)
		if err != nil {
			return err
		}
		saved = cur
		_, err = e.raiseAction(ctx, r, o, "", model.CategoryCommunication, model.ActionSpec{
			Type:        model.ActionManualIntervention,
			Priority:    model.PriorityHigh,
			Title:       fmt.Sprintf("Email for order %s could not be sent", orderLabel(o)),
			Description: fmt.Sprintf("Delivery failed after %d attempt(s): %s", out.Attempts, msg),
			Data:        model.ActionData{EmailID: cur.ID, Error: msg},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !out.Sent() {
		zap.L().Warn("engine: email dispatch failed",
			zap.String("order_id", m.OrderID),
			zap.String("email_id", m.ID),
			zap.Int("attempts", out.Attempts),
			zap.Error(out.Err),
		)
	}
	return saved, nil
}

// RecordEmailResponse records a reply or a bounce for a sent email.
func (e *Engine) RecordEmailResponse(ctx context.Context, orderID, emailID string, resp EmailResponse) (*model.EmailCommunication, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := e.getEmail(ctx, orderID, emailID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.EmailSent {
		return nil, eris.Wrapf(ErrEmailState, "email %s is %s, not sent", emailID, m.Status)
	}
	err = e.store.InTx(ctx, func(r store.Repo) error {
		now := e.now().UTC()
		m.UpdatedAt = now
		if resp.ProviderStatus != "" {
			m.Delivery.ProviderStatus = resp.ProviderStatus
		}
		if !resp.Bounced {
			m.ResponseReceivedAt = &now
			if err := r.UpdateEmail(ctx, m); err != nil {
				return eris.Wrapf(err, "engine: update email %s", emailID)
			}
			msg := "retailer replied"
			if resp.Note != "" {
				msg += ": " + resp.Note
			}
			_, err := e.ledger.Append(ctx, r, orderID, ledger.EmailResponse, model.CategoryCommunication, msg, emailDetails(m, ""))
			return err
		}

		m.Status = model.EmailBounced
		m.LastError = resp.Note
		if err := r.UpdateEmail(ctx, m); err != nil {
			return eris.Wrapf(err, "engine: update email %s", emailID)
		}
		if _, err := e.ledger.Append(ctx, r, orderID, ledger.EmailBounced, model.CategoryCommunication,
			"email bounced", emailDetails(m, resp.Note)); err != nil {
			return err
		}
		o, err := e.getOrder(ctx, r, orderID)
		if err != nil {
			return err
		}
		_, err = e.raiseAction(ctx, r, o, "", model.CategoryCommunication, model.ActionSpec{
			Type:        model.ActionManualIntervention,
			Priority:    model.PriorityHigh,
			Title:       fmt.Sprintf("Email for order %s bounced", orderLabel(o)),
			Description: "Check the retailer address and resend the email.",
			Data:        model.ActionData{EmailID: emailID, Error: resp.Note},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RedispatchStaleEmails resends emails left pending for longer than
// olderThan. Orders that are busy are skipped. It returns how many emails
// were sent.
func (e *Engine) RedispatchStaleEmails(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.now().UTC().Add(-olderThan)
	stale, err := e.store.ListEmailsByStatus(ctx, model.EmailPending, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "engine: list stale emails")
	}
	sent := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		m, err := e.reclaim(ctx, stale[i], cutoff)
		if err != nil {
			return sent, err
		}
		if m == nil {
			continue
		}
		saved, err := e.send(ctx, m)
		if err != nil {
			return sent, err
		}
		if saved.Status == model.EmailSent {
			sent++
		}
	}
	return sent, nil
}

// reclaim takes over a stale pending email under the order lock. It returns
// nil when the order is busy or the email moved on since it was listed.
func (e *Engine) reclaim(ctx context.Context, listed model.EmailCommunication, cutoff time.Time) (*model.EmailCommunication, error) {
	log := zap.L().With(zap.String("order_id", listed.OrderID), zap.String("email_id", listed.ID))
	release, err := e.acquire(ctx, listed.OrderID)
	if err != nil {
		log.Debug("engine: skip busy order")
		return nil, nil
	}
	defer release()

	m, err := e.getEmail(ctx, listed.OrderID, listed.ID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.EmailPending || !m.UpdatedAt.Before(cutoff) {
		log.Debug("engine: stale email already handled", zap.String("status", string(m.Status)))
		return nil, nil
	}
	m.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateEmail(ctx, m); err != nil {
		return nil, eris.Wrapf(err, "engine: update email %s", m.ID)
	}
	return m, nil
}
