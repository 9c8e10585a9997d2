package crmsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// upsertContact applies the contact synchronization policy: create when the
// CRM has no record for the email, and update an existing record only when
// the tenant opted in with sendName. Once a human has edited the contact on
// the CRM side, a sendName=false tenant treats the CRM as the source of
// truth for contact details. Returns the contact's email, the key every
// downstream tag operation uses.
func (e *Engine) upsertContact(ctx context.Context, crm CRMClient, conn *Connection, contact Contact) (string, error) {
	email := strings.TrimSpace(contact.Email)
	if email == "" {
		return "", fmt.Errorf("%w: contact email is empty", ErrInvalidInput)
	}
	contact.Email = email

	existing, err := crm.FindContactByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		if err := crm.CreateContact(ctx, contact); err != nil {
			return "", err
		}
		return email, nil
	}
	if err != nil {
		return "", err
	}
	if conn.SendName {
		if err := crm.UpdateContact(ctx, contact); err != nil {
			return "", err
		}
	} else {
		e.logger.Debug("contact exists and sendName is off, leaving CRM record untouched",
			zap.String("networkId", conn.NetworkID),
			zap.String("email", existing.Email))
	}
	return email, nil
}

// ensureContact creates the contact when absent and never updates it.
// Membership synchronization only needs the contact to exist.
func (e *Engine) ensureContact(ctx context.Context, crm CRMClient, contact Contact) (string, error) {
	email := strings.TrimSpace(contact.Email)
	if email == "" {
		return "", fmt.Errorf("%w: contact email is empty", ErrInvalidInput)
	}
	contact.Email = email

	_, err := crm.FindContactByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		if err := crm.CreateContact(ctx, contact); err != nil {
			return "", err
		}
		return email, nil
	}
	if err != nil {
		return "", err
	}
	return email, nil
}

// syncMember handles member.verified / member.updated events.
func (e *Engine) syncMember(ctx context.Context, crm CRMClient, conn *Connection, member Member) error {
	if strings.TrimSpace(member.Email) == "" {
		e.logger.Info("member event without email, dropping",
			zap.String("networkId", conn.NetworkID),
			zap.String("memberId", member.ID))
		return nil
	}
	_, err := e.upsertContact(ctx, crm, conn, Contact{Email: member.Email, Name: member.Name})
	return err
}
