// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package notify delivers stale-deployment reminders to deployment
// owners. SMTP when configured, structured log lines otherwise.
package notify

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/ioos/glider-dac-sub000/pkg/logging"
	"github.com/ioos/glider-dac-sub000/services/dac/config"
)

// Notifier tells a deployment owner their open deployment has gone
// quiet.
type Notifier interface {
	StaleDeployment(owner, name string, updated time.Time) error
}

// AddressResolver maps an owner account to an e-mail address. The
// second return is false when no address is known.
type AddressResolver func(owner string) (string, bool)

// LiteralAddresses treats owners that already look like e-mail
// addresses as their own address. The default resolver.
func LiteralAddresses(owner string) (string, bool) {
	return owner, strings.Contains(owner, "@")
}

// New picks an implementation: SMTP when the config names a host and
// sender, a log-only notifier otherwise.
func New(cfg config.SMTP, resolve AddressResolver, log *logging.Logger) Notifier {
	if log == nil {
		log = logging.Default()
	}
	if resolve == nil {
		resolve = LiteralAddresses
	}
	if !cfg.Enabled() {
		return &LogNotifier{log: log}
	}
	return &SMTPNotifier{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		resolve: resolve,
		log:     log,
	}
}

// SMTPNotifier sends reminders through a configured relay.
type SMTPNotifier struct {
	dialer  *gomail.Dialer
	from    string
	resolve AddressResolver
	log     *logging.Logger
}

func (n *SMTPNotifier) StaleDeployment(owner, name string, updated time.Time) error {
	to, ok := n.resolve(owner)
	if !ok {
		n.log.Warn("no address for owner, reminder dropped",
			"owner", owner, "deployment", name)
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", fmt.Sprintf("Glider deployment %s has no recent updates", name))
	m.SetBody("text/plain", staleBody(owner, name, updated))

	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send reminder for %s: %w", name, err)
	}
	n.log.Info("stale reminder sent", "owner", owner, "deployment", name, "to", to)
	return nil
}

// LogNotifier records the reminder instead of mailing it. Used when
// no SMTP relay is configured, and in tests.
type LogNotifier struct {
	log *logging.Logger
}

func (n *LogNotifier) StaleDeployment(owner, name string, updated time.Time) error {
	n.log.Warn("deployment stale, no SMTP relay configured",
		"owner", owner, "deployment", name, "updated", updated.Format(time.RFC3339))
	return nil
}

func staleBody(owner, name string, updated time.Time) string {
	return fmt.Sprintf(
		"Deployment %s (owner %s) has received no updates since %s.\n\n"+
			"If the deployment has ended, please mark it completed. Open\n"+
			"deployments with no activity for 90 days are completed\n"+
			"automatically.\n",
		name, owner, updated.Format("2006-01-02"))
}
