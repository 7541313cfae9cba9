package testutl

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Mail is one message handed to a Mailbox.
type Mail struct {
	To       string
	Subject  string
	Body     string
	PledgeID string
}

// Token extracts the token query parameter of the first link in the body.
func (m Mail) Token() string {
	link := linkPattern.FindString(m.Body)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}

var linkPattern = regexp.MustCompile(`https?://\S+`)

// Mailbox is a pledges.Notifier that records every message.
type Mailbox struct {
	mu      sync.Mutex
	mails   []Mail
	failing bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// SetFailing makes Send report failure without recording anything.
func (m *Mailbox) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

func (m *Mailbox) Send(ctx context.Context, to, subject, body, pledgeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return false
	}
	m.mails = append(m.mails, Mail{To: to, Subject: subject, Body: body, PledgeID: pledgeID})
	return true
}

func (m *Mailbox) All() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mail(nil), m.mails...)
}

// To returns the messages sent to address, oldest first.
func (m *Mailbox) To(address string) []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Mail
	for _, mail := range m.mails {
		if strings.EqualFold(mail.To, address) {
			out = append(out, mail)
		}
	}
	return out
}

// Last returns the newest message sent to address.
func (m *Mailbox) Last(address string) (Mail, bool) {
	mails := m.To(address)
	if len(mails) == 0 {
		return Mail{}, false
	}
	return mails[len(mails)-1], true
}

func (m *Mailbox) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mails = nil
}
