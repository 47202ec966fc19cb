package utils

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

const snippetLength = 280

// MailboxConfig holds decrypted IMAP settings.
type MailboxConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Encryption string // SSL, TLS, STARTTLS, NONE
	Mailbox    string
	Timeout    time.Duration
}

// InboundMessage is the part of a received email the reconciler needs.
type InboundMessage struct {
	UID                uint32    `json:"uid"`
	MessageID          string    `json:"message_id"`
	InReplyTo          []string  `json:"in_reply_to"`
	References         []string  `json:"references"`
	OriginalMessageIDs []string  `json:"original_message_ids,omitempty"`
	From               string    `json:"from"`
	Subject            string    `json:"subject"`
	Snippet            string    `json:"snippet"`
	ReceivedAt         time.Time `json:"received_at"`
}

// CandidateIDs lists every message id the email may be answering.
func (m *InboundMessage) CandidateIDs() []string {
	ids := make([]string, 0, len(m.InReplyTo)+len(m.References)+len(m.OriginalMessageIDs))
	ids = append(ids, m.InReplyTo...)
	ids = append(ids, m.References...)
	ids = append(ids, m.OriginalMessageIDs...)
	return UniqueMessageIDs(ids...)
}

// Mailbox reads unseen messages from a sender inbox.
type Mailbox interface {
	FetchUnseen(ctx context.Context, limit int) ([]InboundMessage, error)
	MarkProcessed(ctx context.Context, uid uint32) error
	Close() error
}

type IMAPMailbox struct {
	client  *client.Client
	mailbox string
}

func DialIMAP(ctx context.Context, cfg MailboxConfig) (*IMAPMailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var (
		c   *client.Client
		err error
	)
	switch strings.ToUpper(cfg.Encryption) {
	case "SSL", "TLS":
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case "STARTTLS":
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = timeout

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}

	return &IMAPMailbox{client: c, mailbox: mailbox}, nil
}

// FetchUnseen returns up to limit unseen messages without setting \Seen.
func (mb *IMAPMailbox) FetchUnseen(ctx context.Context, limit int) ([]InboundMessage, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := mb.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- mb.client.UidFetch(seqset, items, messages)
	}()

	var out []InboundMessage
	var parseErr error
	for msg := range messages {
		inbound, err := inboundFromFetch(msg, section)
		if err != nil && parseErr == nil {
			parseErr = err
		}
		out = append(out, inbound)
	}

	if err := <-done; err != nil {
		return out, fmt.Errorf("error during fetch: %w", err)
	}
	return out, parseErr
}

// inboundFromFetch converts one fetched message. A message whose body is
// missing or unreadable still carries its UID, so it reconciles as ignored and
// gets marked processed instead of coming back on every poll.
// INTERNALDATE wins over the sender's Date header.
func inboundFromFetch(msg *imap.Message, section *imap.BodySectionName) (InboundMessage, error) {
	received := msg.InternalDate.UTC()
	fallback := InboundMessage{UID: msg.Uid, ReceivedAt: received}

	literal := msg.GetBody(section)
	if literal == nil {
		return fallback, fmt.Errorf("uid %d: message body missing", msg.Uid)
	}
	parsed, err := ParseInboundMessage(msg.Uid, literal)
	if parsed == nil {
		return fallback, fmt.Errorf("uid %d: %w", msg.Uid, err)
	}
	if !received.IsZero() {
		parsed.ReceivedAt = received
	}
	if err != nil {
		return *parsed, fmt.Errorf("uid %d: %w", msg.Uid, err)
	}
	return *parsed, nil
}

func (mb *IMAPMailbox) MarkProcessed(ctx context.Context, uid uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	return mb.client.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil)
}

func (mb *IMAPMailbox) Close() error {
	return mb.client.Logout()
}

// ParseInboundMessage reads the headers and a short text snippet from a raw
// RFC 822 message. Embedded message headers of delivery reports contribute
// their Message-ID to OriginalMessageIDs. ReceivedAt comes from the Date
// header here; fetched messages override it with INTERNALDATE.
func ParseInboundMessage(uid uint32, r io.Reader) (*InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to create message reader: %w", err)
	}

	h := mr.Header
	out := &InboundMessage{UID: uid}
	if id, err := h.MessageID(); err == nil {
		out.MessageID = id
	} else {
		out.MessageID = NormalizeMessageID(h.Get("Message-Id"))
	}
	out.InReplyTo = msgIDList(h, "In-Reply-To")
	out.References = msgIDList(h, "References")
	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
	} else {
		out.From = h.Get("From")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		out.ReceivedAt = date.UTC()
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return out, fmt.Errorf("failed to read next part: %w", err)
		}

		inline, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		switch {
		case contentType == "message/rfc822" || contentType == "text/rfc822-headers":
			embedded, err := textproto.ReadHeader(bufio.NewReader(p.Body))
			if err == nil {
				out.OriginalMessageIDs = append(out.OriginalMessageIDs, ParseMessageIDList(embedded.Get("Message-Id"))...)
			}
		case contentType == "text/plain" && out.Snippet == "":
			b, err := io.ReadAll(io.LimitReader(p.Body, 16*1024))
			if err != nil {
				return out, fmt.Errorf("failed to read body: %w", err)
			}
			out.Snippet = snippet(string(b))
		case contentType == "text/html" && out.Snippet == "":
			b, err := io.ReadAll(io.LimitReader(p.Body, 64*1024))
			if err != nil {
				return out, fmt.Errorf("failed to read body: %w", err)
			}
			out.Snippet = snippet(HTMLToText(string(b)))
		}
	}

	return out, nil
}

func msgIDList(h mail.Header, key string) []string {
	if ids, err := h.MsgIDList(key); err == nil {
		return ids
	}
	return ParseMessageIDList(h.Get(key))
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > snippetLength {
		return string(r[:snippetLength])
	}
	return text
}
