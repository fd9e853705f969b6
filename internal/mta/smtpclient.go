package mta

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"time"
)

// smtpClient is the concrete net/smtp-backed implementation of Client. Each
// Exec* method drives exactly one protocol step and turns a non-success
// reply into a StepOutcome instead of returning an error up the stack, per
// the dispatch loop's "no control-flow exceptions" contract.
type smtpClient struct {
	conn      net.Conn
	smtp      *smtp.Client
	sourceIP  string
	host      string
	helloName string
}

// dialTimeout bounds the initial TCP connect. The Exec* methods do not use
// their context and no connection deadline is set, so a protocol step waits
// as long as the peer and the network stack allow.
const dialTimeout = 30 * time.Second

// dialSMTP opens a new SMTP connection from sourceIP to host:port, upgrading
// to TLS via STARTTLS when the peer advertises it. It performs no protocol
// steps beyond HELO/EHLO negotiation needed to learn extensions.
func dialSMTP(ctx context.Context, sourceIP, host string, port int, helloName string) (*smtpClient, error) {
	localAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(sourceIP, "0"))
	if err != nil {
		return nil, fmt.Errorf("resolve source ip %s: %w", sourceIP, err)
	}

	dialer := net.Dialer{Timeout: dialTimeout, LocalAddr: localAddr}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s from %s: %w", addr, sourceIP, err)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake with %s: %w", host, err)
	}

	if err := c.Hello(helloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("hello to %s: %w", host, err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: host}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("starttls with %s: %w", host, err)
		}
	}

	return &smtpClient{
		conn:      conn,
		smtp:      c,
		sourceIP:  sourceIP,
		host:      host,
		helloName: helloName,
	}, nil
}

func (c *smtpClient) SourceIP() string { return c.sourceIP }
func (c *smtpClient) Host() string     { return c.host }

// ExecHeloOrRset resets the session state on a reused connection. A freshly
// dialed connection has already said hello in dialSMTP, so this issues RSET
// to re-synchronize before a new transaction.
func (c *smtpClient) ExecHeloOrRset(ctx context.Context) StepOutcome {
	if err := c.smtp.Reset(); err != nil {
		return outcomeFor(err)
	}
	return stepOK()
}

// ExecMailFrom issues MAIL FROM.
func (c *smtpClient) ExecMailFrom(ctx context.Context, addr string) StepOutcome {
	if err := c.smtp.Mail(addr); err != nil {
		return outcomeFor(err)
	}
	return stepOK()
}

// ExecRcptTo issues RCPT TO.
func (c *smtpClient) ExecRcptTo(ctx context.Context, addr string) StepOutcome {
	if err := c.smtp.Rcpt(addr); err != nil {
		return outcomeFor(err)
	}
	return stepOK()
}

// ExecData issues DATA and writes the raw RFC-822 payload.
func (c *smtpClient) ExecData(ctx context.Context, raw []byte) StepOutcome {
	w, err := c.smtp.Data()
	if err != nil {
		return outcomeFor(err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return outcomeFor(err)
	}
	if err := w.Close(); err != nil {
		return outcomeFor(err)
	}
	return stepOK()
}

// quit sends QUIT and closes the underlying connection; used when the pool
// discards a client rather than leasing it again.
func (c *smtpClient) quit() {
	_ = c.smtp.Quit()
}

func (c *smtpClient) close() {
	_ = c.smtp.Close()
}

// outcomeFor classifies a step's error: a *textproto.Error carries a
// verbatim peer reply, anything else (connection reset, read timeout) is a
// transport-level break with no peer reply to classify.
func outcomeFor(err error) StepOutcome {
	if tpErr, ok := err.(*textproto.Error); ok {
		return stepFailed(fmt.Sprintf("%d %s", tpErr.Code, tpErr.Msg))
	}
	return stepTransportFailed()
}
