package notify

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mardigiorgio/PiGuard/internal/config"
)

type sentMail struct {
	from string
	to   []string
	msg  string
}

func newTestEmail(t *testing.T, cfg config.EmailConfig) (*EmailNotifier, *[]sentMail) {
	t.Helper()
	n, err := NewEmailNotifier(cfg, nil)
	require.NoError(t, err)
	n.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	var mu sync.Mutex
	var sent []sentMail
	n.send = func(_ context.Context, from string, to []string, msg []byte) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, sentMail{from: from, to: to, msg: string(msg)})
		return nil
	}
	return n, &sent
}

func emailConfig() config.EmailConfig {
	cfg := config.DefaultConfig().Alerts.Email
	cfg.From = "PiGuard <alerts@example.com>"
	cfg.To = []string{"ops@example.com", "oncall@example.com"}
	return cfg
}

func TestEmailNotifier_Message(t *testing.T) {
	n, sent := newTestEmail(t, emailConfig())
	assert.Equal(t, "email", n.Name())

	require.NoError(t, n.Notify(context.Background(), testAlert()))
	require.Len(t, *sent, 1)

	m := (*sent)[0]
	assert.Equal(t, "alerts@example.com", m.from, "the envelope sender is the bare address")
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, m.to)
	assert.Contains(t, m.msg, "Subject: [PiGuard] rogue_ap warn\r\n")
	assert.Contains(t, m.msg, "To: ops@example.com, oncall@example.com\r\n")
	assert.Contains(t, m.msg, `From: "PiGuard" <alerts@example.com>`+"\r\n")
	assert.Contains(t, m.msg, "Date: Sat, 01 Mar 2025 12:00:00 +0000\r\n")
	assert.True(t, strings.HasSuffix(m.msg, "\r\n\r\n"+FormatLine(testAlert())+"\r\n"))
}

func TestEmailNotifier_RejectsBadSender(t *testing.T) {
	cfg := emailConfig()
	cfg.From = "not an address"
	_, err := NewEmailNotifier(cfg, nil)
	require.Error(t, err)
}

func TestEmailNotifier_ErrorsAreWrapped(t *testing.T) {
	n, _ := newTestEmail(t, emailConfig())
	cause := errors.New("421 try again later")
	n.send = func(context.Context, string, []string, []byte) error { return cause }

	err := n.Notify(context.Background(), testAlert())
	require.ErrorIs(t, err, cause)
	assert.True(t, strings.HasPrefix(err.Error(), "email: "))
}

// plainSMTP answers the greeting and EHLO without offering STARTTLS and
// records every command it receives.
func plainSMTP(t *testing.T) (string, int, func() []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var cmds []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		_, _ = conn.Write([]byte("220 localhost ESMTP\r\n"))
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			mu.Lock()
			cmds = append(cmds, strings.TrimSpace(line))
			mu.Unlock()
			switch verb := strings.ToUpper(strings.Fields(line + " x")[0]); verb {
			case "EHLO":
				_, _ = conn.Write([]byte("250-localhost\r\n250 8BITMIME\r\n"))
			case "QUIT":
				_, _ = conn.Write([]byte("221 bye\r\n"))
				return
			default:
				_, _ = conn.Write([]byte("250 ok\r\n"))
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() []string {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), cmds...)
	}
}

func TestEmailNotifier_RefusesServerWithoutStartTLS(t *testing.T) {
	host, port, commands := plainSMTP(t)
	cfg := emailConfig()
	cfg.SMTPHost = host
	cfg.SMTPPort = port
	cfg.Username = "alerts"
	cfg.Password = "hunter2"

	n, err := NewEmailNotifier(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = n.Notify(ctx, testAlert())
	require.ErrorIs(t, err, ErrNoStartTLS)

	got := commands()
	require.NotEmpty(t, got)
	assert.True(t, strings.HasPrefix(got[0], "EHLO"))
	for _, c := range got {
		assert.NotContains(t, c, "AUTH", "credentials never go out in the clear")
		assert.NotContains(t, c, "MAIL FROM")
	}
}
