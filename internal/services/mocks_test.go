package services

import (
	"errors"
	"sync"
	"testing"

	"github.com/spf13/viper"
)

// setupSecretParams configures argon2 so hashSecret/verifySecret work in tests.
func setupSecretParams(t *testing.T) {
	t.Helper()
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 16*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
}

type sentMail struct {
	recipient string
	template  string
	payload   map[string]any
}

// recordingMailer captures deliveries; failFirst makes the first n sends fail.
type recordingMailer struct {
	mu        sync.Mutex
	sent      []sentMail
	failFirst int
	failures  int
}

func (m *recordingMailer) Send(recipient, template string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures < m.failFirst {
		m.failures++
		return errMailDown
	}
	m.sent = append(m.sent, sentMail{recipient: recipient, template: template, payload: payload})
	return nil
}

func (m *recordingMailer) deliveries() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMail, len(m.sent))
	copy(out, m.sent)
	return out
}

var errMailDown = errors.New("mail backend down")
