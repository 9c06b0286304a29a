package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentConfig_FirstMessageTextPrefersFirstMessage(t *testing.T) {
	cfg := AgentConfig{FirstMessage: "Hi, this is Acme.", GreetingMessage: "Hello!"}
	assert.Equal(t, "Hi, this is Acme.", cfg.firstMessageText())
}

func TestAgentConfig_FirstMessageTextFallsBackToGreeting(t *testing.T) {
	cfg := AgentConfig{GreetingMessage: "Hello!"}
	assert.Equal(t, "Hello!", cfg.firstMessageText())
}

func TestAgentConfig_FirstMessageTextEmptyWhenBothUnset(t *testing.T) {
	assert.Empty(t, AgentConfig{}.firstMessageText())
}
