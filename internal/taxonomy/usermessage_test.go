package taxonomy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMessage_PlainErrorPassesThrough(t *testing.T) {
	assert.Equal(t, "boom", UserMessage(errors.New("boom")))
	assert.Empty(t, UserMessage(nil))
}

func TestUserMessage_AttachedHintsRendered(t *testing.T) {
	err := New(CodeQueryFailed, "orchestrator", "query on %q failed", "t").
		WithTroubleshooting("check the table still exists", "retry the registration")

	msg := UserMessage(err)
	assert.Contains(t, msg, `query on "t" failed`)
	assert.Contains(t, msg, "- check the table still exists")
	assert.Contains(t, msg, "- retry the registration")
}

func TestUserMessage_DefaultHintsByCode(t *testing.T) {
	timeout := New(CodeDependencyTimeout, "registry", "dependency %q timed out", "columnar-runtime").
		WithDependency("columnar-runtime")
	msg := UserMessage(timeout)
	assert.Contains(t, msg, "(dependency: columnar-runtime)")
	assert.Contains(t, msg, "check your network connection")

	cors := New(CodeCORSError, "httpfetch", "host blocked")
	assert.Contains(t, UserMessage(cors), "configure a proxy endpoint")
}

func TestUserMessage_UnwrapsThroughWrapping(t *testing.T) {
	inner := New(CodeProxyFailed, "proxy", "no healthy proxy endpoint")
	wrapped := fmt.Errorf("fetch failed: %w", inner)
	assert.Contains(t, UserMessage(wrapped), "proxy endpoint")
}
