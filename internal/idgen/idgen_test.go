package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
	assert.True(t, Valid(a))
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("evt_")
	assert.True(t, strings.HasPrefix(id, "evt_"))
	assert.Len(t, id, len("evt_")+32)
	assert.NotContains(t, id, "-")
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-a-uuid"))
	assert.True(t, Valid("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
}
