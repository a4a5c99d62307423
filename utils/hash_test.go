package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashStringsSeparatesParts(t *testing.T) {
	assert.NotEqual(t, HashStrings("ab", "c"), HashStrings("a", "bc"))
	assert.Equal(t, HashStrings("a", "b"), HashStrings("a", "b"))
	assert.Len(t, HashStrings("x"), 64)
}
