package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateToken(t *testing.T) {
	assert := assert.New(t)

	a, err := GenerateToken(48)
	assert.NoError(err)
	assert.Len(a, 96)

	b, err := GenerateToken(48)
	assert.NoError(err)
	assert.NotEqual(a, b)
}

func TestIsSafeRedirectPath(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsSafeRedirectPath("/"))
	assert.True(IsSafeRedirectPath("/anime/list?status=watching"))

	assert.False(IsSafeRedirectPath(""))
	assert.False(IsSafeRedirectPath("anime"))
	assert.False(IsSafeRedirectPath("//evil.example"))
	assert.False(IsSafeRedirectPath("/\\evil.example"))
	assert.False(IsSafeRedirectPath("https://evil.example/"))
	assert.False(IsSafeRedirectPath("/foo\r\nSet-Cookie: a=b"))
}
