package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/$Jobs/sample/config", Join("$Jobs", "sample", "config"))
	assert.Equal(t, "/a/b", Join("/a/", "/b/"))

	assert.True(t, Under("/a/b", "/a"))
	assert.True(t, Under("/a", "/a/"))
	assert.False(t, Under("/ab", "/a"))

	assert.Equal(t, "sample", ChildOf("/$Jobs", "/$Jobs/sample/config/cron"))
	assert.Equal(t, "", ChildOf("/$Jobs", "/$Jobs"))
	assert.Equal(t, "cron", Base("/$Jobs/sample/config/cron"))
}
