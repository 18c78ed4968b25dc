package clientctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHasAccessToTags_ORSemantics(t *testing.T) {
	c := New("user", []string{"private"}, time.Now())
	assert.True(t, c.HasAccessToTags([]string{"private", "calendars"}))
	assert.False(t, c.HasAccessToTags([]string{"public", "calendars"}))
}

func TestHasAccessToTags_WildcardOverridesEverything(t *testing.T) {
	c := New("admin", []string{Wildcard}, time.Now())
	assert.True(t, c.HasAccessToTags([]string{"anything"}))
	assert.True(t, c.HasAccessToTags([]string{}))
}

func TestHasAccessToTags_EmptyRequiredTagsDeniesNonWildcard(t *testing.T) {
	c := New("user", []string{"some-tag"}, time.Now())
	assert.False(t, c.HasAccessToTags([]string{}))
}

func TestHasAccessToTags_NilContextDenies(t *testing.T) {
	var c *Context
	assert.False(t, c.HasAccessToTags([]string{"x"}))
}

func TestHasWildcard(t *testing.T) {
	assert.True(t, New("a", []string{"x", Wildcard}, time.Now()).HasWildcard())
	assert.False(t, New("a", []string{"x"}, time.Now()).HasWildcard())
}

func TestNew_CopiesAllowedTagsDefensively(t *testing.T) {
	tags := []string{"a", "b"}
	c := New("user", tags, time.Now())
	tags[0] = "mutated"
	assert.Equal(t, "a", c.AllowedTags[0])
}
