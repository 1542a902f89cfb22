package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"demo", "demo"},
		{"owner/repo", "owner_repo"},
		{"a b:c", "a_b_c"},
		{"UPPER-case_1.2", "UPPER-case_1.2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeID(tt.in))
	}
}

func TestLockForIsStablePerTarget(t *testing.T) {
	r := NewGitReader(t.TempDir(), "x-access-token", "GIT_TOKEN")

	a := r.lockFor("t1")
	b := r.lockFor("t1")
	c := r.lockFor("t2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
