package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePorcelainStatusClassifiesEntries(t *testing.T) {
	output := " M modified.go\nA  added.go\n D deleted.go\nR  renamed.go -> new.go\n?? untracked.go"
	statuses := ParsePorcelainStatus(output)
	require := map[string]FileStatus{}
	for _, s := range statuses {
		require[s.Path] = s
	}

	assert.Equal(t, StatusModified, require["modified.go"].Status)
	assert.False(t, require["modified.go"].Staged)

	assert.Equal(t, StatusAdded, require["added.go"].Status)
	assert.True(t, require["added.go"].Staged)

	assert.Equal(t, StatusDeleted, require["deleted.go"].Status)
	assert.False(t, require["deleted.go"].Staged)

	assert.Equal(t, StatusUntracked, require["untracked.go"].Status)
	assert.False(t, require["untracked.go"].Staged)
}

func TestIsDirtyMatchesFileListEmptiness(t *testing.T) {
	assert.False(t, IsDirty(nil))
	assert.True(t, IsDirty([]FileStatus{{Path: "a"}}))
}
