package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The status lattice is strict: sent < delivered < read, and a transition is
// an upgrade only when the new rank is higher. UpsertMessageStatus applies
// the same ordering in SQL via array_position.
func TestStatusLatticeOrdering(t *testing.T) {
	require.Less(t, statusRank(StatusSent), statusRank(StatusDelivered))
	require.Less(t, statusRank(StatusDelivered), statusRank(StatusRead))
	assert.Equal(t, -1, statusRank("seen"))
	assert.Equal(t, -1, statusRank(""))

	tests := []struct {
		from, to string
		upgrade  bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusRead, true},
		{StatusDelivered, StatusRead, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusDelivered, false},
		{StatusRead, StatusSent, false},
		{StatusSent, StatusSent, false},
		{StatusRead, StatusRead, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.upgrade, statusRank(tt.from) < statusRank(tt.to))
		})
	}
}

// The SQL guard must rank statuses in the same order as statusRank.
func TestStatusLatticeMatchesSQLGuard(t *testing.T) {
	ordered := []string{StatusSent, StatusDelivered, StatusRead}
	for i, status := range ordered {
		assert.Equal(t, i, statusRank(status))
	}
}
