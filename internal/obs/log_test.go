package obs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithInstance_setsField(t *testing.T) {
	entry := WithInstance(42)
	require.Equal(t, uint64(42), entry.Data["instance_id"])
}
