//go:build unix

package supervise

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExec(t *testing.T) {
	out, err := Exec(context.Background(), shCommand(`echo killed; echo warn >&2`), 0)
	require.NoError(t, err)
	assert.Contains(t, out, "killed")
	assert.Contains(t, out, "warn")

	out, err = Exec(context.Background(), shCommand(`echo "No such container" >&2; exit 1`), 0)
	require.Error(t, err)
	assert.Equal(t, "No such container", out)
}

func TestExec_Timeout(t *testing.T) {
	start := time.Now()
	_, err := Exec(context.Background(), shCommand(`sleep 10`), 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
