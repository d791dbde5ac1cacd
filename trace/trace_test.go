package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracer_MergesClocks(t *testing.T) {
	dir := t.TempDir()
	consumer := NewTracer(TracerConf{Process: "consumer", Path: filepath.Join(dir, "consumer")})
	publisher := NewTracer(TracerConf{Process: "publisher", Path: filepath.Join(dir, "publisher")})

	consumer.Event("agreement %s created", "0x01")
	buf := consumer.Send("initialize", "0x01")
	require.NotEmpty(t, buf)

	var got string
	publisher.Receive("initialize", buf, &got)
	require.Equal(t, "0x01", got)
	publisher.Event("agreement %s executed", got)
	consumer.Flush()
	publisher.Flush()

	raw, err := os.ReadFile(filepath.Join(dir, "publisher-Log.txt"))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), "consumer"))
	require.True(t, strings.Contains(string(raw), "executed"))
}

func TestTracer_NilIsNoop(t *testing.T) {
	var tr *Tracer
	tr.Event("ignored")
	require.Nil(t, tr.Send("x", 1))
	tr.Receive("x", []byte{1}, nil)
	tr.Flush()
}
