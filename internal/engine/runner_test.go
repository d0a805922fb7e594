package engine

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportProgress(t *testing.T) {
	tests := []struct {
		name     string
		total    float64
		line     string
		want     float64
		expected bool
	}{
		{
			name:     "halfway",
			total:    30,
			line:     "out_time_ms=15000000",
			want:     50,
			expected: true,
		},
		{
			name:     "clamped to 100",
			total:    10,
			line:     "out_time_ms=99000000",
			want:     100,
			expected: true,
		},
		{
			name:     "zero total reports zero",
			total:    0,
			line:     "out_time_ms=5000000",
			want:     0,
			expected: true,
		},
		{
			name:     "non-progress line ignored",
			total:    30,
			line:     "frame=  240 fps= 30",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			var got float64
			reportProgress(tt.total, tt.line, func(p float64) {
				called = true
				got = p
			})
			assert.Equal(t, tt.expected, called)
			if tt.expected {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	tail := newTailBuffer(100)
	for i := 0; i < 150; i++ {
		tail.append(fmt.Sprintf("line %d", i))
	}

	lines := tail.lines()
	require.Len(t, lines, 100)
	assert.Equal(t, "line 50", lines[0])
	assert.Equal(t, "line 149", lines[99])
}

func TestEngineErrorMessage(t *testing.T) {
	err := &EngineError{ExitCode: 1, Stderr: "boom"}
	assert.Contains(t, err.Error(), "code 1")
	assert.Contains(t, err.Error(), "boom")
}

// The runner always appends its progress flags, so the tests drive it with
// "sh -c <script>": the extra arguments land in the script's positional
// parameters and are ignored.

func TestRunStreamsStdout(t *testing.T) {
	r := NewRunner("sh", nil)

	stream, err := r.Run(context.Background(), []string{"-c", "printf abcdef"}, RunOptions{
		TotalDuration: 10,
	})
	require.NoError(t, err)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, "abcdef", string(data))
}

func TestRunNonZeroExitCarriesStderrTail(t *testing.T) {
	r := NewRunner("sh", nil)

	script := "i=0; while [ $i -lt 150 ]; do echo line-$i >&2; i=$((i+1)); done; exit 1"
	stream, err := r.Run(context.Background(), []string{"-c", script}, RunOptions{
		TotalDuration: 10,
	})
	require.NoError(t, err)

	_, err = io.ReadAll(stream)
	require.Error(t, err)

	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, 1, engineErr.ExitCode)
	// Only the last 100 of 150 lines survive.
	assert.NotContains(t, engineErr.Stderr, "line-49\n")
	assert.Contains(t, engineErr.Stderr, "line-50")
	assert.Contains(t, engineErr.Stderr, "line-149")
}

func TestRunInvokesProgressCallback(t *testing.T) {
	r := NewRunner("sh", nil)

	script := "echo out_time_ms=15000000 >&2"
	var got []float64
	stream, err := r.Run(context.Background(), []string{"-c", script}, RunOptions{
		TotalDuration: 30,
		Progress:      func(p float64) { got = append(got, p) },
	})
	require.NoError(t, err)

	_, err = io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	require.Len(t, got, 1)
	assert.InDelta(t, 50, got[0], 1e-9)
}

func TestRunWritesStdin(t *testing.T) {
	r := NewRunner("sh", nil)

	stream, err := r.Run(context.Background(), []string{"-c", "cat"}, RunOptions{
		TotalDuration: 1,
		Stdin:         []byte("file 'a.mp4'\nfile 'b.mp4'\n"),
	})
	require.NoError(t, err)

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, "file 'a.mp4'\nfile 'b.mp4'\n", string(data))
}

func TestRunOnCompleteFiresOnSuccess(t *testing.T) {
	r := NewRunner("sh", nil)

	completed := false
	stream, err := r.Run(context.Background(), []string{"-c", "true"}, RunOptions{
		TotalDuration: 1,
		OnComplete: func(result ExecutionResult) {
			completed = true
			assert.False(t, result.EndTime.Before(result.StartTime))
		},
	})
	require.NoError(t, err)

	_, err = io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.True(t, completed)
}

func TestRunCancellationKillsChild(t *testing.T) {
	r := NewRunner("sh", nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := r.Run(ctx, []string{"-c", "sleep 30"}, RunOptions{
		TotalDuration: 1,
	})
	require.NoError(t, err)

	cancel()
	_, _ = io.ReadAll(stream)
	// Close must not hang once the context is cancelled.
	_ = stream.Close()
}
