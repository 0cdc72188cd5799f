package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) Broadcast(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func Test_pipe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   io.Reader
		chunk   int
		want    []string
		wantErr assert.ErrorAssertionFunc
	}{
		{
			name:    "split into chunks",
			input:   strings.NewReader("abcdefg"),
			chunk:   3,
			want:    []string{"abc", "def", "g"},
			wantErr: assert.NoError,
		},
		{
			name:    "empty input",
			input:   strings.NewReader(""),
			chunk:   3,
			want:    nil,
			wantErr: assert.NoError,
		},
		{
			name:    "one byte reads",
			input:   iotest.OneByteReader(strings.NewReader("hey")),
			chunk:   16,
			want:    []string{"h", "e", "y"},
			wantErr: assert.NoError,
		},
		{
			name:    "read error after data",
			input:   io.MultiReader(strings.NewReader("ok"), iotest.ErrReader(errors.New("device gone"))),
			chunk:   16,
			want:    []string{"ok"},
			wantErr: assert.Error,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var rec recorder
			err := pipe(context.Background(), tt.input, &rec, tt.chunk)
			tt.wantErr(t, err)
			assert.Equal(t, tt.want, rec.all())
		})
	}
}

func Test_pipe_Cancel(t *testing.T) {
	t.Parallel()

	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())

	var rec recorder
	errs := make(chan error, 1)
	go func() {
		errs <- pipe(ctx, r, &rec, 16)
	}()

	_, err := w.Write([]byte("live"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.all()) == 1
	}, time.Second, time.Millisecond)

	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pipe did not return after cancel")
	}
	assert.Equal(t, []string{"live"}, rec.all())
}
