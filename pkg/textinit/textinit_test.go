package textinit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEncoder struct {
	width int
	calls int
	fail  bool
}

func (f *fakeEncoder) Encode(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("service unavailable")
	}
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = make([]float32, f.width)
		out[i][0] = float32(len(s))
	}
	return out, nil
}

func TestReadNames(t *testing.T) {
	names, err := ReadNames(strings.NewReader("1\t/film/film/genre\n0\tbarack_obama\n"), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"barack obama", "film film genre"}, names)

	_, err = ReadNames(strings.NewReader("0\ta\n"), 2)
	assert.Error(t, err)

	_, err = ReadNames(strings.NewReader("7\ta\n"), 2)
	assert.Error(t, err)
}

func TestBuildBatchesAndKeepsOrder(t *testing.T) {
	enc := &fakeEncoder{width: 3}
	arr, err := Build(context.Background(), enc, []string{"a", "bb", "ccc", "dddd", "eeeee"}, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, 3, enc.calls)
	assert.Equal(t, 5, arr.Rows)
	assert.Equal(t, 3, arr.Cols)
	for i := 0; i < 5; i++ {
		assert.Equal(t, float64(i+1), arr.Row(i)[0])
	}
}

func TestBuildPropagatesErrors(t *testing.T) {
	_, err := Build(context.Background(), &fakeEncoder{width: 2, fail: true}, []string{"a"}, 8, nil)
	assert.Error(t, err)

	_, err = Build(context.Background(), &fakeEncoder{width: 2}, nil, 8, nil)
	assert.Error(t, err)
}
