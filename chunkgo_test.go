package chunkgo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	location string
}

func (s *stubSource) Chunk(context.Context, Range) (*Chunk, error)      { return nil, nil }
func (s *stubSource) Chunks(context.Context, []Range) ([]*Chunk, error) { return nil, nil }
func (s *stubSource) Close() error                                      { return nil }
func (s *stubSource) Stats() Stats                                      { return Stats{} }

func TestRegisterAndOpen(t *testing.T) {
	Register("stub", func(_ context.Context, location string, _ ...Option) (Source, error) {
		return &stubSource{location: location}, nil
	})

	src, err := Open(context.Background(), "stub://host/some/object")
	require.NoError(t, err)
	assert.Equal(t, "stub://host/some/object", src.(*stubSource).location)

	assert.Contains(t, Schemes(), "stub")
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("stub-dup", func(context.Context, string, ...Option) (Source, error) {
		return nil, nil
	})
	assert.Panics(t, func() {
		Register("stub-dup", func(context.Context, string, ...Option) (Source, error) {
			return nil, nil
		})
	})
	assert.Panics(t, func() { Register("stub-nil", nil) })
}

func TestOpenUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "gopher://example.org/thing")
	assert.ErrorContains(t, err, `no backend registered for scheme "gopher"`)
}

func TestOpenSchemeDispatch(t *testing.T) {
	var got string
	Register("dispatch", func(_ context.Context, location string, _ ...Option) (Source, error) {
		got = location
		return &stubSource{}, nil
	})

	// Scheme matching is case-insensitive; the location is passed
	// through untouched.
	_, err := Open(context.Background(), "DISPATCH://bucket/key")
	require.NoError(t, err)
	assert.Equal(t, "DISPATCH://bucket/key", got)
}

func TestOpenPathWithoutScheme(t *testing.T) {
	var opened []string
	Register("file", func(_ context.Context, location string, _ ...Option) (Source, error) {
		opened = append(opened, location)
		return &stubSource{}, nil
	})

	// Plain paths and Windows drive letters dispatch to the file
	// backend.
	for _, location := range []string{"/tmp/data.bin", "relative/path.bin", `C:\data\file.bin`} {
		_, err := Open(context.Background(), location)
		require.NoError(t, err, location)
	}
	assert.Equal(t, []string{"/tmp/data.bin", "relative/path.bin", `C:\data\file.bin`}, opened)
}
