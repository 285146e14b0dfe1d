package pipeline

import (
	"testing"

	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/backends/host"
	"github.com/gomlx/augment/types/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImageContext(t *testing.T, affinity backends.Affinity) backends.Context {
	ctx := host.New("").NewContext(affinity, 0, 0)
	t.Cleanup(func() { _ = ctx.Finalize() })
	return ctx
}

func TestImageCreate(t *testing.T) {
	ctx := newImageContext(t, backends.CPU)
	info := images.Make(4, 2, 1, images.RGB24, images.Host)

	img := NewImage(info)
	require.Equal(t, AllocationNone, img.Allocation())
	require.Nil(t, img.Buffer())
	require.Panics(t, func() { img.HostBytes() }) // No storage bound yet.

	img.Create(ctx)
	require.Equal(t, AllocationInternal, img.Allocation())
	require.Equal(t, images.Regular, img.Info().Type)
	require.Len(t, img.HostBytes(), info.Size())

	// Storage binds once only.
	require.Panics(t, func() { img.Create(ctx) })

	require.NoError(t, img.Finalize())
	require.NoError(t, img.Finalize()) // Idempotent.
	require.Nil(t, img.Buffer())
}

func TestImageCreateFromHandle(t *testing.T) {
	ctx := newImageContext(t, backends.CPU)
	info := images.Make(4, 2, 1, images.Gray, images.Host)

	// A too-small caller buffer is rejected.
	img := NewImage(info)
	require.Panics(t, func() { img.CreateFromHandle(ctx, ctx.NewBuffer(info.Size()-1)) })
	require.Panics(t, func() { img.CreateFromHandle(ctx, nil) })

	buffer := ctx.NewBuffer(info.Size())
	img.CreateFromHandle(ctx, buffer)
	require.Equal(t, AllocationExternal, img.Allocation())
	require.Same(t, buffer, img.Buffer())

	// Finalize unbinds but doesn't free the caller's buffer.
	require.NoError(t, img.Finalize())
	require.Equal(t, info.Size(), buffer.Size())
}

func TestImageDataCopies(t *testing.T) {
	for _, affinity := range []backends.Affinity{backends.CPU, backends.GPU} {
		t.Run(affinity.String(), func(t *testing.T) {
			ctx := newImageContext(t, affinity)
			info := images.Make(2, 2, 1, images.Gray, ctx.MemType())
			img := NewImage(info)
			img.Create(ctx)

			src := []byte{9, 8, 7, 6}
			img.FillData(ctx.Queue(), src, true)
			dst := make([]byte, 4)
			img.CopyData(ctx.Queue(), dst, true)
			assert.Equal(t, src, dst)

			if affinity == backends.GPU {
				require.Panics(t, func() { img.HostBytes() })
			}
		})
	}
}
