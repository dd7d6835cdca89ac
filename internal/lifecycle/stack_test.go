package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStack(t *testing.T) {
	t.Run("ensure-LIFO-order", func(t *testing.T) {
		bits := uint8(0b11111111)
		stack := new(stack)
		stack.Push(func(ctx context.Context) error {
			bits &^= 1 << 5
			require.Equal(t, uint8(0b00011111), bits, "%08b", bits)
			return nil
		})
		stack.Push(func(ctx context.Context) error {
			bits &^= 1 << 6
			require.Equal(t, uint8(0b00111111), bits)
			return nil
		})
		stack.Push(func(ctx context.Context) error {
			bits &^= 1 << 7
			require.Equal(t, uint8(0b01111111), bits)
			return nil
		})
		require.NoError(t, stack.Destroy(t.Context()))
		assert.Zero(t, stack.Len())
	})

	t.Run("ensure-errors-joined", func(t *testing.T) {
		err1 := fmt.Errorf("one")
		err2 := fmt.Errorf("two")
		stack := new(stack)
		stack.Push(func(ctx context.Context) error {
			return err1
		})
		stack.Push(func(ctx context.Context) error {
			return err2
		})
		stack.Push(func(ctx context.Context) error {
			return nil
		})
		err := stack.Destroy(t.Context())
		require.ErrorIs(t, err, err1)
		require.ErrorIs(t, err, err2)
	})

	t.Run("continues-after-failure", func(t *testing.T) {
		var order []string
		stack := new(stack)
		stack.Push(releaser("first", func(context.Context) error {
			order = append(order, "first")
			return nil
		}))
		stack.Push(releaser("second", func(context.Context) error {
			order = append(order, "second")
			return errors.New("boom")
		}))
		err := stack.Destroy(t.Context())
		assert.Equal(t, []string{"second", "first"}, order)

		var cleanupErr *CleanupError
		require.ErrorAs(t, err, &cleanupErr)
		assert.Equal(t, "second", cleanupErr.Resource)
		assert.EqualError(t, cleanupErr, "releasing second: boom")
	})

	t.Run("destroy-twice", func(t *testing.T) {
		calls := 0
		stack := new(stack)
		stack.Push(func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, stack.Destroy(t.Context()))
		require.NoError(t, stack.Destroy(t.Context()))
		assert.Equal(t, 1, calls)
	})
}
