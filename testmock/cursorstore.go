package testmock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/luno/txrelay"
)

var _ txrelay.CursorStore = (*CursorStore)(nil)

// CursorStore is a testify mock of txrelay.CursorStore.
type CursorStore struct {
	mock.Mock
}

func (c *CursorStore) GetCursor(ctx context.Context, name string) (string, error) {
	args := c.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (c *CursorStore) SetCursor(ctx context.Context, name string, cursor string) error {
	args := c.Called(ctx, name, cursor)
	return args.Error(0)
}

func (c *CursorStore) Flush(ctx context.Context) error {
	args := c.Called(ctx)
	return args.Error(0)
}
