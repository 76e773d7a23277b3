// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/adprobe/api/schemas"
)

// -- Browser Mock --

// MockBrowser is a testify mock of schemas.Page for failure injection.
type MockBrowser struct {
	mock.Mock
}

var _ schemas.Page = (*MockBrowser)(nil)

func (m *MockBrowser) FindElements(ctx context.Context, selector string) ([]schemas.ElementRef, error) {
	args := m.Called(ctx, selector)
	refs, _ := args.Get(0).([]schemas.ElementRef)
	return refs, args.Error(1)
}

func (m *MockBrowser) GetAttribute(ctx context.Context, ref schemas.ElementRef, name string) (string, bool, error) {
	args := m.Called(ctx, ref, name)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockBrowser) GetGeometry(ctx context.Context, ref schemas.ElementRef) (schemas.Geometry, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(schemas.Geometry), args.Error(1)
}

func (m *MockBrowser) IsVisible(ctx context.Context, ref schemas.ElementRef) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func (m *MockBrowser) IsEnabled(ctx context.Context, ref schemas.ElementRef) (bool, error) {
	args := m.Called(ctx, ref)
	return args.Bool(0), args.Error(1)
}

func (m *MockBrowser) Click(ctx context.Context, ref schemas.ElementRef) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *MockBrowser) PointerClick(ctx context.Context, ref schemas.ElementRef, offsetX, offsetY float64) error {
	args := m.Called(ctx, ref, offsetX, offsetY)
	return args.Error(0)
}

func (m *MockBrowser) ExecuteScript(ctx context.Context, script string, result any, args ...any) error {
	called := m.Called(ctx, script, result, args)
	return called.Error(0)
}

func (m *MockBrowser) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) CurrentWindow(ctx context.Context) (schemas.WindowHandle, error) {
	args := m.Called(ctx)
	return args.Get(0).(schemas.WindowHandle), args.Error(1)
}

func (m *MockBrowser) AllWindows(ctx context.Context) ([]schemas.WindowHandle, error) {
	args := m.Called(ctx)
	handles, _ := args.Get(0).([]schemas.WindowHandle)
	return handles, args.Error(1)
}

func (m *MockBrowser) SwitchToWindow(ctx context.Context, handle schemas.WindowHandle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockBrowser) CloseCurrentWindow(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockBrowser) WaitUntil(ctx context.Context, predicate schemas.Predicate, timeout time.Duration) (bool, error) {
	args := m.Called(ctx, predicate, timeout)
	return args.Bool(0), args.Error(1)
}

func (m *MockBrowser) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}
