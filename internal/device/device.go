// Package device defines the boundary between the engine and instrument
// drivers.
package device

import (
	"context"
	"io"
	"strings"

	"github.com/qwdingyu/testflow/internal/value"
)

// Device executes commands against one instrument instance.
//
// Execute must honor ctx: a driver blocked on I/O should return once ctx is
// done. A non-nil error means the call itself broke (transport failure,
// cancellation); an instrument refusing the command is reported as a
// Response with Success false.
type Device interface {
	Execute(ctx context.Context, command string, params value.Map) (Response, error)
}

// HealthChecker is implemented by devices that can report a broken handle.
// The pool checks it before reusing a cached instance.
type HealthChecker interface {
	IsHealthy() bool
}

// Response is the result of one device call.
type Response struct {
	Success bool
	Message string
	Outputs value.Map
}

// OK builds a successful response.
func OK(outputs value.Map) Response {
	return Response{Success: true, Outputs: outputs}
}

// Fail builds a failed response carrying the device's message.
func Fail(message string) Response {
	return Response{Message: message}
}

// Config is how a device is constructed: a registered type name plus
// driver-specific settings.
type Config struct {
	Type     string
	Settings value.Map
}

// Key normalizes a device key: keys match case-insensitively and ignore
// surrounding space.
func Key(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Factory constructs a device for key.
type Factory func(key string, cfg Config) (Device, error)

// IsHealthy reports d's health, treating devices without a health check as
// healthy.
func IsHealthy(d Device) bool {
	if hc, ok := d.(HealthChecker); ok {
		return hc.IsHealthy()
	}
	return true
}

// Close releases d if it holds resources.
func Close(d Device) error {
	if c, ok := d.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Func adapts a function to the Device interface.
type Func func(ctx context.Context, command string, params value.Map) (Response, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, command string, params value.Map) (Response, error) {
	return f(ctx, command, params)
}
