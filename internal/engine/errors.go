package engine

import "errors"

// Kind identifies one of the error categories §7 names. The data path
// checks these with errors.Is against the sentinels below, then wraps them
// with context via fmt.Errorf("...: %w", ...) in the teacher's convention.
type Kind int

const (
	KindConfigInvalid Kind = iota
	KindTransportDial
	KindProtocolViolation
	KindBackpressureOverflow
	KindTimeout
	KindCapacity
	KindStackReload
)

var (
	// ErrConfigInvalid marks a malformed URL, missing required field, or
	// unknown enum. Surfaced at admission; never reaches the data path.
	ErrConfigInvalid = errors.New("config invalid")
	// ErrTransportDial marks a failed TCP connect, TLS handshake, or
	// transport upgrade. Per-flow fatal; the stack is unaffected.
	ErrTransportDial = errors.New("transport dial failed")
	// ErrProtocolViolation marks a VLESS header parse error, wrong response
	// version, out-of-range length, or invalid mux frame. Per-flow fatal;
	// in the mux case, fatal to the whole MuxClient.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrBackpressureOverflow marks the 512 KiB TCP overflow cap being
	// exceeded. UDP queue overflow drops datagrams without an error.
	ErrBackpressureOverflow = errors.New("backpressure overflow")
	// ErrTimeout marks a handshake/idle/half-close timer firing.
	ErrTimeout = errors.New("timeout")
	// ErrCapacity marks the 200-flow UDP cap or the 32-session mux cap
	// being reached.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrStackReload marks an error encountered while tearing down or
	// rebuilding the stack during a reload.
	ErrStackReload = errors.New("stack reload failed")
)
