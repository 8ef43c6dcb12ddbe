package busclient

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Conn is the bus-connection surface the Client depends on. The real
// implementation (RealConn) wraps *dbus.Conn; tests substitute a fake so
// subscription and dispatch logic can run without a live bus.
type Conn interface {
	Names(ctx context.Context) ([]string, error)
	AddNameOwnerChangedMatch(ctx context.Context) error
	Signals(ch chan<- *dbus.Signal)
	Introspect(ctx context.Context, busName, path string) (string, error)
	AddSignalMatch(ctx context.Context, busName, path, iface, signal string) error
	Call(ctx context.Context, busName, path, iface, method string, args ...any) ([]any, error)
	PropertyGet(ctx context.Context, busName, path, iface, property string) (any, error)
	PropertySet(ctx context.Context, busName, path, iface, property string, value any) error
	Close() error
}

// RealConn is the godbus/dbus/v5-backed Conn implementation.
type RealConn struct {
	conn *dbus.Conn
}

// Dial connects to the session or system bus depending on busType.
func Dial(busType string) (*RealConn, error) {
	var conn *dbus.Conn
	var err error
	if busType == "SYSTEM" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("busclient: connect: %w", err)
	}
	return &RealConn{conn: conn}, nil
}

func (c *RealConn) Names(ctx context.Context) ([]string, error) {
	var names []string
	obj := c.conn.BusObject()
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *RealConn) AddNameOwnerChangedMatch(ctx context.Context) error {
	return c.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
}

func (c *RealConn) Signals(ch chan<- *dbus.Signal) {
	c.conn.Signal(ch)
}

func (c *RealConn) Introspect(ctx context.Context, busName, objPath string) (string, error) {
	obj := c.conn.Object(busName, dbus.ObjectPath(objPath))
	var xmlDoc string
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Introspectable.Introspect", 0)
	if call.Err != nil {
		return "", call.Err
	}
	if err := call.Store(&xmlDoc); err != nil {
		return "", err
	}
	return xmlDoc, nil
}

func (c *RealConn) AddSignalMatch(ctx context.Context, busName, path, iface, signal string) error {
	return c.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(dbus.ObjectPath(path)),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(signal),
		dbus.WithMatchSender(busName),
	)
}

func (c *RealConn) Call(ctx context.Context, busName, path, iface, method string, args ...any) ([]any, error) {
	wrapped, err := wrapMethodArgs(args)
	if err != nil {
		return nil, err
	}
	obj := c.conn.Object(busName, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, iface+"."+method, 0, wrapped...)
	if call.Err != nil {
		return nil, call.Err
	}
	return unwrapDBusValues(call.Body), nil
}

func (c *RealConn) PropertyGet(ctx context.Context, busName, path, iface, property string) (any, error) {
	obj := c.conn.Object(busName, dbus.ObjectPath(path))
	var variant dbus.Variant
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, property)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&variant); err != nil {
		return nil, err
	}
	return unwrapDBusValue(variant), nil
}

func (c *RealConn) PropertySet(ctx context.Context, busName, path, iface, property string, value any) error {
	variant, err := wrapPropertyValue(value)
	if err != nil {
		return err
	}
	obj := c.conn.Object(busName, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0, iface, property, variant)
	return call.Err
}

func (c *RealConn) Close() error {
	return c.conn.Close()
}
