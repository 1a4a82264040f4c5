// Package nettap bridges an emulated NIC to the host network via a Linux
// TUN/TAP device.
package nettap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostInterface is the host-network side an emulated NIC reads/writes
// Ethernet frames through.
type HostInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// Device implements HostInterface over a Linux TAP device opened in
// IFF_NO_PI mode, so frames carry no leading packet-info header.
type Device struct {
	fd   int
	Name string
}

// New opens or creates a TAP interface named name.
func New(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("nettap: open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("nettap: TUNSETIFF on %s: %w", name, errno)
	}
	return &Device{fd: fd, Name: name}, nil
}

func (d *Device) ReadPacket() ([]byte, error) {
	buf := make([]byte, 2048)
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("nettap: read %s: %w", d.Name, err)
	}
	return buf[:n], nil
}

func (d *Device) WritePacket(packet []byte) error {
	if _, err := unix.Write(d.fd, packet); err != nil {
		return fmt.Errorf("nettap: write %s: %w", d.Name, err)
	}
	return nil
}

func (d *Device) Close() error {
	if d.fd == 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = 0
	return err
}
