package link

import (
	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// InterfaceFlags reads SIOCGIFFLAGS.
func InterfaceFlags(name string) (uint16, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Annotate(err, "socket")
	}
	defer unix.Close(fd)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, errors.Annotatef(err, "interface=%s", name)
	}
	if err = unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, errors.Annotatef(err, "SIOCGIFFLAGS interface=%s", name)
	}
	return ifr.Uint16(), nil
}

// InterfaceUp reports IFF_UP and IFF_RUNNING both set.
func InterfaceUp(name string) (bool, error) {
	flags, err := InterfaceFlags(name)
	if err != nil {
		return false, err
	}
	const want = unix.IFF_UP | unix.IFF_RUNNING
	return flags&want == want, nil
}
