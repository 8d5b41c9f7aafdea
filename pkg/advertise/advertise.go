// Package advertise describes the node to the coordinator: its hostname,
// addressed network interfaces and SSH host key fingerprints.
package advertise

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/ioutil"
	"net"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/coordinator"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/crypto/ssh"
)

const DefaultHostnameFile = "/proc/sys/kernel/hostname"

// DefaultHostKeys are the SSH host public keys advertised, by algorithm.
var DefaultHostKeys = map[string]string{
	"rsa":     "/etc/ssh/ssh_host_rsa_key.pub",
	"dsa":     "/etc/ssh/ssh_host_dsa_key.pub",
	"ecdsa":   "/etc/ssh/ssh_host_ecdsa_key.pub",
	"ed25519": "/etc/ssh/ssh_host_ed25519_key.pub",
}

type Config struct {
	// ExcludeInterfaces drops interfaces whose name matches any pattern.
	ExcludeInterfaces []*regexp.Regexp
	// HostKeys maps algorithm to public key file.
	HostKeys     map[string]string
	HostnameFile string
}

// links lists the host's network interfaces and their addresses.
type links interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// kernel queries the host's links over netlink.
type kernel struct{}

func (kernel) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

func (kernel) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

type Advertiser struct {
	cfg   Config
	log   logging.Logger
	links links

	readFile func(string) ([]byte, error)
	hostname func() (string, error)
}

func New(cfg Config) *Advertiser {
	if cfg.HostKeys == nil {
		cfg.HostKeys = DefaultHostKeys
	}
	if cfg.HostnameFile == "" {
		cfg.HostnameFile = DefaultHostnameFile
	}
	return &Advertiser{
		cfg:      cfg,
		log:      logging.New("advertise"),
		links:    kernel{},
		readFile: ioutil.ReadFile,
		hostname: os.Hostname,
	}
}

// Describe gathers the node's details. A failure to list interfaces fails
// the description, unreadable host keys are left out.
func (a *Advertiser) Describe(ctx context.Context) (*coordinator.NodeDetails, error) {
	hostname, err := a.readHostname()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ifaces, err := a.interfaces()
	if err != nil {
		return nil, err
	}
	return &coordinator.NodeDetails{
		Hostname:   hostname,
		Interfaces: ifaces,
		SSHKeys:    a.hostKeys(),
	}, nil
}

func (a *Advertiser) readHostname() (string, error) {
	data, err := a.readFile(a.cfg.HostnameFile)
	if err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name, nil
		}
	}
	name, herr := a.hostname()
	if herr != nil {
		if err == nil {
			err = herr
		}
		return "", errors.Wrap(err, "unable to read hostname")
	}
	return name, nil
}

func (a *Advertiser) excluded(name string) bool {
	for _, re := range a.cfg.ExcludeInterfaces {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func (a *Advertiser) interfaces() ([]coordinator.Interface, error) {
	list, err := a.links.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list interfaces")
	}
	var ifaces []coordinator.Interface
	for _, link := range list {
		attrs := link.Attrs()
		if attrs == nil || a.excluded(attrs.Name) || len(attrs.HardwareAddr) == 0 {
			continue
		}
		iface := coordinator.Interface{Name: attrs.Name, MAC: attrs.HardwareAddr.String()}
		for _, family := range []int{netlink.FAMILY_V6, netlink.FAMILY_V4} {
			addrs, err := a.links.AddrList(link, family)
			if err != nil {
				return nil, errors.Wrapf(err, "unable to list addresses of %s", attrs.Name)
			}
			for _, addr := range addrs {
				if addr.IPNet != nil && advertised(addr.IP) {
					iface.Addresses = append(iface.Addresses, addr.IP.String())
				}
			}
		}
		if len(iface.Addresses) == 0 {
			continue
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

// advertised keeps globally routable IPv6 addresses and private or globally
// routable IPv4 addresses.
func advertised(ip net.IP) bool {
	if !ip.IsGlobalUnicast() {
		return false
	}
	if ip.To4() != nil {
		return true
	}
	return !ip.IsPrivate()
}

func (a *Advertiser) hostKeys() map[string]string {
	algorithms := make([]string, 0, len(a.cfg.HostKeys))
	for alg := range a.cfg.HostKeys {
		algorithms = append(algorithms, alg)
	}
	sort.Strings(algorithms)

	keys := make(map[string]string)
	for _, alg := range algorithms {
		path := a.cfg.HostKeys[alg]
		fp, err := a.fingerprint(path)
		if err != nil {
			a.log.WithError(err).WithField("algorithm", alg).WithField("path", path).Warn("skipping host key")
			continue
		}
		keys[alg] = fp
	}
	return keys
}

// fingerprint is the sha256 hex digest of the key's wire encoding, as used
// in SSHFP records.
func (a *Advertiser) fingerprint(path string) (string, error) {
	data, err := a.readFile(path)
	if err != nil {
		return "", err
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", errors.Wrap(err, "unable to parse public key")
	}
	sum := sha256.Sum256(key.Marshal())
	return hex.EncodeToString(sum[:]), nil
}
