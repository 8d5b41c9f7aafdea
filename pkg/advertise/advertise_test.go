package advertise

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"regexp"
	"testing"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/crypto/ssh"
	"gotest.tools/assert"
)

type fakeLinks struct {
	links []netlink.Link
	addrs map[string]map[int][]string
	err   error
}

func (f *fakeLinks) LinkList() ([]netlink.Link, error) {
	return f.links, f.err
}

func (f *fakeLinks) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	var addrs []netlink.Addr
	for _, cidr := range f.addrs[link.Attrs().Name][family] {
		ip, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		ipnet.IP = ip
		addrs = append(addrs, netlink.Addr{IPNet: ipnet})
	}
	return addrs, nil
}

func link(name, mac string) netlink.Link {
	hw, _ := net.ParseMAC(mac)
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name, HardwareAddr: hw}}
}

func testAdvertiser(t *testing.T, cfg Config, files map[string][]byte, links *fakeLinks) *Advertiser {
	logging.Set(testoutput.Setter(t))
	t.Cleanup(func() { logging.Set(testoutput.Revert()) })

	a := New(cfg)
	a.links = links
	a.readFile = func(path string) ([]byte, error) {
		if data, ok := files[path]; ok {
			return data, nil
		}
		return nil, os.ErrNotExist
	}
	a.hostname = func() (string, error) { return "fallback", nil }
	return a
}

func TestInterfaces(t *testing.T) {
	links := &fakeLinks{
		links: []netlink.Link{
			link("lo", "00:00:00:00:00:00"),
			link("eth0", "02:42:ac:11:00:02"),
			link("docker0", "02:42:9b:00:00:01"),
			link("eth1", "02:42:ac:11:00:03"),
			&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "tun0"}},
		},
		addrs: map[string]map[int][]string{
			"lo": {
				netlink.FAMILY_V4: {"127.0.0.1/8"},
				netlink.FAMILY_V6: {"::1/128"},
			},
			"eth0": {
				netlink.FAMILY_V4: {"10.0.0.5/24", "169.254.1.1/16"},
				netlink.FAMILY_V6: {"2001:db8::5/64", "fe80::1/64", "fd00::5/64"},
			},
			"docker0": {
				netlink.FAMILY_V4: {"172.17.0.1/16"},
			},
			"eth1": {
				netlink.FAMILY_V6: {"fe80::2/64"},
			},
			"tun0": {
				netlink.FAMILY_V4: {"10.8.0.1/24"},
			},
		},
	}
	cfg := Config{
		ExcludeInterfaces: []*regexp.Regexp{regexp.MustCompile(`^docker`)},
		HostKeys:          map[string]string{},
	}
	a := testAdvertiser(t, cfg, map[string][]byte{DefaultHostnameFile: []byte("node-a\n")}, links)

	node, err := a.Describe(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, node.Hostname, "node-a")
	assert.Equal(t, len(node.Interfaces), 1, "%+v", node.Interfaces)
	eth0 := node.Interfaces[0]
	assert.Equal(t, eth0.Name, "eth0")
	assert.Equal(t, eth0.MAC, "02:42:ac:11:00:02")
	assert.DeepEqual(t, eth0.Addresses, []string{"2001:db8::5", "10.0.0.5"})
}

func TestInterfaceListFailure(t *testing.T) {
	links := &fakeLinks{err: errors.New("netlink unavailable")}
	a := testAdvertiser(t, Config{HostKeys: map[string]string{}}, nil, links)

	_, err := a.Describe(context.Background())
	assert.ErrorContains(t, err, "netlink unavailable")
}

func TestHostnameFallback(t *testing.T) {
	a := testAdvertiser(t, Config{HostKeys: map[string]string{}}, nil, &fakeLinks{})
	node, err := a.Describe(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, node.Hostname, "fallback")

	a.hostname = func() (string, error) { return "", errors.New("no uname") }
	_, err = a.Describe(context.Background())
	assert.ErrorContains(t, err, "unable to read hostname")
}

func TestHostKeys(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	assert.NilError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	assert.NilError(t, err)
	sum := sha256.Sum256(sshPub.Marshal())

	files := map[string][]byte{
		"/keys/ed25519.pub": ssh.MarshalAuthorizedKey(sshPub),
		"/keys/rsa.pub":     []byte("not a key\n"),
	}
	cfg := Config{HostKeys: map[string]string{
		"ed25519": "/keys/ed25519.pub",
		"rsa":     "/keys/rsa.pub",
		"dsa":     "/keys/missing.pub",
	}}
	a := testAdvertiser(t, cfg, files, &fakeLinks{})

	node, err := a.Describe(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, node.SSHKeys, map[string]string{"ed25519": hex.EncodeToString(sum[:])})
}

func TestAdvertised(t *testing.T) {
	for addr, want := range map[string]bool{
		"10.1.2.3":     true,
		"192.168.0.10": true,
		"8.8.8.8":      true,
		"127.0.0.1":    false,
		"169.254.10.1": false,
		"224.0.0.1":    false,
		"2600:1f18::1": true,
		"fd12:3456::1": false,
		"fe80::1":      false,
		"::1":          false,
		"ff02::1":      false,
	} {
		assert.Equal(t, advertised(net.ParseIP(addr)), want, addr)
	}
}
