package peerconfig

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Asort97/wgVpnBot/clients/models"
)

func sampleProfile(id int64, addr string) models.PeerProfile {
	return models.PeerProfile{
		ClientID:        id,
		Address:         netip.MustParseAddr(addr),
		PrivateKey:      "cGl2YXRla2V5cHJpdmF0ZWtleXByaXZhdGVrZXkxMjM=",
		PublicKey:       "cHVibGlja2V5cHVibGlja2V5cHVibGlja2V5MTIzNDU=",
		ServerPublicKey: "c2VydmVya2V5c2VydmVya2V5c2VydmVya2V5MTIzNDU=",
		ServerEndpoint:  "vpn.example.com:51820",
		DNS:             "8.8.8.8",
	}
}

func TestRenderFormat(t *testing.T) {
	got := Render(sampleProfile(1, "10.0.0.7"))
	want := "[Interface]\n" +
		"PrivateKey = cGl2YXRla2V5cHJpdmF0ZWtleXByaXZhdGVrZXkxMjM=\n" +
		"# PublicKey = cHVibGlja2V5cHVibGlja2V5cHVibGlja2V5MTIzNDU=\n" +
		"Address = 10.0.0.7\n" +
		"DNS = 8.8.8.8\n" +
		"\n" +
		"[Peer]\n" +
		"PublicKey = c2VydmVya2V5c2VydmVya2V5c2VydmVya2V5MTIzNDU=\n" +
		"Endpoint = vpn.example.com:51820\n" +
		"AllowedIPs = 0.0.0.0/0\n"
	if got != want {
		t.Fatalf("unexpected config:\n%s", got)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	p := sampleProfile(42, "10.0.0.7")

	if s.Exists(42) {
		t.Fatalf("store should start empty")
	}
	if err := s.Write(p); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !s.Exists(42) {
		t.Fatalf("expected config to exist after write")
	}

	got, err := s.Read(42)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Address != p.Address || got.PublicKey != p.PublicKey {
		t.Fatalf("address/public key not recovered: %+v", got)
	}
	if got.ClientID != 42 {
		t.Fatalf("expected client id 42, got %d", got.ClientID)
	}

	info, err := os.Stat(s.Path(42))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestReadMissing(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Read(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.RenderedConfig(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadMalformedNamesLine(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	body := "[Interface]\nPrivateKey = x\n# PublicKey = y\nAddress = 10.0.0.999\n"
	if err := os.WriteFile(filepath.Join(dir, "5.conf"), []byte(body), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	_, err = s.Read(5)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Line != 4 || !strings.Contains(pe.Text, "10.0.0.999") {
		t.Fatalf("unexpected parse error %+v", pe)
	}
	if pe.Path != filepath.Join(dir, "5.conf") {
		t.Fatalf("expected path in error, got %q", pe.Path)
	}
}

func TestParseRequiresAddressAndPublicKey(t *testing.T) {
	cases := map[string]string{
		"no address":    "[Interface]\n# PublicKey = abc\n",
		"no public key": "[Interface]\nAddress = 10.0.0.2\n",
		"bad line":      "[Interface]\nAddress 10.0.0.2\n",
		"bad section":   "[Server]\nAddress = 10.0.0.2\n",
		"orphan field":  "Address = 10.0.0.2\n",
	}
	for name, body := range cases {
		if _, err := Parse(strings.NewReader(body)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestParseMinimalFile(t *testing.T) {
	body := "[Interface]\n# PublicKey = abc\nAddress = 10.0.0.2/32\n"
	p, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Address != netip.MustParseAddr("10.0.0.2") || p.PublicKey != "abc" {
		t.Fatalf("unexpected profile %+v", p)
	}
}

func TestListSkipsForeignFilesAndReportsBroken(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, p := range []models.PeerProfile{sampleProfile(3, "10.0.0.3"), sampleProfile(1, "10.0.0.1")} {
		if err := s.Write(p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600)
	os.WriteFile(filepath.Join(dir, "server.conf"), []byte("[Interface]\n"), 0o600)
	os.WriteFile(filepath.Join(dir, "9.conf"), []byte("garbage\n"), 0o600)

	got, err := s.List()
	if err == nil {
		t.Fatalf("expected error for broken file")
	}
	if len(got) != 2 || got[0].ClientID != 1 || got[1].ClientID != 3 {
		t.Fatalf("unexpected list %+v", got)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Write(sampleProfile(8, "10.0.0.8")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Delete(8); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Exists(8) {
		t.Fatalf("config still present")
	}
	if err := s.Delete(8); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.Write(sampleProfile(id, "10.0.0.50")); err != nil {
				t.Errorf("write %d: %v", id, err)
			}
		}(int64(i))
	}
	wg.Wait()

	got, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 profiles, got %d", len(got))
	}
}
