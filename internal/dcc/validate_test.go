// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"net"
	"reflect"
	"testing"
)

func testPolicy(t *testing.T) SendPolicy {
	t.Helper()
	return SendPolicy{
		DownloadDir:     t.TempDir(),
		MaxFileSize:     1000000,
		AllowPrivateIPs: false,
	}
}

func TestParseSendOffer_Valid(t *testing.T) {
	policy := testPolicy(t)

	offer, err := ParseSendOffer([]string{"SEND", "file.bin", "1.2.3.4", "5000", "1024"}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if offer.Filename != "file.bin" || offer.Port != 5000 || offer.Size != 1024 {
		t.Errorf("unexpected offer: %+v", offer)
	}
	if offer.UseSSL {
		t.Errorf("SEND should not set UseSSL")
	}
	if !offer.IP.Equal(net.IPv4(1, 2, 3, 4)) {
		t.Errorf("expected 1.2.3.4, got %s", offer.IP)
	}
}

func TestParseSendOffer_NumericIP(t *testing.T) {
	policy := testPolicy(t)
	policy.AllowPrivateIPs = true

	// 2130706433 = 127.0.0.1
	offer, err := ParseSendOffer([]string{"SEND", "file.bin", "2130706433", "5000", "1024"}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !offer.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("expected 127.0.0.1, got %s", offer.IP)
	}
}

func TestParseSendOffer_SsendSetsSSL(t *testing.T) {
	policy := testPolicy(t)

	offer, err := ParseSendOffer([]string{"SSEND", "file.bin", "1.2.3.4", "5000", "1024"}, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !offer.UseSSL {
		t.Errorf("SSEND should set UseSSL")
	}
}

func TestParseSendOffer_Rejections(t *testing.T) {
	policy := testPolicy(t)

	cases := []struct {
		name string
		args []string
	}{
		{"too few args", []string{"SEND", "file.bin", "1.2.3.4", "5000"}},
		{"bad address", []string{"SEND", "file.bin", "not-an-ip", "5000", "1024"}},
		{"private address", []string{"SEND", "file.bin", "192.168.1.10", "5000", "1024"}},
		{"loopback address", []string{"SEND", "file.bin", "2130706433", "5000", "1024"}},
		{"empty filename", []string{"SEND", "", "1.2.3.4", "5000", "1024"}},
		{"filename with colon", []string{"SEND", "a:b", "1.2.3.4", "5000", "1024"}},
		{"filename traversal", []string{"SEND", "..", "1.2.3.4", "5000", "1024"}},
		{"zero size", []string{"SEND", "file.bin", "1.2.3.4", "5000", "0"}},
		{"oversize", []string{"SEND", "file.bin", "1.2.3.4", "5000", "10000000"}},
		{"passive port", []string{"SEND", "file.bin", "1.2.3.4", "0", "1024"}},
		{"port out of range", []string{"SEND", "file.bin", "1.2.3.4", "70000", "1024"}},
		{"garbage port", []string{"SEND", "file.bin", "1.2.3.4", "abc", "1024"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSendOffer(tc.args, policy); err == nil {
				t.Errorf("expected rejection for %v", tc.args)
			}
		})
	}
}

func TestParseSendOffer_PrivateAllowed(t *testing.T) {
	policy := testPolicy(t)
	policy.AllowPrivateIPs = true

	if _, err := ParseSendOffer([]string{"SEND", "file.bin", "192.168.1.10", "5000", "1024"}, policy); err != nil {
		t.Errorf("private address should pass with allow_private_ips: %v", err)
	}
}

func TestParseAccept(t *testing.T) {
	filename, port, position, err := ParseAccept([]string{"ACCEPT", "foo", "6000", "500"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filename != "foo" || port != 6000 || position != 500 {
		t.Errorf("unexpected accept fields: %q %d %d", filename, port, position)
	}

	if _, _, _, err := ParseAccept([]string{"ACCEPT", "foo", "6000"}); err == nil {
		t.Errorf("expected error for short ACCEPT")
	}
	if _, _, _, err := ParseAccept([]string{"ACCEPT", "foo", "x", "500"}); err == nil {
		t.Errorf("expected error for bad port")
	}
}

func TestParsePeerIP(t *testing.T) {
	cases := []struct {
		in   string
		want net.IP
		err  bool
	}{
		{"2130706433", net.IPv4(127, 0, 0, 1), false},
		{"16909060", net.IPv4(1, 2, 3, 4), false},
		{"10.0.0.1", net.IPv4(10, 0, 0, 1), false},
		{"2001:db8::1", net.ParseIP("2001:db8::1"), false},
		{"not-an-ip", nil, true},
		{"99999999999999999999", nil, true},
	}

	for _, tc := range cases {
		got, err := ParsePeerIP(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParsePeerIP(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePeerIP(%q): unexpected error %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParsePeerIP(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"10.0.0.1", "172.16.0.1", "192.168.1.1", "127.0.0.1", "169.254.1.1", "fd00::1", "::1"}
	for _, s := range private {
		if !IsPrivateIP(net.ParseIP(s)) {
			t.Errorf("expected %s to be private", s)
		}
	}

	public := []string{"1.2.3.4", "8.8.8.8", "2001:4860:4860::8888"}
	for _, s := range public {
		if IsPrivateIP(net.ParseIP(s)) {
			t.Errorf("expected %s to be public", s)
		}
	}
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()

	if _, err := ResolvePath(dir, "file.bin"); err != nil {
		t.Errorf("plain name should resolve: %v", err)
	}
	if _, err := ResolvePath(dir, ".."); err == nil {
		t.Errorf("expected rejection for traversal")
	}
}

func TestValidateFilename_Idempotent(t *testing.T) {
	// Um nome aceito continua aceito quando validado de novo.
	name := "some-file_1.tar.gz"
	for i := 0; i < 2; i++ {
		if err := ValidateFilename(name); err != nil {
			t.Fatalf("pass %d: unexpected error: %v", i, err)
		}
	}
}

func TestSplitArgs(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`SEND "my file.bin" 1.2.3.4 5000 99`, []string{"SEND", "my file.bin", "1.2.3.4", "5000", "99"}},
		{`SEND file.bin 1.2.3.4 5000 99`, []string{"SEND", "file.bin", "1.2.3.4", "5000", "99"}},
		{`ACCEPT 'quoted name' 6000 500`, []string{"ACCEPT", "quoted name", "6000", "500"}},
		{`  spaced   out  `, []string{"spaced", "out"}},
		{``, nil},
	}

	for _, tc := range cases {
		if got := SplitArgs(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitArgs(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestQuoteFilename(t *testing.T) {
	if got := QuoteFilename(`my "file".bin`); got != `"my file.bin"` {
		t.Errorf("embedded quotes should be stripped, got %s", got)
	}
	if got := QuoteFilename("plain.bin"); got != `"plain.bin"` {
		t.Errorf("expected quoted name, got %s", got)
	}
}
