// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

// invalidFilenameChars são os caracteres proibidos em nomes de arquivo
// oferecidos por peers.
const invalidFilenameChars = `/\:*?"<>|`

// SendOffer é uma oferta DCC SEND/SSEND já validada.
type SendOffer struct {
	Filename string
	IP       net.IP
	Port     int
	Size     int64
	UseSSL   bool
}

// SendPolicy são os limites locais aplicados na validação de ofertas.
type SendPolicy struct {
	DownloadDir     string
	MaxFileSize     int64
	AllowPrivateIPs bool
}

// ParseSendOffer valida os argumentos de um CTCP DCC SEND/SSEND, na ordem:
// contagem de argumentos, endereço, política de IP privado, filename e
// path, tamanho e porta. Retorna erro na primeira falha; o caller loga e
// ignora a oferta sem responder ao peer.
func ParseSendOffer(args []string, policy SendPolicy) (*SendOffer, error) {
	if len(args) < 5 {
		return nil, fmt.Errorf("expected at least 5 arguments, got %d", len(args))
	}

	verb := strings.ToUpper(args[0])
	if verb != "SEND" && verb != "SSEND" {
		return nil, fmt.Errorf("unexpected verb %q", args[0])
	}

	ip, err := ParsePeerIP(args[2])
	if err != nil {
		return nil, err
	}
	if !policy.AllowPrivateIPs && IsPrivateIP(ip) {
		return nil, fmt.Errorf("peer address %s is private and allow_private_ips is disabled", ip)
	}

	filename := args[1]
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	if _, err := ResolvePath(policy.DownloadDir, filename); err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(args[3])
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", args[3], err)
	}
	size, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", args[4], err)
	}

	if size < 1 || size > policy.MaxFileSize {
		return nil, fmt.Errorf("size %d outside allowed range [1, %d]", size, policy.MaxFileSize)
	}
	if port == 0 {
		return nil, fmt.Errorf("passive DCC (port 0) is not supported")
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("port %d outside valid range", port)
	}

	return &SendOffer{
		Filename: filename,
		IP:       ip,
		Port:     port,
		Size:     size,
		UseSSL:   verb == "SSEND",
	}, nil
}

// ParseAccept extrai filename, porta e posição de resume de um DCC ACCEPT.
func ParseAccept(args []string) (filename string, port int, position int64, err error) {
	if len(args) < 4 {
		return "", 0, 0, fmt.Errorf("expected 4 arguments, got %d", len(args))
	}
	filename = args[1]
	port, err = strconv.Atoi(args[2])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid port %q: %w", args[2], err)
	}
	position, err = strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid resume position %q: %w", args[3], err)
	}
	return filename, port, position, nil
}

// ParsePeerIP interpreta o endereço de uma oferta DCC: a forma inteira
// decimal de IPv4 usada pelo protocolo, ou um endereço textual IPv4/IPv6.
func ParsePeerIP(s string) (net.IP, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)), nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid peer address %q", s)
	}
	return ip, nil
}

// IsPrivateIP retorna se o endereço é privado (RFC1918 / ULA), loopback,
// link-local ou não especificado.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// ValidateFilename valida que o nome oferecido pelo peer é seguro como
// componente de caminho. Previne path traversal.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if strings.ContainsAny(name, invalidFilenameChars) {
		return fmt.Errorf("filename %q contains invalid characters", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("filename contains null byte")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("filename %q is a path traversal", name)
	}
	return nil
}

// ResolvePath junta o nome ao diretório de download e verifica que o
// caminho resolvido permanece dentro dele. Defesa em profundidade contra
// path traversal.
func ResolvePath(downloadDir, name string) (string, error) {
	absBase, err := filepath.Abs(downloadDir)
	if err != nil {
		return "", fmt.Errorf("resolving download dir: %w", err)
	}
	resolved := filepath.Join(absBase, name)

	// filepath.Rel retorna erro se os paths não compartilham prefixo
	rel, err := filepath.Rel(absBase, resolved)
	if err != nil {
		return "", fmt.Errorf("path escapes download directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes download directory %q", name, downloadDir)
	}

	return resolved, nil
}

// SplitArgs separa uma linha CTCP em tokens respeitando aspas no estilo
// shell: `SEND "my file.bin" 1.2.3.4 5000 99` produz 5 tokens com o
// filename inteiro no segundo.
func SplitArgs(s string) []string {
	var (
		args    []string
		current strings.Builder
		quote   rune
		inTok   bool
	)

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inTok = true
		case r == ' ' || r == '\t':
			if inTok {
				args = append(args, current.String())
				current.Reset()
				inTok = false
			}
		default:
			current.WriteRune(r)
			inTok = true
		}
	}
	if inTok {
		args = append(args, current.String())
	}
	return args
}

// QuoteFilename prepara um filename para emissão em CTCP: aspas duplas
// embutidas são removidas e o resultado vai entre aspas duplas.
func QuoteFilename(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, "") + `"`
}
