// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração do dccagent.
// O documento é YAML, mas como YAML é um superset de JSON, arquivos de
// configuração JSON legados carregam sem modificação.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults da configuração global.
const (
	DefaultDownloadPath        = "./downloads"
	DefaultMaxFileSize         = ByteSize(100 * 1024 * 1024) // 100 MiB
	DefaultServerIdleTimeout   = 1800                        // segundos
	DefaultChannelIdleTimeout  = 1800                        // segundos
	DefaultResumeTimeout       = 30                          // segundos
	DefaultTransferListTimeout = 86400                       // segundos (1 dia)
	DefaultHTTPListen          = ":8080"
)

// Portas IRC padrão, escolhidas conforme use_tls.
const (
	DefaultIRCPort    = 6667
	DefaultIRCTLSPort = 6697
)

// ByteSize é um tamanho em bytes que aceita tanto inteiros puros quanto
// strings human-readable ("100mb", "1gb") no YAML.
type ByteSize int64

// UnmarshalYAML implementa yaml.Unmarshaler para ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseByteSize(raw)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// Config representa a configuração completa do dccagent.
type Config struct {
	Servers             map[string]*ServerConfig `yaml:"servers"`
	DefaultServerConfig *ServerConfig            `yaml:"default_server_config"`

	DownloadPath     string   `yaml:"default_download_path"`
	AllowedMimetypes []string `yaml:"allowed_mimetypes"`
	MaxFileSize      ByteSize `yaml:"max_file_size"`
	MaxTransferRate  ByteSize `yaml:"max_transfer_rate"` // bytes/s por transfer; 0 = sem limite
	IncompleteSuffix string   `yaml:"incomplete_suffix"`
	AllowPrivateIPs  bool     `yaml:"allow_private_ips"`

	ServerIdleTimeout   int `yaml:"server_idle_timeout"`   // segundos
	ChannelIdleTimeout  int `yaml:"channel_idle_timeout"`  // segundos
	ResumeTimeout       int `yaml:"resume_timeout"`        // segundos
	TransferListTimeout int `yaml:"transfer_list_timeout"` // segundos

	// Nicks para os quais "xdcc send" é sempre reescrito para "xdcc ssend".
	SsendMap map[string]bool `yaml:"ssend_map"`

	HTTP    HTTPConfig  `yaml:"http"`
	Events  EventsInfo  `yaml:"events"`
	Logging LoggingInfo `yaml:"logging"`
}

// ServerConfig representa a configuração de um servidor IRC.
type ServerConfig struct {
	Nick             string `yaml:"nick"`
	RandomNick       bool   `yaml:"random_nick"`
	NickservPassword string `yaml:"nickserv_password"`
	UseTLS           bool   `yaml:"use_tls"`
	VerifySSL        *bool  `yaml:"verify_ssl"` // nil = true
	Port             int    `yaml:"port"`       // 0 = default conforme use_tls

	Channels []string `yaml:"channels"`

	// Canais companheiros a entrar junto com a chave.
	AlsoJoin map[string][]string `yaml:"also_join"`

	// Canais cujos "xdcc send" de saída são reescritos para "xdcc ssend".
	RewriteToSsend []string `yaml:"rewrite_to_ssend"`
}

// HTTPConfig configura o listener da API de controle.
type HTTPConfig struct {
	Listen       string        `yaml:"listen"`        // default: ":8080"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR; vazio = sem ACL

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// EventsInfo configura a persistência de eventos operacionais.
type EventsInfo struct {
	File     string `yaml:"file"`      // default: "events.jsonl"
	RingSize int    `yaml:"ring_size"` // default: 200
	MaxLines int    `yaml:"max_lines"` // default: 10000
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`

	// TransferDir habilita um arquivo de log dedicado por transfer
	// ({dir}/{server}/{transfer_id}.log), removido quando o transfer
	// completa com sucesso. Vazio = desabilitado.
	TransferDir string `yaml:"transfer_log_dir"`
}

// Load lê e valida o arquivo de configuração do agent.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ServerFor resolve a configuração para um servidor, caindo em
// default_server_config quando o servidor não está listado.
func (c *Config) ServerFor(server string) (*ServerConfig, error) {
	if sc, ok := c.Servers[server]; ok && sc != nil {
		return sc, nil
	}
	if c.DefaultServerConfig != nil {
		return c.DefaultServerConfig, nil
	}
	return nil, fmt.Errorf("No configuration found for server: %s", server)
}

// ServerIdle retorna o idle timeout de servidor como Duration.
func (c *Config) ServerIdle() time.Duration {
	return time.Duration(c.ServerIdleTimeout) * time.Second
}

// ChannelIdle retorna o idle timeout de canal como Duration.
func (c *Config) ChannelIdle() time.Duration {
	return time.Duration(c.ChannelIdleTimeout) * time.Second
}

// ResumeExpiry retorna o timeout de resume como Duration.
func (c *Config) ResumeExpiry() time.Duration {
	return time.Duration(c.ResumeTimeout) * time.Second
}

// TransferRetention retorna a retenção do histórico de transfers como Duration.
func (c *Config) TransferRetention() time.Duration {
	return time.Duration(c.TransferListTimeout) * time.Second
}

// VerifyTLS retorna se o certificado do servidor IRC deve ser validado.
// O default (campo ausente) é true.
func (sc *ServerConfig) VerifyTLS() bool {
	return sc.VerifySSL == nil || *sc.VerifySSL
}

// IRCPort retorna a porta efetiva do servidor IRC.
func (sc *ServerConfig) IRCPort() int {
	if sc.Port > 0 {
		return sc.Port
	}
	if sc.UseTLS {
		return DefaultIRCTLSPort
	}
	return DefaultIRCPort
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 && c.DefaultServerConfig == nil {
		return fmt.Errorf("servers must have at least one entry (or default_server_config)")
	}

	for name, sc := range c.Servers {
		if sc == nil {
			return fmt.Errorf("servers[%s] is empty", name)
		}
		if err := sc.validate(name); err != nil {
			return err
		}
	}
	if c.DefaultServerConfig != nil {
		if err := c.DefaultServerConfig.validate("default_server_config"); err != nil {
			return err
		}
	}

	if c.DownloadPath == "" {
		c.DownloadPath = DefaultDownloadPath
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.ServerIdleTimeout <= 0 {
		c.ServerIdleTimeout = DefaultServerIdleTimeout
	}
	if c.ChannelIdleTimeout <= 0 {
		c.ChannelIdleTimeout = DefaultChannelIdleTimeout
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = DefaultResumeTimeout
	}
	if c.TransferListTimeout <= 0 {
		c.TransferListTimeout = DefaultTransferListTimeout
	}

	// Normaliza nicks do ssend_map para lowercase
	if len(c.SsendMap) > 0 {
		normalized := make(map[string]bool, len(c.SsendMap))
		for nick, v := range c.SsendMap {
			normalized[strings.ToLower(strings.TrimSpace(nick))] = v
		}
		c.SsendMap = normalized
	}

	// Normaliza mimetypes para lowercase
	for i, m := range c.AllowedMimetypes {
		c.AllowedMimetypes[i] = strings.ToLower(strings.TrimSpace(m))
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultHTTPListen
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 5 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 15 * time.Second
	}
	if c.HTTP.IdleTimeout <= 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}

	// Parseia CIDRs da ACL (IP puro vira /32 ou /128)
	c.HTTP.ParsedCIDRs = nil
	for _, origin := range c.HTTP.AllowOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if !strings.Contains(origin, "/") {
			if ip := net.ParseIP(origin); ip != nil {
				if ip.To4() != nil {
					origin += "/32"
				} else {
					origin += "/128"
				}
			}
		}
		_, ipNet, err := net.ParseCIDR(origin)
		if err != nil {
			return fmt.Errorf("http.allow_origins: invalid entry %q: %w", origin, err)
		}
		c.HTTP.ParsedCIDRs = append(c.HTTP.ParsedCIDRs, ipNet)
	}

	if c.Events.File == "" {
		c.Events.File = "events.jsonl"
	}
	if c.Events.RingSize <= 0 {
		c.Events.RingSize = 200
	}
	if c.Events.MaxLines <= 0 {
		c.Events.MaxLines = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

func (sc *ServerConfig) validate(name string) error {
	if sc.Nick == "" {
		sc.Nick = "dccagent"
	}
	if sc.Port < 0 || sc.Port > 65535 {
		return fmt.Errorf("servers[%s].port must be between 0 and 65535, got %d", name, sc.Port)
	}

	// Normaliza canais com a mesma regra do caminho de saída das sessões
	// (lowercase + prefixo '#'), para as comparações baterem.
	for i, ch := range sc.Channels {
		sc.Channels[i] = normalizeChannel(ch)
	}
	for i, ch := range sc.RewriteToSsend {
		sc.RewriteToSsend[i] = normalizeChannel(ch)
	}
	if len(sc.AlsoJoin) > 0 {
		normalized := make(map[string][]string, len(sc.AlsoJoin))
		for ch, companions := range sc.AlsoJoin {
			list := make([]string, 0, len(companions))
			for _, companion := range companions {
				list = append(list, normalizeChannel(companion))
			}
			normalized[normalizeChannel(ch)] = list
		}
		sc.AlsoJoin = normalized
	}

	return nil
}

// normalizeChannel aplica a forma canônica de nome de canal usada nas
// comparações: lowercase e prefixo '#' quando não há um ('&' é mantido).
func normalizeChannel(ch string) string {
	ch = strings.ToLower(strings.TrimSpace(ch))
	if ch == "" {
		return ch
	}
	if !strings.HasPrefix(ch, "#") && !strings.HasPrefix(ch, "&") {
		ch = "#" + ch
	}
	return ch
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
// Números puros são interpretados como bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
