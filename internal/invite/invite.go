// Package invite formats and parses party invite codes of the form
// concordia://host:port/token.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const Prefix = "concordia://"

// DefaultTokenLength is the number of hex characters in a generated token.
const DefaultTokenLength = 16

var ErrInvalidCode = errors.New("invite code must include host:port/token")

type Invite struct {
	Host  string
	Port  int
	Token string
}

// String returns the invite code.
func (i Invite) String() string {
	return Format(i.Host, i.Port, i.Token)
}

// WebSocketURL is where a participant connects.
func (i Invite) WebSocketURL() string {
	u := url.URL{Scheme: "ws", Host: i.Addr(), Path: "/ws"}
	return u.String()
}

// BaseURL is the HTTP root of the party.
func (i Invite) BaseURL() string {
	u := url.URL{Scheme: "http", Host: i.Addr()}
	return u.String()
}

func (i Invite) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func Format(host string, port int, token string) string {
	return fmt.Sprintf("%s%s:%d/%s", Prefix, host, port, token)
}

// Parse accepts a code with or without the concordia:// prefix.
func Parse(code string) (Invite, error) {
	code = strings.TrimSpace(code)
	code = strings.TrimPrefix(code, Prefix)

	hostPort, token, ok := strings.Cut(code, "/")
	if !ok {
		return Invite{}, ErrInvalidCode
	}
	i := strings.LastIndex(hostPort, ":")
	if i < 0 {
		return Invite{}, ErrInvalidCode
	}
	host, portStr := hostPort[:i], hostPort[i+1:]
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return Invite{}, ErrInvalidCode
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Invite{}, fmt.Errorf("%w: bad port %q", ErrInvalidCode, portStr)
	}
	return Invite{Host: host, Port: port, Token: token}, nil
}

// GenerateToken returns length random hex characters.
func GenerateToken(length int) (string, error) {
	if length <= 0 {
		length = DefaultTokenLength
	}
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}

const publicIPURL = "https://api.ipify.org?format=text"

// FetchPublicIP asks an external echo service for this host's address. It
// returns "" on any failure.
func FetchPublicIP(ctx context.Context, client *http.Client) string {
	return fetchIP(ctx, client, publicIPURL)
}

func fetchIP(ctx context.Context, client *http.Client, endpoint string) string {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

// GuessLocalHost returns the address of the interface used for outbound
// traffic, or 127.0.0.1.
func GuessLocalHost() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// PublicHost picks the host to put in invite codes: configured, then the
// public address, then the local guess.
func PublicHost(ctx context.Context, configured string, client *http.Client) string {
	if configured != "" {
		return configured
	}
	if ip := FetchPublicIP(ctx, client); ip != "" {
		return ip
	}
	return GuessLocalHost()
}
