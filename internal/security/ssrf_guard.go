package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// OutboundGuard はLMS APIへの外向き通信を公開アドレスに限定する。
// LMS_PUBLIC_ONLY=true の場合のみLMSクライアントに適用される。
type OutboundGuard interface {
	// ValidateBaseURL はLMS APIのベースURLを起動時に静的検証する。
	ValidateBaseURL(rawURL string) error

	// NewClient は公開アドレス以外への接続をDialerレベルで拒否するHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はパッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// publicOnlyGuard はOutboundGuardのsafeurl実装。
type publicOnlyGuard struct {
	ports []int
}

// NewOutboundGuard はOutboundGuardを生成する。
// baseURLのポートが80/443以外の場合はそのポートも許可する。
func NewOutboundGuard(baseURL string) *publicOnlyGuard {
	ports := []int{80, 443}
	if u, err := url.Parse(baseURL); err == nil {
		if p, err := strconv.Atoi(u.Port()); err == nil && p != 80 && p != 443 {
			ports = append(ports, p)
		}
	}
	return &publicOnlyGuard{ports: ports}
}

// NewClient はsafeurlでラップしたHTTPクライアントを返す。
// safeurlはDialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディングにも対応する。
func (g *publicOnlyGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateBaseURL はDNS解決を伴わない静的な検証を行う。
func (g *publicOnlyGuard) ValidateBaseURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

var _ OutboundGuard = (*publicOnlyGuard)(nil)
